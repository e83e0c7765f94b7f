package api

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/flowtask/internal/model"
)

// scrape returns the value of the sample named series, or 0 when absent.
func (env *testEnv) scrape(t *testing.T, series string) float64 {
	t.Helper()
	resp := env.do(t, "GET", "/metrics", "")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, series+" "); ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				t.Fatalf("parse %q: %v", line, err)
			}
			return v
		}
	}
	return 0
}

func TestMetricsUseRoutePattern(t *testing.T) {
	env := newTestServer(t)
	series := `flowtask_http_requests_total{method="GET",route="/v1/tasks/{id}",status="404"}`
	before := env.scrape(t, series)

	env.do(t, "GET", "/v1/tasks/missing-a", "")
	env.do(t, "GET", "/v1/tasks/missing-b", "")

	if got := env.scrape(t, series) - before; got != 2 {
		t.Errorf("404s under the route pattern = %v, want 2", got)
	}
}

func TestMetricsCountViewerSessions(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask(t, model.StatusPending, testWorkflow)
	series := `flowtask_http_requests_total{method="GET",route="/v1/execution/ws/{id}",status="101"}`
	sessions := "flowtask_viewer_session_duration_seconds_count"
	before, beforeSessions := env.scrape(t, series), env.scrape(t, sessions)

	conn := env.dialViewer(t, task.ID)
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.scrape(t, series)-before < 1 {
		if time.Now().After(deadline) {
			t.Fatal("viewer session not counted as 101")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := env.scrape(t, sessions) - beforeSessions; got < 1 {
		t.Errorf("viewer session histogram count grew by %v, want at least 1", got)
	}
}
