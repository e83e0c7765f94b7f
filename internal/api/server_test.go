package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/backend/comfy"
	"github.com/seantiz/flowtask/internal/backend/comfytest"
	"github.com/seantiz/flowtask/internal/engine"
	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/store"
)

const testWorkflow = `{"1":{"class_type":"CheckpointLoaderSimple"},"2":{"class_type":"KSampler"}}`

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store *store.SQLiteStore
	fake  *comfytest.Server
	ep    model.Endpoint
}

func newTestServer(t *testing.T, corsOrigins ...string) *testEnv {
	t.Helper()
	fake := comfytest.NewServer()
	t.Cleanup(fake.Close)

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ep := fake.Endpoint()
	defaults := &model.EngineSettings{ServerIP: ep.ServerIP, Ports: []int{ep.Port}}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool := backend.NewPool(s, defaults, comfy.Connector(logger), logger)
	eng := engine.New(s, pool, engine.Options{ConnectWait: 2 * time.Second, DefaultEndpoint: ep}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	srv := NewServer(":0", corsOrigins, s, eng, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, store: s, fake: fake, ep: ep}
}

func (env *testEnv) createTask(t *testing.T, status, workflow string) *model.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &model.Task{ID: model.NewTaskID(), Title: "render", Status: status, CreatedAt: now, UpdatedAt: now}
	if workflow != "" {
		task.Workflow = json.RawMessage(workflow)
	}
	if err := env.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (env *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t)
	var reqID string
	env.srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		reqID = middleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", env.ts.URL+"/test", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if reqID != "abc-123" {
		t.Errorf("request id = %q, want the inbound header carried into the context", reqID)
	}
}

func TestPanicRecovery(t *testing.T) {
	env := newTestServer(t)
	env.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	resp := env.do(t, "GET", "/panic", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestServer(t)

	req, _ := http.NewRequest("OPTIONS", env.ts.URL+"/v1/tasks", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	env := newTestServer(t, "http://app.local")

	for origin, want := range map[string]string{
		"http://app.local":  "http://app.local",
		"http://evil.local": "",
	} {
		req, _ := http.NewRequest("OPTIONS", env.ts.URL+"/v1/tasks", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "GET")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: Access-Control-Allow-Origin = %q, want %q", origin, got, want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	env := newTestServer(t, "http://app.local")
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://app.local", true},
		{"http://evil.local", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/execution/ws/x", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := env.srv.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
