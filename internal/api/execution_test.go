package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/flowtask/internal/engine"
	"github.com/seantiz/flowtask/internal/model"
)

func (env *testEnv) dispatchBody(port int) string {
	return fmt.Sprintf(`{"server_ip":%q,"port":%d}`, env.ep.ServerIP, port)
}

func (env *testEnv) waitStatus(t *testing.T, id, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.store.GetTask(context.Background(), id)
		if err == nil && task.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for task status %s", status)
}

func TestDispatchEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.fake.SetAutoRun(true, 2*time.Millisecond)
	task := env.createTask(t, model.StatusPending, testWorkflow)

	resp := env.do(t, "POST", "/v1/execution/task/"+task.ID, env.dispatchBody(env.ep.Port))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decodeBody[engine.DispatchResult](t, resp)
	if res.TaskID != task.ID || res.PromptID == "" {
		t.Errorf("result = %+v", res)
	}
	if res.Endpoint.BaseURL != env.fake.URL() {
		t.Errorf("endpoint base_url = %q, want %q", res.Endpoint.BaseURL, env.fake.URL())
	}
	env.waitStatus(t, task.ID, model.StatusSuccess)
}

func TestDispatchErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status string
		flow   string
		port   int
		setup  func(env *testEnv)
		want   int
	}{
		{name: "not allowed", status: model.StatusPending, flow: testWorkflow, port: 1, want: http.StatusBadRequest},
		{name: "no workflow", status: model.StatusPending, want: http.StatusBadRequest},
		{name: "running", status: model.StatusRunning, flow: testWorkflow, want: http.StatusConflict},
		{
			name: "unreachable", status: model.StatusPending, flow: testWorkflow, want: http.StatusBadGateway,
			setup: func(env *testEnv) { env.fake.SetQueueStatus(http.StatusServiceUnavailable) },
		},
		{
			name: "rejected", status: model.StatusPending, flow: testWorkflow, want: http.StatusBadGateway,
			setup: func(env *testEnv) { env.fake.SetSubmitStatus(http.StatusBadRequest) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			task := env.createTask(t, tt.status, tt.flow)
			port := tt.port
			if port == 0 {
				port = env.ep.Port
			}
			resp := env.do(t, "POST", "/v1/execution/task/"+task.ID, env.dispatchBody(port))
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if body := decodeBody[map[string]string](t, resp); body["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestDispatchNotFound(t *testing.T) {
	env := newTestServer(t)
	resp := env.do(t, "POST", "/v1/execution/task/missing", env.dispatchBody(env.ep.Port))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask(t, model.StatusPending, testWorkflow)

	resp := env.do(t, "POST", "/v1/execution/task/"+task.ID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel idle task: status = %d, want 409", resp.StatusCode)
	}

	env.fake.SetQueue([]string{"prompt-1"}, nil)
	if resp := env.do(t, "POST", "/v1/execution/task/"+task.ID, env.dispatchBody(env.ep.Port)); resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/v1/execution/task/"+task.ID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decodeBody[engine.CancelResult](t, resp)
	if res.Status != model.StatusCancelled || res.TaskID != task.ID {
		t.Errorf("result = %+v", res)
	}
}

func (env *testEnv) dialViewer(t *testing.T, taskID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/execution/ws/" + taskID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) engine.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg engine.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read viewer message: %v", err)
	}
	return msg
}

func TestViewerPingWithoutState(t *testing.T) {
	env := newTestServer(t)
	task := env.createTask(t, model.StatusPending, testWorkflow)
	conn := env.dialViewer(t, task.ID)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	// No state exists, so the first frame is the pong rather than a state_sync.
	if msg := readMessage(t, conn); msg.Type != engine.MessagePong {
		t.Errorf("first message = %q, want pong", msg.Type)
	}
}

func TestViewerReceivesLiveRunAndStateSync(t *testing.T) {
	env := newTestServer(t)
	env.fake.SetAutoRun(true, 2*time.Millisecond)
	task := env.createTask(t, model.StatusPending, testWorkflow)

	live := env.dialViewer(t, task.ID)
	// A pong proves the subscription is registered.
	live.WriteJSON(map[string]string{"type": "ping"})
	if msg := readMessage(t, live); msg.Type != engine.MessagePong {
		t.Fatalf("first message = %q, want pong", msg.Type)
	}

	if resp := env.do(t, "POST", "/v1/execution/task/"+task.ID, env.dispatchBody(env.ep.Port)); resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d", resp.StatusCode)
	}

	seen := map[string]int{}
	for {
		msg := readMessage(t, live)
		seen[msg.Type]++
		if msg.Type == engine.MessageAllCompleted {
			data, _ := msg.Data.(map[string]any)
			if data["status"] != model.StatusSuccess {
				t.Errorf("all_completed status = %v", data["status"])
			}
			break
		}
	}
	for _, typ := range []string{"execution_start", "executing", "progress", "executed"} {
		if seen[typ] == 0 {
			t.Errorf("viewer never saw %s (seen %v)", typ, seen)
		}
	}

	late := env.dialViewer(t, task.ID)
	msg := readMessage(t, late)
	if msg.Type != engine.MessageStateSync {
		t.Fatalf("first message = %q, want state_sync", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["status"] != model.StatusSuccess || data["task_id"] != task.ID {
		t.Errorf("state_sync data = %v", data)
	}
}
