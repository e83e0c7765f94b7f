// Package comfytest provides an in-process fake compute engine that speaks
// the ComfyUI HTTP and websocket protocol.
package comfytest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/flowtask/internal/model"
)

// Submission is one recorded POST /api/prompt.
type Submission struct {
	PromptID string
	ClientID string
	Prompt   json.RawMessage
}

// Engine is the fake engine as an http.Handler.
type Engine struct {
	router   *chi.Mux
	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[string]*client
	submissions []Submission
	interrupts  []string
	deletes     []string
	running     []string
	pending     []string
	nextID      int

	submitStatus    int
	omitPromptID    bool
	interruptStatus int
	queueStatus     int
	autoRun         bool
	stepDelay       time.Duration
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewEngine creates a fake engine with default behavior: every submission
// is accepted and nothing runs until frames are emitted.
func NewEngine() *Engine {
	e := &Engine{
		router:  chi.NewRouter(),
		clients: make(map[string]*client),
	}
	e.router.Post("/api/prompt", e.handleSubmit)
	e.router.Get("/queue", e.handleGetQueue)
	e.router.Post("/queue", e.handleDeleteQueue)
	e.router.Post("/interrupt", e.handleInterrupt)
	e.router.Get("/ws", e.handleWS)
	return e
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.router.ServeHTTP(w, r)
}

// SetSubmitStatus makes submissions answer with status. Zero restores 200.
func (e *Engine) SetSubmitStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitStatus = status
}

// SetOmitPromptID makes accepted submissions answer without a prompt id.
func (e *Engine) SetOmitPromptID(omit bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.omitPromptID = omit
}

// SetInterruptStatus makes /interrupt answer with status. Zero restores 200.
func (e *Engine) SetInterruptStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interruptStatus = status
}

// SetQueueStatus makes GET /queue answer with status. Zero restores 200.
func (e *Engine) SetQueueStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueStatus = status
}

// SetQueue replaces the reported queue.
func (e *Engine) SetQueue(running, pending []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = slices.Clone(running)
	e.pending = slices.Clone(pending)
}

// SetAutoRun makes every accepted submission play a full successful run on
// the submitter's socket, pausing delay between frames.
func (e *Engine) SetAutoRun(on bool, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoRun = on
	e.stepDelay = delay
}

// Submissions returns the recorded submissions.
func (e *Engine) Submissions() []Submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.submissions)
}

// Interrupts returns the prompt ids passed to /interrupt ("" for untargeted).
func (e *Engine) Interrupts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.interrupts)
}

// Deletes returns the prompt ids removed through POST /queue.
func (e *Engine) Deletes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.deletes)
}

// Connected reports whether clientID has an open socket.
func (e *Engine) Connected(clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.clients[clientID]
	return ok
}

// Clients returns the ids of connected sockets.
func (e *Engine) Clients() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.clients))
	for id := range e.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Emit sends a {type, data} frame to clientID.
func (e *Engine) Emit(clientID, eventType string, data any) error {
	e.mu.Lock()
	c, ok := e.clients[clientID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	return c.send(map[string]any{"type": eventType, "data": data})
}

// Disconnect closes clientID's socket without a close handshake.
func (e *Engine) Disconnect(clientID string) {
	e.mu.Lock()
	c, ok := e.clients[clientID]
	delete(e.clients, clientID)
	e.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (e *Engine) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	status := e.submitStatus
	omit := e.omitPromptID
	autoRun := e.autoRun
	delay := e.stepDelay
	var promptID string
	if status == 0 {
		e.nextID++
		promptID = "prompt-" + strconv.Itoa(e.nextID)
		e.submissions = append(e.submissions, Submission{PromptID: promptID, ClientID: req.ClientID, Prompt: req.Prompt})
	}
	e.mu.Unlock()

	if status != 0 {
		http.Error(w, `{"error":"rejected"}`, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if omit {
		json.NewEncoder(w).Encode(map[string]any{"number": 0, "node_errors": map[string]any{}})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"prompt_id": promptID, "number": 0, "node_errors": map[string]any{}})

	if autoRun {
		go e.play(req.ClientID, promptID, req.Prompt, delay)
	}
}

// play emits a successful run of every node in the graph, in key order.
func (e *Engine) play(clientID, promptID string, graph json.RawMessage, delay time.Duration) {
	var nodes map[string]json.RawMessage
	_ = json.Unmarshal(graph, &nodes)
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	step := func(eventType string, data map[string]any) {
		time.Sleep(delay)
		data["prompt_id"] = promptID
		_ = e.Emit(clientID, eventType, data)
	}
	step("execution_start", map[string]any{})
	for _, id := range ids {
		step("executing", map[string]any{"node": id})
		step("progress", map[string]any{"node": id, "value": 1, "max": 1})
		step("executed", map[string]any{"node": id, "output": map[string]any{}})
	}
	step("executing", map[string]any{"node": nil})
}

func (e *Engine) handleGetQueue(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	status := e.queueStatus
	running := queueItems(e.running)
	pending := queueItems(e.pending)
	e.mu.Unlock()

	if status != 0 {
		http.Error(w, "queue unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"queue_running": running, "queue_pending": pending})
}

// queueItems renders ids the way the engine does: [number, prompt_id, prompt, extra, outputs].
func queueItems(ids []string) [][]any {
	items := make([][]any, 0, len(ids))
	for i, id := range ids {
		items = append(items, []any{i, id, map[string]any{}, map[string]any{}, []string{}})
	}
	return items
}

func (e *Engine) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delete []string `json:"delete"`
		Clear  bool     `json:"clear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	e.deletes = append(e.deletes, req.Delete...)
	e.pending = slices.DeleteFunc(e.pending, func(id string) bool {
		return req.Clear || slices.Contains(req.Delete, id)
	})
	e.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID string `json:"prompt_id"`
	}
	// An empty body interrupts the current execution.
	_ = json.NewDecoder(r.Body).Decode(&req)

	e.mu.Lock()
	e.interrupts = append(e.interrupts, req.PromptID)
	status := e.interruptStatus
	e.mu.Unlock()

	if status != 0 {
		http.Error(w, "interrupt failed", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}

	e.mu.Lock()
	if old, ok := e.clients[clientID]; ok {
		old.conn.Close()
	}
	e.clients[clientID] = c
	e.mu.Unlock()

	_ = c.send(map[string]any{
		"type": "status",
		"data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}}, "sid": clientID},
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	e.mu.Lock()
	if e.clients[clientID] == c {
		delete(e.clients, clientID)
	}
	e.mu.Unlock()
	conn.Close()
}

// Server runs an Engine on a local httptest listener.
type Server struct {
	*Engine
	srv *httptest.Server
}

// NewServer starts a fake engine. Callers must Close it.
func NewServer() *Server {
	e := NewEngine()
	return &Server{Engine: e, srv: httptest.NewServer(e)}
}

// URL returns the base URL.
func (s *Server) URL() string { return s.srv.URL }

// Endpoint returns the base URL as an endpoint.
func (s *Server) Endpoint() model.Endpoint {
	u, _ := url.Parse(s.srv.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return model.NewEndpoint(host, p)
}

// Close shuts down the listener and all sockets.
func (s *Server) Close() {
	s.mu.Lock()
	for id, c := range s.clients {
		c.conn.Close()
		delete(s.clients, id)
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}
