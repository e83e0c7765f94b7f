// Package comfy implements backend.Backend against a ComfyUI-style compute
// engine: JSON over HTTP for the queue and a websocket for events.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/model"
)

const (
	submitTimeout  = 30 * time.Second
	requestTimeout = 10 * time.Second
	dialTimeout    = 5 * time.Second

	maxResponseBytes = 4 << 20
	maxErrorDetail   = 200
)

// Client talks to one engine endpoint.
type Client struct {
	endpoint model.Endpoint
	http     *http.Client
	dialer   *websocket.Dialer
	ka       keepalive
	logger   *slog.Logger
}

// Compile-time check that Client implements backend.Backend.
var _ backend.Backend = (*Client)(nil)

// New creates a client for ep.
func New(ep model.Endpoint, logger *slog.Logger) *Client {
	return &Client{
		endpoint: ep,
		http:     &http.Client{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		ka:     keepalive{interval: defaultPingInterval, wait: defaultPongWait},
		logger: logger.With("endpoint", ep.String()),
	}
}

// Connector returns a backend.Connector producing Clients.
func Connector(logger *slog.Logger) backend.Connector {
	return func(ep model.Endpoint) backend.Backend {
		return New(ep, logger)
	}
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// Submit posts graph to /api/prompt.
func (c *Client) Submit(ctx context.Context, graph json.RawMessage, clientID string) (backend.SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return backend.SubmitResult{}, fmt.Errorf("%w: encode body: %v", backend.ErrRequest, err)
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/prompt", body)
	if err != nil {
		return backend.SubmitResult{}, err
	}
	if status < 200 || status > 299 {
		return backend.SubmitResult{}, fmt.Errorf("%w: HTTP %d: %s", backend.ErrStatus, status, truncate(data))
	}

	var raw struct {
		PromptID   any             `json:"prompt_id"`
		NodeErrors json.RawMessage `json:"node_errors"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return backend.SubmitResult{}, fmt.Errorf("%w: %s", backend.ErrBadResponse, truncate(data))
	}

	res := backend.SubmitResult{NodeErrors: raw.NodeErrors}
	if s, ok := raw.PromptID.(string); ok {
		res.PromptID = strings.TrimSpace(s)
	}
	if hasNodeErrors(raw.NodeErrors) {
		c.logger.Warn("engine reported node errors", "prompt_id", res.PromptID, "node_errors", string(raw.NodeErrors))
	}
	c.logger.Info("prompt accepted", "prompt_id", res.PromptID, "client_id", clientID)
	return res, nil
}

func hasNodeErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "{}" && s != "null" && s != "[]"
}

// QueryQueue reads /queue. Each queue item is an array whose second element
// is the prompt id.
func (c *Client) QueryQueue(ctx context.Context) (backend.Queue, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	status, data, err := c.do(ctx, http.MethodGet, "/queue", nil)
	if err != nil {
		return backend.Queue{}, err
	}
	if status != http.StatusOK {
		return backend.Queue{}, fmt.Errorf("%w: queue returned HTTP %d", backend.ErrStatus, status)
	}

	var raw struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return backend.Queue{}, fmt.Errorf("%w: %s", backend.ErrBadResponse, truncate(data))
	}
	return backend.Queue{
		Running: promptIDs(raw.Running),
		Pending: promptIDs(raw.Pending),
	}, nil
}

func promptIDs(items []json.RawMessage) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var fields []json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || len(fields) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(fields[1], &id); err != nil || id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// DeleteFromQueue posts {"delete": [promptID]} to /queue.
func (c *Client) DeleteFromQueue(ctx context.Context, promptID string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string][]string{"delete": {promptID}})
	status, _, err := c.do(ctx, http.MethodPost, "/queue", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("%w: queue delete returned HTTP %d", backend.ErrStatus, status)
	}
	return nil
}

// Interrupt posts to /interrupt, targeting promptID when set.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body []byte
	if promptID != "" {
		body, _ = json.Marshal(map[string]string{"prompt_id": promptID})
	}
	status, _, err := c.do(ctx, http.MethodPost, "/interrupt", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("%w: interrupt returned HTTP %d", backend.ErrStatus, status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.BaseURL+path, r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", backend.ErrRequest, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", backend.ErrRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %v", backend.ErrRequest, err)
	}
	return resp.StatusCode, data, nil
}

func truncate(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}

// WebSocketURL derives the event socket URL from an HTTP base URL.
func WebSocketURL(baseURL, clientID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), nil
}

// OpenEventStream dials the engine socket for clientID.
func (c *Client) OpenEventStream(ctx context.Context, clientID string) (backend.EventStream, error) {
	wsURL, err := WebSocketURL(c.endpoint.BaseURL, clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrRequest, err)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", backend.ErrRequest, wsURL, err)
	}
	c.logger.Debug("event stream connected", "client_id", clientID)
	return newStream(conn, c.ka, c.logger.With("client_id", clientID)), nil
}
