package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/flowtask/internal/engine"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// viewer serializes writes to one live-viewer socket.
type viewer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (v *viewer) send(msg engine.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return v.conn.WriteJSON(msg)
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleExecutionWS streams a task's execution to one viewer. The viewer gets
// a state_sync first when any state exists, then every relayed event.
func (s *Server) handleExecutionWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	sub := s.engine.Subscribe(r.Context(), taskID)
	defer sub.Close()
	s.logger.Info("viewer connected", "task_id", taskID, "viewers", s.engine.Hub().Count(taskID))
	defer s.logger.Info("viewer disconnected", "task_id", taskID)

	v := &viewer{conn: conn}
	if sub.Sync != nil {
		if err := v.send(engine.Message{Type: engine.MessageStateSync, Data: sub.Sync}); err != nil {
			s.logger.Debug("send state sync failed", "task_id", taskID, "error", err)
			return
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg.Type == "ping" {
				if err := v.send(engine.Message{Type: engine.MessagePong}); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				// Dropped by the hub as a slow consumer.
				return
			}
			if err := v.send(msg); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
