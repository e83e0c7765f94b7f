package comfy

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/flowtask/internal/backend"
)

const (
	eventBufferSize   = 64
	closeWriteTimeout = time.Second

	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 20 * time.Second
)

// keepalive bounds how long a silent engine socket stays open: a ping goes
// out every interval and the read deadline is interval+wait past the last
// frame or pong.
type keepalive struct {
	interval time.Duration
	wait     time.Duration
}

func (k keepalive) deadline() time.Duration { return k.interval + k.wait }

// stream reads frames on its own goroutine so consumers can select on
// events alongside their own stop signal.
type stream struct {
	conn     *websocket.Conn
	events   chan backend.Event
	filter   backend.PromptFilter
	ka       keepalive
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	logger   *slog.Logger

	mu  sync.Mutex
	err error
}

func newStream(conn *websocket.Conn, ka keepalive, logger *slog.Logger) *stream {
	s := &stream{
		conn:     conn,
		events:   make(chan backend.Event, eventBufferSize),
		ka:       ka,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		logger:   logger,
	}
	s.extendDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	go s.read()
	go s.ping()
	return s
}

// extendDeadline is only called from the reader goroutine, or before it starts.
func (s *stream) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.ka.deadline()))
}

func (s *stream) read() {
	defer close(s.readDone)
	defer close(s.events)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					err = fmt.Errorf("engine silent for %s: %w", s.ka.deadline(), err)
				}
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.setErr(err)
				}
				s.logger.Warn("event stream closed", "error", err)
			}
			return
		}
		s.extendDeadline()
		// Binary frames carry preview images.
		if mt != websocket.TextMessage {
			continue
		}
		ev, ok := backend.ParseEvent(data)
		if !ok || !s.filter.Match(ev.PromptID) {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// ping sends a ping every interval until the stream ends.
func (s *stream) ping() {
	ticker := time.NewTicker(s.ka.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.readDone:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ka.wait)); err != nil {
				s.logger.Debug("event stream ping failed", "error", err)
				return
			}
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stream) Events() <-chan backend.Event { return s.events }

func (s *stream) Allow(promptIDs ...string) { s.filter.Allow(promptIDs...) }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	})
	return err
}
