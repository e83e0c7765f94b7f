package engine

import "sync"

// subscriberBufferSize is the channel buffer for each live viewer. A viewer
// that falls this far behind is dropped.
const subscriberBufferSize = 64

// Message types sent to live viewers besides the relayed engine events.
const (
	MessageStateSync     = "state_sync"
	MessageAllCompleted  = "all_completed"
	MessageListenerError = "listener_error"
	MessagePong          = "pong"
)

// Message is one frame sent to live viewers.
type Message struct {
	Type     string `json:"type"`
	PromptID string `json:"prompt_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Hub fans out messages to the live viewers of each task.
// It is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Message
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a viewer for taskID. The channel is closed when the
// viewer is dropped for falling behind or when the returned unsubscribe
// function is called.
func (h *Hub) Subscribe(taskID string) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]chan Message)}
		h.topics[taskID] = t
	}

	ch := make(chan Message, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	subscribersGauge.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.remove(taskID, id)
		})
	}
}

// remove drops one subscriber. Callers hold h.mu.
func (h *Hub) remove(taskID string, id int) {
	t, ok := h.topics[taskID]
	if !ok {
		return
	}
	ch, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(ch)
	subscribersGauge.Dec()
	if len(t.subs) == 0 {
		delete(h.topics, taskID)
	}
}

// Broadcast sends msg to every viewer of taskID without blocking. A viewer
// whose buffer is full is removed; the others still receive msg.
func (h *Hub) Broadcast(taskID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[taskID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		select {
		case ch <- msg:
		default:
			h.remove(taskID, id)
		}
	}
}

// Count returns the number of viewers of taskID.
func (h *Hub) Count(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[taskID]; ok {
		return len(t.subs)
	}
	return 0
}

// Total returns the number of viewers across all tasks.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.topics {
		n += len(t.subs)
	}
	return n
}
