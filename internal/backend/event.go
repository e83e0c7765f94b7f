package backend

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Engine event types.
const (
	EventStatus          = "status"
	EventExecutionStart  = "execution_start"
	EventExecuting       = "executing"
	EventProgress        = "progress"
	EventExecuted        = "executed"
	EventExecutionError  = "execution_error"
	EventExecutionCached = "execution_cached"
)

// Event is a normalized engine event. NodeID is nil when the frame carried no
// node or an explicit null; for executing that means the prompt finished.
type Event struct {
	Type     string
	PromptID string
	NodeID   *string

	Value int
	Max   int

	NodeType         string
	ExceptionMessage string
	ExceptionType    string
	CachedNodes      []string
	Output           json.RawMessage
	Status           json.RawMessage
}

// Node returns the node id or "".
func (e Event) Node() string {
	if e.NodeID == nil {
		return ""
	}
	return *e.NodeID
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type frameData struct {
	PromptID         any             `json:"prompt_id"`
	Node             any             `json:"node"`
	ErrorNode        any             `json:"node_id"`
	Value            float64         `json:"value"`
	Max              float64         `json:"max"`
	NodeType         any             `json:"node_type"`
	ExceptionMessage any             `json:"exception_message"`
	ExceptionType    any             `json:"exception_type"`
	Nodes            []any           `json:"nodes"`
	Output           json.RawMessage `json:"output"`
}

// ParseEvent decodes one text frame. Unknown types, binary previews and
// malformed JSON report false.
func ParseEvent(raw []byte) (Event, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, false
	}
	switch f.Type {
	case EventStatus:
		return Event{Type: EventStatus, Status: f.Data}, true
	case EventExecutionStart, EventExecuting, EventProgress, EventExecuted,
		EventExecutionError, EventExecutionCached:
	default:
		return Event{}, false
	}

	var d frameData
	if len(f.Data) > 0 {
		// A data payload of the wrong shape still yields a typed event.
		_ = json.Unmarshal(f.Data, &d)
	}

	ev := Event{
		Type:     f.Type,
		PromptID: text(d.PromptID),
	}
	switch f.Type {
	case EventExecuting, EventExecuted:
		ev.NodeID = nodeID(d.Node)
	case EventExecutionError:
		ev.NodeID = nodeID(d.ErrorNode)
		if ev.NodeID == nil {
			ev.NodeID = nodeID(d.Node)
		}
	case EventProgress:
		ev.NodeID = nodeID(d.Node)
		ev.Value = int(d.Value)
		ev.Max = int(d.Max)
	}
	switch f.Type {
	case EventExecuted:
		ev.Output = d.Output
	case EventExecutionError:
		ev.NodeType = text(d.NodeType)
		ev.ExceptionMessage = text(d.ExceptionMessage)
		ev.ExceptionType = text(d.ExceptionType)
	case EventExecutionCached:
		ev.CachedNodes = make([]string, 0, len(d.Nodes))
		for _, n := range d.Nodes {
			ev.CachedNodes = append(ev.CachedNodes, text(n))
		}
	}
	return ev, true
}

func nodeID(v any) *string {
	if v == nil {
		return nil
	}
	s := text(v)
	return &s
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}

// PromptFilter is the prompt id allow-set of an event stream. It is safe for
// concurrent use.
type PromptFilter struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// Allow adds ids to the set. Empty ids are ignored.
func (f *PromptFilter) Allow(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string]struct{})
	}
	for _, id := range ids {
		if id != "" {
			f.ids[id] = struct{}{}
		}
	}
}

// Match reports whether an event for promptID passes the filter.
func (f *PromptFilter) Match(promptID string) bool {
	if promptID == "" {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ids) == 0 {
		return true
	}
	_, ok := f.ids[promptID]
	return ok
}
