package engine

import (
	"slices"
	"strings"

	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/model"
)

const defaultExecutionError = "engine execution_error"

// session is the per-listener bookkeeping that does not belong in the
// public snapshot.
type session struct {
	known     map[string]struct{}
	announced map[string]struct{}
	completed map[string]struct{}
	hasError  bool
	lastError string
}

func newSession() *session {
	return &session{
		known:     make(map[string]struct{}),
		announced: make(map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// done reports whether every known prompt has completed.
func (s *session) done() bool {
	if len(s.known) == 0 {
		return false
	}
	for id := range s.known {
		if _, ok := s.completed[id]; !ok {
			return false
		}
	}
	return true
}

func (s *session) knownIDs() []string {
	return sortedKeys(s.known)
}

// completedKnown returns the completed prompts that are also known, keeping
// completed_prompt_ids a subset of prompt_ids.
func (s *session) completedKnown() []string {
	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		if _, ok := s.known[id]; ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func sortedKeys(m map[string]struct{}) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// effects are the side effects the listener performs after a reduction.
type effects struct {
	broadcast *Message
	finalize  bool
}

// reduce applies one engine event to the state and session. It performs no
// I/O; the listener carries out the returned effects.
func reduce(st *model.ExecutionState, sess *session, ev backend.Event) effects {
	nodeID := ev.Node()
	title, classType := st.NodeMap.Resolve(nodeID)
	display := model.FormatNodeDisplay(nodeID, title, classType)

	msg := &Message{Type: ev.Type, PromptID: ev.PromptID}
	data := map[string]any{}

	switch ev.Type {
	case backend.EventStatus:
		msg.Data = ev.Status
		return effects{broadcast: msg}

	case backend.EventExecutionStart:
		if ev.PromptID == "" {
			return effects{}
		}
		sess.known[ev.PromptID] = struct{}{}
		st.PromptID = ev.PromptID
		st.PromptIDs = sess.knownIDs()
		st.CompletedPromptIDs = sess.completedKnown()
		if _, ok := sess.announced[ev.PromptID]; ok {
			return effects{finalize: sess.done()}
		}
		sess.announced[ev.PromptID] = struct{}{}
		st.AppendLog("Execution started: "+ev.PromptID, model.LogInfo)
		msg.Data = map[string]any{"prompt_id": ev.PromptID}
		return effects{broadcast: msg, finalize: sess.done()}

	case backend.EventExecuting:
		putNode(data, ev.NodeID, title, classType)
		st.CurrentNodeID = nodeID
		st.CurrentNodeTitle = title
		st.CurrentNodeClassType = classType
		if ev.NodeID != nil && nodeID != "" {
			st.AppendLog("Executing node: "+display, model.LogInfo)
		}
		if ev.NodeID == nil && ev.PromptID != "" {
			sess.completed[ev.PromptID] = struct{}{}
		}

	case backend.EventProgress:
		putNode(data, ev.NodeID, title, classType)
		data["value"] = ev.Value
		data["max"] = ev.Max
		st.Progress = model.Progress{
			NodeID:        nodeID,
			NodeTitle:     title,
			NodeClassType: classType,
			Value:         ev.Value,
			Max:           ev.Max,
		}

	case backend.EventExecuted:
		putNode(data, ev.NodeID, title, classType)
		if nodeID != "" {
			st.AppendLog("Node "+display+" finished", model.LogSuccess)
		}

	case backend.EventExecutionError:
		putNode(data, ev.NodeID, title, classType)
		data["exception_message"] = ev.ExceptionMessage
		data["exception_type"] = ev.ExceptionType
		sess.hasError = true
		sess.lastError = ev.ExceptionMessage
		if sess.lastError == "" {
			sess.lastError = defaultExecutionError
		}
		st.AppendLog("Node "+display+" error: "+sess.lastError, model.LogError)
		if model.CanTransition(st.Status, model.StatusFail) {
			st.Status = model.StatusFail
		}
		st.ErrorMessage = sess.lastError
		if ev.PromptID != "" {
			sess.completed[ev.PromptID] = struct{}{}
		}

	case backend.EventExecutionCached:
		ids := make([]string, 0, len(ev.CachedNodes))
		infos := make([]map[string]any, 0, len(ev.CachedNodes))
		labels := make([]string, 0, len(ev.CachedNodes))
		for _, id := range ev.CachedNodes {
			t, c := st.NodeMap.Resolve(id)
			ids = append(ids, id)
			infos = append(infos, map[string]any{
				"node_id":         id,
				"node_title":      t,
				"node_class_type": c,
			})
			labels = append(labels, model.FormatNodeDisplay(id, t, c))
		}
		data["nodes"] = ids
		data["node_infos"] = infos
		if len(labels) > 0 {
			st.AppendLog("Cached nodes: "+strings.Join(labels, ", "), model.LogInfo)
		}

	default:
		return effects{}
	}

	st.CompletedPromptIDs = sess.completedKnown()
	msg.Data = data
	return effects{broadcast: msg, finalize: sess.done()}
}

func putNode(data map[string]any, nodeID *string, title, classType string) {
	if nodeID == nil {
		data["node_id"] = nil
	} else {
		data["node_id"] = *nodeID
	}
	data["node_title"] = title
	data["node_class_type"] = classType
}

// terminalStatus returns the status and message a finished session ends with.
func terminalStatus(sess *session) (status, message string) {
	if sess.hasError {
		return model.StatusFail, sess.lastError
	}
	return model.StatusSuccess, "Engine execution completed"
}
