package model

import (
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// LogCapacity is the maximum number of entries kept in an execution's event log.
const LogCapacity = 300

// Log entry levels.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

const logTimeLayout = "15:04:05"

// Endpoint is the network address of a compute-engine instance.
type Endpoint struct {
	ServerIP string `json:"server_ip"`
	Port     int    `json:"port"`
	BaseURL  string `json:"base_url"`
}

// NewEndpoint builds an endpoint and its HTTP base URL.
func NewEndpoint(serverIP string, port int) Endpoint {
	return Endpoint{
		ServerIP: serverIP,
		Port:     port,
		BaseURL:  "http://" + net.JoinHostPort(serverIP, strconv.Itoa(port)),
	}
}

// Valid reports whether the endpoint names a host and an in-range port.
func (e Endpoint) Valid() bool {
	return strings.TrimSpace(e.ServerIP) != "" && e.Port >= 1 && e.Port <= 65535
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.ServerIP, strconv.Itoa(e.Port))
}

// Progress is the most recent progress report from the engine.
type Progress struct {
	NodeID        string `json:"node_id"`
	NodeTitle     string `json:"node_title"`
	NodeClassType string `json:"node_class_type"`
	Value         int    `json:"value"`
	Max           int    `json:"max"`
}

// LogEntry is one line of the execution event log.
type LogEntry struct {
	Time    string `json:"time"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NodeInfo holds the display metadata of one workflow node.
type NodeInfo struct {
	Title     string
	ClassType string
}

// NodeMap resolves workflow node ids to their display metadata.
type NodeMap map[string]NodeInfo

// Resolve returns the title and class type of nodeID, or empty strings.
func (m NodeMap) Resolve(nodeID string) (title, classType string) {
	if nodeID == "" || m == nil {
		return "", ""
	}
	info := m[nodeID]
	return info.Title, info.ClassType
}

// BuildNodeMap indexes the nodes of a workflow graph. Nodes that are not JSON
// objects are kept with empty metadata.
func BuildNodeMap(graph json.RawMessage) NodeMap {
	result := NodeMap{}
	if len(graph) == 0 {
		return result
	}
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(graph, &nodes); err != nil {
		return result
	}
	for id, raw := range nodes {
		var node struct {
			ClassType any `json:"class_type"`
			Meta      any `json:"_meta"`
		}
		if err := json.Unmarshal(raw, &node); err != nil {
			result[id] = NodeInfo{}
			continue
		}
		info := NodeInfo{ClassType: stringOf(node.ClassType)}
		if meta, ok := node.Meta.(map[string]any); ok {
			info.Title = stringOf(meta["title"])
		}
		result[id] = info
	}
	return result
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// FormatNodeDisplay renders a node for log lines: "id (title)", falling back
// to the class type, then the bare id, or "-" when there is no node.
func FormatNodeDisplay(nodeID, title, classType string) string {
	switch {
	case nodeID == "":
		return "-"
	case title != "":
		return nodeID + " (" + title + ")"
	case classType != "":
		return nodeID + " (" + classType + ")"
	default:
		return nodeID
	}
}

// ExecutionState is the live record of one task's execution. It serializes to
// the public snapshot shown to viewers and persisted on the task; NodeMap is
// internal and never leaves the process.
type ExecutionState struct {
	TaskID               string     `json:"task_id"`
	Status               string     `json:"status"`
	PromptID             string     `json:"prompt_id"`
	PromptIDs            []string   `json:"prompt_ids"`
	CompletedPromptIDs   []string   `json:"completed_prompt_ids"`
	CurrentNodeID        string     `json:"current_node_id"`
	CurrentNodeTitle     string     `json:"current_node_title"`
	CurrentNodeClassType string     `json:"current_node_class_type"`
	TargetEndpoint       Endpoint   `json:"target_endpoint"`
	Progress             Progress   `json:"progress"`
	ErrorMessage         string     `json:"error_message"`
	EventLog             []LogEntry `json:"event_log"`
	UpdatedAt            time.Time  `json:"updated_at"`

	NodeMap NodeMap `json:"-"`
}

// NewExecutionState returns an empty state for taskID in the given status.
func NewExecutionState(taskID, status string, endpoint Endpoint, nodes NodeMap) *ExecutionState {
	if nodes == nil {
		nodes = NodeMap{}
	}
	return &ExecutionState{
		TaskID:             taskID,
		Status:             status,
		PromptIDs:          []string{},
		CompletedPromptIDs: []string{},
		TargetEndpoint:     endpoint,
		EventLog:           []LogEntry{},
		UpdatedAt:          time.Now().UTC(),
		NodeMap:            nodes,
	}
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	c := *s
	c.PromptIDs = slices.Clone(s.PromptIDs)
	c.CompletedPromptIDs = slices.Clone(s.CompletedPromptIDs)
	c.EventLog = slices.Clone(s.EventLog)
	// NodeMap is built once at session start and never mutated afterwards.
	return &c
}

// AppendLog adds an entry, dropping the oldest entries beyond LogCapacity.
func (s *ExecutionState) AppendLog(message, level string) {
	s.EventLog = append(s.EventLog, LogEntry{
		Time:    time.Now().Format(logTimeLayout),
		Message: message,
		Type:    level,
	})
	s.TrimLog()
}

// TrimLog enforces LogCapacity.
func (s *ExecutionState) TrimLog() {
	if n := len(s.EventLog); n > LogCapacity {
		s.EventLog = slices.Clone(s.EventLog[n-LogCapacity:])
	}
}

// ClearCurrentNode resets the current-node fields.
func (s *ExecutionState) ClearCurrentNode() {
	s.CurrentNodeID = ""
	s.CurrentNodeTitle = ""
	s.CurrentNodeClassType = ""
}

// AddPromptID records id in the sorted prompt id set.
func (s *ExecutionState) AddPromptID(id string) {
	s.PromptIDs = insertSorted(s.PromptIDs, id)
}

// AllPromptIDs returns the current prompt id together with every recorded one.
func (s *ExecutionState) AllPromptIDs() []string {
	var ids []string
	if p := strings.TrimSpace(s.PromptID); p != "" {
		ids = insertSorted(ids, p)
	}
	for _, p := range s.PromptIDs {
		if p = strings.TrimSpace(p); p != "" {
			ids = insertSorted(ids, p)
		}
	}
	return ids
}

func insertSorted(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

// MarshalSnapshot serializes the public part of the state.
func (s *ExecutionState) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal execution state: %w", err)
	}
	return data, nil
}

// stateRecord decodes persisted snapshots. updated_at is read loosely so that
// a malformed timestamp does not discard the rest of the record.
type stateRecord struct {
	stateAlias
	UpdatedAt any `json:"updated_at"`
}

type stateAlias ExecutionState

// DecodeExecutionState rebuilds an ExecutionState from a task's persisted
// snapshot. The flat execution_state column is preferred; older records that
// nest the snapshot under extra.execution_state are read transparently. The
// second return is false when neither holds a snapshot.
//
// Missing fields default to empty values, the task id and status default to
// the task's, and an unparsable updated_at decodes as the zero time.
func DecodeExecutionState(task *Task) (*ExecutionState, bool) {
	raw := decodeObject([]byte(task.ExecutionState))
	if raw == nil && len(task.Extra) > 0 {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(task.Extra, &extra); err == nil {
			raw = decodeObject(extra["execution_state"])
		}
	}
	if raw == nil {
		return nil, false
	}

	var rec stateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	st := ExecutionState(rec.stateAlias)

	if st.TaskID == "" {
		st.TaskID = task.ID
	}
	if st.Status == "" {
		st.Status = task.Status
		if st.Status == "" {
			st.Status = StatusPending
		}
	}
	if st.PromptIDs == nil {
		st.PromptIDs = []string{}
	}
	if st.CompletedPromptIDs == nil {
		st.CompletedPromptIDs = []string{}
	}
	if st.EventLog == nil {
		st.EventLog = []LogEntry{}
	}
	st.TrimLog()

	switch v := rec.UpdatedAt.(type) {
	case nil:
		st.UpdatedAt = time.Now().UTC()
	case string:
		st.UpdatedAt = parseTimestamp(v)
	}
	st.NodeMap = BuildNodeMap(task.Workflow)
	return &st, true
}

func decodeObject(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil
	}
	return data
}

// parseTimestamp accepts RFC 3339 timestamps with or without an offset;
// naive values are taken as UTC. Anything else yields the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
