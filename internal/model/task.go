package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task is the durable record the execution core reads and writes through the
// store. CRUD of tasks is owned elsewhere; the core only needs these fields.
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Workflow    json.RawMessage `json:"workflow,omitempty"`
	Schedule    Schedule        `json:"schedule"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// ExecutionState is the serialized public snapshot of the last run.
	ExecutionState string `json:"-"`
	// Extra is a free-form JSON object. Older records kept the execution
	// snapshot under its "execution_state" key.
	Extra json.RawMessage `json:"-"`
}

// Schedule configures autonomous triggering of a task.
type Schedule struct {
	Enabled bool `json:"enabled"`
	// At is a one-shot trigger time.
	At *time.Time `json:"at,omitempty"`
	// Time is a daily local time of day in HH:MM form.
	Time string `json:"time,omitempty"`
	// AutoDispatch selects the least-loaded endpoint; otherwise Port is used.
	AutoDispatch    bool       `json:"auto_dispatch"`
	Port            *int       `json:"port,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// ParseScheduleTime parses an HH:MM time of day.
func ParseScheduleTime(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty schedule time")
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse schedule time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// ScheduledTask is the slice of a task the scheduler needs to decide whether
// it is due.
type ScheduledTask struct {
	ID       string
	Status   string
	Schedule Schedule
}

// TaskInfoNodeClass is the workflow node class that receives the task id as an
// input before submission.
const TaskInfoNodeClass = "GetTaskInfoNode"

// BindTaskID writes taskID into the inputs of every TaskInfoNodeClass node in
// the workflow graph. It returns the possibly rewritten graph, whether any
// input changed, and how many nodes matched.
func BindTaskID(graph json.RawMessage, taskID string) (json.RawMessage, bool, int, error) {
	if len(graph) == 0 {
		return graph, false, 0, nil
	}
	var nodes map[string]any
	if err := json.Unmarshal(graph, &nodes); err != nil {
		return graph, false, 0, nil
	}

	changed := false
	matched := 0
	for _, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if class, _ := node["class_type"].(string); class != TaskInfoNodeClass {
			continue
		}
		matched++
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			inputs = map[string]any{}
			node["inputs"] = inputs
		}
		if current, _ := inputs["task_id"].(string); current != taskID {
			inputs["task_id"] = taskID
			changed = true
		}
	}
	if !changed {
		return graph, false, matched, nil
	}

	out, err := json.Marshal(nodes)
	if err != nil {
		return graph, false, matched, fmt.Errorf("marshal bound workflow: %w", err)
	}
	return out, true, matched, nil
}

// HasWorkflow reports whether the raw workflow graph holds at least one node.
func HasWorkflow(graph json.RawMessage) bool {
	if len(graph) == 0 {
		return false
	}
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(graph, &nodes); err != nil {
		return false
	}
	return len(nodes) > 0
}
