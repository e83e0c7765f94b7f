// Package engine runs task executions against the compute engine. It owns
// the in-memory execution state of every task, one event listener per
// running task, the fan-out of events to live viewers, and the workers that
// checkpoint state to storage and evict idle entries.
package engine
