package fsm

// EventKind names an FSM mutation for observers.
type EventKind string

const (
	EventCreated          EventKind = "task_created"
	EventClaimed          EventKind = "task_claimed"
	EventStarted          EventKind = "task_started"
	EventBlocked          EventKind = "task_blocked"
	EventUnblocked        EventKind = "task_unblocked"
	EventSubmitted        EventKind = "task_submitted"
	EventCompleted        EventKind = "task_completed"
	EventChangesRequested EventKind = "task_changes_requested"
	EventCancelled        EventKind = "task_cancelled"
	EventFailed           EventKind = "task_failed"
	EventProgress         EventKind = "task_progress"
	EventUpdated          EventKind = "task_updated"
	EventReloaded         EventKind = "task_reloaded"
)

// TaskEvent is published on every successful mutation. Task is a snapshot;
// observers may keep it without copying.
type TaskEvent struct {
	Kind     EventKind
	Task     *Task
	Actor    string
	Previous State
	Reason   string
}
