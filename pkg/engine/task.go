package engine

// Action is the platform operation a task performs.
type Action string

const (
	ActionCreate  Action = "create"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionDestroy Action = "destroy"
)

// TaskStatus tracks a task through one engine run.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of work against a platform client. Tasks live only for
// the duration of a run and are never persisted; durable state belongs to
// the registry.
type Task struct {
	ResourceID string
	Action     Action
	RetryCount int
	MaxRetries int
	Status     TaskStatus
}
