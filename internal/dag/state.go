package dag

// TaskState is the runtime execution state of a task.
//
//	PENDING, RUNNING, COMPLETED, FAILED, SKIPPED
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskSkipped   TaskState = "SKIPPED"
)

// ExecutionState maps task ID to its current TaskState.
//
// It is a plain map so the readiness checks stay pure functions. The Executor
// guards its own copy with a mutex.
type ExecutionState map[string]TaskState

// Count returns the number of tasks in state s.
func (st ExecutionState) Count(s TaskState) int {
	n := 0
	for _, v := range st {
		if v == s {
			n++
		}
	}
	return n
}
