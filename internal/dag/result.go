package dag

import "time"

// Result summarizes one run of the Executor.
//
// Run returns a Result even when it also returns an error, so callers can
// report how far the run got.
type Result struct {
	// Subjects is the number of masks processed.
	Subjects int

	// Evaluations is the number of evaluation tasks gathered across subjects.
	Evaluations int

	// State is the final state of every task by ID.
	State ExecutionState

	// ChamfersRemoved counts intermediate chamfer files deleted after use, and
	// RemovedBytes their total size.
	ChamfersRemoved int
	RemovedBytes    uint64

	Elapsed time.Duration
}

// Completed returns the number of tasks that finished successfully.
func (r *Result) Completed() int {
	if r == nil {
		return 0
	}
	return r.State.Count(TaskCompleted)
}
