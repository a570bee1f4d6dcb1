package dag

import (
	"github.com/FNNDSC/pl-surface-distance/internal/core"
)

// ChamferTaskID is the state key of a subject's chamfer task.
func ChamferTaskID(s core.Subject) string { return "chamfer:" + s.Chamfer }

// EvaluateTaskID is the state key of an evaluation task. Result paths are
// unique within a run, so they identify the task.
func EvaluateTaskID(t core.EvaluationTask) string { return "evaluate:" + t.Result }

// ChamferReady asserts that a subject's chamfer task completed, so its
// evaluation tasks may be submitted.
//
// Readiness is decided from the recorded execution state, never by polling the
// filesystem for the chamfer file.
func ChamferReady(state ExecutionState, s core.Subject) error {
	id := ChamferTaskID(s)
	st, ok := state[id]
	if !ok {
		return invariantf("no chamfer task recorded for %s", s.Mask)
	}
	if !IsSuccessful(st) {
		return invariantf("chamfer task %q is %s, not %s", id, st, TaskCompleted)
	}
	return nil
}

// GetReadyTasks returns the IDs of tasks among ids that are PENDING, in the
// given order. It does not mutate state.
func GetReadyTasks(state ExecutionState, ids []string) []string {
	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if state[id] == TaskPending {
			ready = append(ready, id)
		}
	}
	return ready
}
