package dag

import (
	"fmt"
	"sort"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependents.
func IsSuccessful(s TaskState) bool {
	return s == TaskCompleted
}

// Transition performs an atomic validated transition for a single task.
//
// The caller supplies the expected prior state (from) to make races observable.
// This function mutates the provided state map if and only if the transition is valid.
func Transition(state ExecutionState, taskID string, from, to TaskState) error {
	cur, ok := state[taskID]
	if !ok {
		return invariantf("unknown task in state: %q", taskID)
	}
	if cur != from {
		return invariantf("invalid transition for %q: expected %s, got %s", taskID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return invariantf("disallowed transition for %q: %s -> %s", taskID, from, to)
	}
	state[taskID] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

// SkipPending marks every PENDING task among ids as SKIPPED and returns the
// skipped IDs in sorted order. Tasks in any other state are left unchanged.
//
// A RUNNING task is an invariant violation: SkipPending is only called after
// the phase's workers have drained.
func SkipPending(state ExecutionState, ids []string) ([]string, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var skipped []string
	for _, id := range sorted {
		st, ok := state[id]
		if !ok {
			return skipped, fmt.Errorf("missing state for %q", id)
		}
		switch st {
		case TaskPending:
			state[id] = TaskSkipped
			skipped = append(skipped, id)
		case TaskRunning:
			return skipped, invariantf("task %q is RUNNING after its phase drained", id)
		}
	}
	return skipped, nil
}
