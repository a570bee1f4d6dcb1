package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the observed record of one scheduler run.
//
// Events are kept in the order they were recorded (by Seq), which is what the
// phase ordering checks reason about. The trace is observational only and never
// affects execution.
type ExecutionTrace struct {
	RunID  string  `json:"runId"`
	Events []Event `json:"events"`

	// Digest is the canonical hash, filled in by MarshalIndented. It is not
	// part of the canonical form itself.
	Digest string `json:"hash,omitempty"`
}

// Phase names the scheduler phase an event belongs to.
type Phase string

const (
	PhaseChamfer  Phase = "chamfer"
	PhaseEvaluate Phase = "evaluate"
)

// EventKind discriminates Event. The string values appear in written traces; do not rename.
type EventKind string

const (
	EventTaskStarted    EventKind = "TaskStarted"
	EventTaskCompleted  EventKind = "TaskCompleted"
	EventTaskFailed     EventKind = "TaskFailed"
	EventTaskSkipped    EventKind = "TaskSkipped"
	EventChamferRemoved EventKind = "ChamferRemoved"
)

// Event is a single task transition or cleanup action.
type Event struct {
	// Seq is assigned by the Recorder, starting at 1.
	Seq  int       `json:"seq"`
	Kind EventKind `json:"kind"`

	Phase  Phase  `json:"phase"`
	TaskID string `json:"taskId,omitempty"`

	// Chamfer is the distance map a task produces (chamfer phase) or reads
	// (evaluate phase).
	Chamfer string `json:"chamfer"`

	// Target is the file the task writes: the chamfer itself, or the result file.
	Target string `json:"target,omitempty"`
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Phase != PhaseChamfer && e.Phase != PhaseEvaluate {
			return fmt.Errorf("events[%d].phase %q is unknown", i, e.Phase)
		}
		if e.Chamfer == "" {
			return fmt.Errorf("events[%d].chamfer is required", i)
		}
		if isTaskEvent(e.Kind) && e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
		if i > 0 && e.Seq <= t.Events[i-1].Seq {
			return fmt.Errorf("events[%d].seq %d is not increasing", i, e.Seq)
		}
	}
	return nil
}

func isTaskEvent(kind EventKind) bool {
	switch kind {
	case EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskSkipped:
		return true
	default:
		return false
	}
}

// CheckPhaseOrdering verifies the scheduling guarantees recorded in the trace:
//
//   - no chamfer task starts after an evaluation task has started
//   - an evaluation task starts only after every started chamfer task completed,
//     its own chamfer included
//   - a chamfer is removed only after every evaluation task reading it finished,
//     and no evaluation task reading it starts afterwards
func (t *ExecutionTrace) CheckPhaseOrdering() error {
	if err := t.Validate(); err != nil {
		return err
	}

	chamferRunning := 0
	chamferDone := make(map[string]bool)
	evalRunning := make(map[string]int)
	removed := make(map[string]bool)
	evalStarted := false

	for _, e := range t.Events {
		switch e.Phase {
		case PhaseChamfer:
			switch e.Kind {
			case EventTaskStarted:
				if evalStarted {
					return fmt.Errorf("seq %d: chamfer task %q started after the evaluate phase began", e.Seq, e.TaskID)
				}
				chamferRunning++
			case EventTaskCompleted:
				chamferRunning--
				chamferDone[e.Chamfer] = true
			case EventTaskFailed:
				chamferRunning--
			}

		case PhaseEvaluate:
			switch e.Kind {
			case EventTaskStarted:
				if chamferRunning > 0 {
					return fmt.Errorf("seq %d: evaluate task %q started while %d chamfer task(s) were running", e.Seq, e.TaskID, chamferRunning)
				}
				if !chamferDone[e.Chamfer] {
					return fmt.Errorf("seq %d: evaluate task %q started before chamfer %s completed", e.Seq, e.TaskID, e.Chamfer)
				}
				if removed[e.Chamfer] {
					return fmt.Errorf("seq %d: evaluate task %q started after chamfer %s was removed", e.Seq, e.TaskID, e.Chamfer)
				}
				evalStarted = true
				evalRunning[e.Chamfer]++
			case EventTaskCompleted, EventTaskFailed:
				evalRunning[e.Chamfer]--
			case EventChamferRemoved:
				if evalRunning[e.Chamfer] > 0 {
					return fmt.Errorf("seq %d: chamfer %s removed while %d evaluate task(s) were reading it", e.Seq, e.Chamfer, evalRunning[e.Chamfer])
				}
				removed[e.Chamfer] = true
			}
		}
	}
	return nil
}

// Count returns the number of events matching kind and phase.
func (t *ExecutionTrace) Count(kind EventKind, phase Phase) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, e := range t.Events {
		if e.Kind == kind && e.Phase == phase {
			n++
		}
	}
	return n
}

// Canonical returns a copy of the trace stripped of everything that depends on
// timing: the run ID and sequence numbers are cleared and events are sorted by
// (taskId, kind, chamfer, target). Two runs over the same inputs that took the
// same decisions have equal canonical traces.
func (t *ExecutionTrace) Canonical() ExecutionTrace {
	if t == nil {
		return ExecutionTrace{}
	}
	events := make([]Event, len(t.Events))
	copy(events, t.Events)
	for i := range events {
		events[i].Seq = 0
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Chamfer != b.Chamfer {
			return a.Chamfer < b.Chamfer
		}
		return a.Target < b.Target
	})
	return ExecutionTrace{Events: events}
}

func kindOrder(k EventKind) int {
	switch k {
	case EventTaskSkipped:
		return 10
	case EventTaskStarted:
		return 20
	case EventTaskCompleted:
		return 30
	case EventTaskFailed:
		return 40
	case EventChamferRemoved:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON bytes of Canonical().
//
// Field order is fixed by the struct definitions; HTML escaping is disabled so
// paths are written as-is.
func (t *ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := t.Canonical()
	return encode(c, false)
}

// MarshalIndented renders the trace in recorded order for writing to disk,
// with its canonical hash.
func (t *ExecutionTrace) MarshalIndented() ([]byte, error) {
	if t == nil {
		return nil, errors.New("trace is nil")
	}
	h, err := t.Hash()
	if err != nil {
		return nil, err
	}
	out := *t
	out.Digest = h
	return encode(out, true)
}

func encode(t ExecutionTrace, indent bool) ([]byte, error) {
	if t.Events == nil {
		t.Events = []Event{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
