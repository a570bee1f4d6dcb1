package dag

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan = errors.New("invalid execution plan")
	ErrInvariant   = errors.New("scheduler invariant violated")
)

// SchedulerError wraps plan validation failures and broken scheduling invariants.
type SchedulerError struct {
	Kind error
	Msg  string
}

func (e *SchedulerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *SchedulerError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &SchedulerError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf(format, args...)}
}

func invariantf(format string, args ...any) error {
	return &SchedulerError{Kind: ErrInvariant, Msg: fmt.Sprintf(format, args...)}
}
