package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInputDiscovery = errors.New("input discovery failed")
	ErrToolFailed     = errors.New("external tool failed")
	ErrOutputExists   = errors.New("output directory already exists")
)

// InputError reports a glob that matched nothing, matched ambiguously, or
// could not be evaluated.
type InputError struct {
	Pattern    string
	Dir        string
	Candidates []string
	Msg        string
}

func (e *InputError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Pattern != "" {
		fmt.Fprintf(&b, " %q", e.Pattern)
	}
	if e.Dir != "" {
		fmt.Fprintf(&b, " in %s", e.Dir)
	}
	if len(e.Candidates) > 0 {
		fmt.Fprintf(&b, ": [%s]", strings.Join(e.Candidates, ", "))
	}
	return b.String()
}

func (e *InputError) Unwrap() error { return ErrInputDiscovery }

// ToolError is returned when an external program exits with a non-zero status.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int

	// Stderr holds the tail of the program's standard error.
	Stderr string
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if len(e.Args) > 0 {
		msg = fmt.Sprintf("%s %s exited with status %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *ToolError) Unwrap() error { return ErrToolFailed }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
