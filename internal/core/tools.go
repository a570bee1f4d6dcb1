package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/FNNDSC/pl-surface-distance/internal/log"
)

const (
	DefaultChamferTool  = "chamfer.sh"
	DefaultEvaluateTool = "volume_object_evaluate"

	stderrTailSize = 4096
)

// Invoker runs the two external programs that do the actual work.
//
// Both calls block until the program exits. A non-zero exit status is returned
// as a *ToolError and is never retried. The programs inherit Stdout and Stderr,
// so their own diagnostics reach the user unchanged. Calls may run
// concurrently: writers other than *os.File must be wrapped with LockedWriter.
type Invoker struct {
	// Chamfer is the distance map generator program.
	Chamfer string

	// Evaluate is the mesh-to-volume evaluation program.
	Evaluate string

	Stdout io.Writer
	Stderr io.Writer
	Log    *log.Logger
}

// NewInvoker returns an Invoker for the default program names, forwarding
// program output to the process's own streams.
func NewInvoker(logger *log.Logger) *Invoker {
	return &Invoker{
		Chamfer:  DefaultChamferTool,
		Evaluate: DefaultEvaluateTool,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Log:      logger,
	}
}

// CreateChamfer writes the distance map of mask to chamfer.
//
// When label is non-zero the mask is a multi-label segmentation (1=CSF, 2=GM,
// 3=WM, higher numbers for deeper layers) and label selects the compartment
// targeted by the surface.
func (iv *Invoker) CreateChamfer(ctx context.Context, mask, chamfer string, label int) error {
	args := make([]string, 0, 4)
	if label != 0 {
		args = append(args, "-i", strconv.Itoa(label))
	}
	args = append(args, mask, chamfer)

	if err := iv.run(ctx, iv.Chamfer, args); err != nil {
		return err
	}
	iv.Log.Infof("Created chamfer for %s", mask)
	return nil
}

// VolumeObjectEvaluate samples chamfer at the vertices of surface with linear
// interpolation and writes the distances to result. The parent directory of
// result is created first if needed.
func (iv *Invoker) VolumeObjectEvaluate(ctx context.Context, chamfer, surface, result string) error {
	if err := os.MkdirAll(filepath.Dir(result), 0o755); err != nil {
		return fmt.Errorf("creating result dir: %w", err)
	}
	if err := iv.run(ctx, iv.Evaluate, []string{"-linear", chamfer, surface, result}); err != nil {
		return err
	}
	iv.Log.Infof("%s", result)
	return nil
}

func (iv *Invoker) run(ctx context.Context, program string, args []string) error {
	if program == "" {
		return fmt.Errorf("no program configured")
	}
	// A started program always runs to completion; ctx only prevents new starts.
	if err := ctx.Err(); err != nil {
		return err
	}

	iv.Log.Debugf("Running %s %q", program, args)
	tail := &tailBuffer{max: stderrTailSize}
	cmd := exec.Command(program, args...)
	cmd.Stdout = orDiscard(iv.Stdout)
	cmd.Stderr = io.MultiWriter(orDiscard(iv.Stderr), tail)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ToolError{
			Tool:     program,
			Args:     append([]string(nil), args...),
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail.String(),
		}
	}
	return fmt.Errorf("failed to run %s: %w", program, err)
}

// LockedWriter serializes writes to w. Every concurrently running program
// copies its output through its own goroutine, so a shared writer that is not
// an *os.File must be wrapped before it is handed to an Invoker or a logger.
// Files and nil are returned unchanged.
func LockedWriter(w io.Writer) io.Writer {
	switch w := w.(type) {
	case nil:
		return nil
	case *os.File, *lockedWriter:
		return w
	}
	return &lockedWriter{w: w}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
