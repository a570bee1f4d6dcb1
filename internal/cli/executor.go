package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/FNNDSC/pl-surface-distance/internal/core"
	"github.com/FNNDSC/pl-surface-distance/internal/dag"
	"github.com/FNNDSC/pl-surface-distance/internal/log"
	"github.com/FNNDSC/pl-surface-distance/internal/trace"
)

type CLIResult struct {
	ExitCode int
	RunID    string
	Result   *dag.Result

	// TraceHash is the canonical hash of the run's trace; runs that made the
	// same scheduling decisions share it.
	TraceHash string
}

// Execute is the default entrypoint for running a parsed invocation, writing
// to the process's own stdout and stderr.
func Execute(ctx context.Context, inv CLIInvocation) (CLIResult, error) {
	return ExecuteWithStreams(ctx, inv, os.Stdout, os.Stderr)
}

// ExecuteWithStreams maps a CLIInvocation to a run of the scheduler.
//
// Responsibilities:
//   - Load the configuration file and merge it with the flags.
//   - Build the logger from explicit configuration (quiet raises the level).
//   - Discover and check masks, then create output directories, before any
//     subprocess is started.
//   - Write the trace file after execution, even on failure.
//   - Translate outcomes to semantic exit codes.
func ExecuteWithStreams(ctx context.Context, inv CLIInvocation, stdout, stderr io.Writer) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	// Shared by the logger and every running tool.
	stdout, stderr = core.LockedWriter(stdout), core.LockedWriter(stderr)

	if inv.ShowVersion {
		fmt.Fprintln(stdout, VersionString())
		res.ExitCode = ExitSuccess
		return res, nil
	}
	if inv.ShowHelp {
		fmt.Fprint(stdout, inv.Usage)
		res.ExitCode = ExitSuccess
		return res, nil
	}

	cfg := DefaultConfig()
	if inv.ConfigPath != "" {
		var err error
		if cfg, err = LoadConfig(inv.ConfigPath); err != nil {
			res.ExitCode = ExitInvalidInvocation
			return res, err
		}
	}
	opts, err := inv.Resolve(cfg)
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		res.ExitCode = ExitInvalidInvocation
		return res, err
	}
	if inv.Quiet && level < log.WarningLevel {
		level = log.WarningLevel
	}
	res.RunID = uuid.NewString()
	logger := cfg.Logging.NewLogger(stderr, level).WithPrefix("[" + res.RunID[:8] + "] ")
	defer logger.Shutdown()

	if !inv.Quiet {
		fmt.Fprintln(stderr, DisplayTitle)
	}

	recorder := trace.NewRecorder()
	tw := newTraceWriter(inv)
	defer func() {
		tr := recorder.Trace(res.RunID)
		if h, err := tr.Hash(); err == nil {
			res.TraceHash = h
			logger.Debugf("Trace hash %s", h)
		}
		if err := tw.Finalize(tr); err != nil {
			logger.Errorf("Writing trace: %v", err)
			if execErr == nil {
				res.ExitCode = ExitInternalError
				execErr = err
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	subjects, err := prepareSubjects(inv, opts, logger)
	if err != nil {
		res.ExitCode = translateErrorToExitCode(err, nil)
		return res, err
	}

	invoker := core.NewInvoker(logger)
	invoker.Chamfer = cfg.Tools.Chamfer
	invoker.Evaluate = cfg.Tools.Evaluate
	invoker.Stdout = stdout
	invoker.Stderr = stderr

	pool := dag.NewPool(opts.Threads)
	logger.Debugf("Using %d threads.", pool.Size())
	executor, err := dag.NewExecutor(invoker, pool)
	if err != nil {
		return res, err
	}
	executor.Trace = recorder
	executor.Log = logger

	tlog := logger.NewTimeLog()
	result, err := executor.Run(ctx, subjects, dag.Plan{
		SurfaceGlob:  opts.Surface,
		OutputSuffix: opts.OutputSuffix,
		Label:        opts.Label,
		KeepChamfer:  opts.KeepChamfer,
	})
	res.Result = result
	if err != nil {
		res.ExitCode = translateErrorToExitCode(err, result)
		return res, err
	}

	tlog.Infof("Processed %d subject(s) and %d surface(s)", result.Subjects, result.Evaluations)
	if result.ChamfersRemoved > 0 {
		logger.Debugf("Removed %d chamfer file(s), %s", result.ChamfersRemoved, humanize.Bytes(result.RemovedBytes))
	}
	logger.Debugf("done")
	res.ExitCode = ExitSuccess
	return res, nil
}

// prepareSubjects discovers masks and creates their output directories.
// Nothing is created unless every check passes.
func prepareSubjects(inv CLIInvocation, opts Options, logger *log.Logger) ([]core.Subject, error) {
	info, err := os.Stat(inv.InputDir)
	if err != nil {
		return nil, &core.InputError{Msg: fmt.Sprintf("cannot read input directory %s", inv.InputDir)}
	}
	if !info.IsDir() {
		return nil, &core.InputError{Msg: fmt.Sprintf("input path %s is not a directory", inv.InputDir)}
	}

	logger.Debugf("Discovering input files...")
	pairs, err := core.MapPaths(inv.InputDir, inv.OutputDir, opts.Mask)
	if err != nil {
		return nil, err
	}
	if err := core.CheckMasks(inv.InputDir, opts.Mask, pairs); err != nil {
		return nil, err
	}
	subjects := core.BuildSubjects(pairs, opts.ChamferSuffix)
	logger.Debugf("Found %d mask(s)", len(subjects))

	logger.Debugf("Creating output directories...")
	if err := core.MakeOutputDirs(inv.OutputDir, subjects); err != nil {
		return nil, err
	}
	return subjects, nil
}

// translateErrorToExitCode classifies a run error. A failed task always maps
// to ExitTaskFailure, whatever error it surfaced as.
func translateErrorToExitCode(err error, r *dag.Result) int {
	var invErr *InvocationError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &invErr):
		return ExitCode(err)
	case errors.Is(err, core.ErrToolFailed):
		return ExitTaskFailure
	case r != nil && r.State.Count(dag.TaskFailed) > 0:
		return ExitTaskFailure
	case errors.Is(err, core.ErrInputDiscovery), errors.Is(err, core.ErrOutputExists):
		return ExitInputError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitTaskFailure
	default:
		return ExitInternalError
	}
}

type traceFileWriter struct {
	enabled bool
	path    string
}

// newTraceWriter does not touch the filesystem: the trace may live inside a
// subject's output directory, which must not exist before the run creates it.
func newTraceWriter(inv CLIInvocation) *traceFileWriter {
	return &traceFileWriter{enabled: inv.Trace.Enabled, path: inv.Trace.Path}
}

func (w *traceFileWriter) Finalize(t trace.ExecutionTrace) error {
	if w == nil || !w.enabled {
		return nil
	}
	if w.path == "" {
		return fmt.Errorf("trace enabled but path is empty")
	}
	b, err := t.MarshalIndented()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	return writeFileAtomic(w.path, append(b, '\n'), 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
