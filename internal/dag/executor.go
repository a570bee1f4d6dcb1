package dag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/FNNDSC/pl-surface-distance/internal/core"
	"github.com/FNNDSC/pl-surface-distance/internal/log"
	"github.com/FNNDSC/pl-surface-distance/internal/trace"
)

// ToolInvoker runs the two external programs.
//
// *core.Invoker is the production implementation. A returned error fails the
// task; implementations must not retry.
type ToolInvoker interface {
	CreateChamfer(ctx context.Context, mask, chamfer string, label int) error
	VolumeObjectEvaluate(ctx context.Context, chamfer, surface, result string) error
}

// Plan holds the per-run options shared by every subject.
type Plan struct {
	// SurfaceGlob selects surfaces relative to each mask's directory.
	SurfaceGlob string

	// OutputSuffix replaces a surface's extension to name its result file.
	OutputSuffix string

	// Label is forwarded to the chamfer program; 0 means a binary mask.
	Label int

	// KeepChamfer disables removal of chamfer files after their last use.
	KeepChamfer bool
}

// Executor runs the chamfer phase and then the evaluation phase on a shared Pool.
type Executor struct {
	Invoker ToolInvoker
	Pool    *Pool

	// Trace receives task transitions. Nil means no tracing.
	Trace trace.Sink
	Log   *log.Logger

	mu    sync.Mutex
	state ExecutionState

	removed      int
	removedBytes uint64
}

// NewExecutor creates an executor with an empty execution state.
func NewExecutor(invoker ToolInvoker, pool *Pool) (*Executor, error) {
	if invoker == nil {
		return nil, fmt.Errorf("nil invoker")
	}
	if pool == nil {
		return nil, fmt.Errorf("nil pool")
	}
	return &Executor{Invoker: invoker, Pool: pool, Trace: trace.NopSink{}, state: ExecutionState{}}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// subjectProgress tracks the evaluation tasks of one subject still to finish.
type subjectProgress struct {
	subject   core.Subject
	remaining int
}

// Run processes subjects in two phases.
//
// Surfaces are gathered first, so a conflicting selection is rejected before
// anything runs. Phase 1 creates one chamfer per subject. Only after every
// chamfer task has finished does phase 2 evaluate the surfaces.
// Unless plan.KeepChamfer is set, a subject's chamfer is removed as soon as its
// last evaluation task has finished; a subject without surfaces has its
// chamfer removed right after the chamfer phase.
//
// The first task error stops new tasks from starting; tasks already running
// finish, the rest are marked SKIPPED, and the error is returned together with
// the partial Result.
func (e *Executor) Run(ctx context.Context, subjects []core.Subject, plan Plan) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	res := &Result{Subjects: len(subjects)}
	finish := func(err error) (*Result, error) {
		res.State = e.StateSnapshot()
		e.mu.Lock()
		res.ChamfersRemoved = e.removed
		res.RemovedBytes = e.removedBytes
		e.mu.Unlock()
		res.Elapsed = time.Since(start)
		return res, err
	}

	if err := e.init(subjects, plan); err != nil {
		return finish(err)
	}

	progress, tasks, err := e.gather(subjects, plan)
	if err != nil {
		return finish(err)
	}

	e.Log.Debugf("Creating %d chamfer(s) with %d worker(s)", len(subjects), e.Pool.Size())
	if err := e.runChamferPhase(ctx, subjects, plan); err != nil {
		return finish(err)
	}

	if err := e.prepareEvaluations(progress, tasks, plan); err != nil {
		return finish(err)
	}
	res.Evaluations = len(tasks)

	e.Log.Debugf("Evaluating %d surface(s)", len(tasks))
	if err := e.runEvaluatePhase(ctx, progress, tasks, plan); err != nil {
		return finish(err)
	}
	return finish(nil)
}

func (e *Executor) init(subjects []core.Subject, plan Plan) error {
	if e.Invoker == nil {
		return invalidf("nil invoker")
	}
	if e.Pool == nil {
		return invalidf("nil pool")
	}
	if plan.SurfaceGlob == "" {
		return invalidf("empty surface glob")
	}
	if err := core.CheckPattern(plan.SurfaceGlob); err != nil {
		return err
	}

	state := make(ExecutionState, len(subjects))
	for _, s := range subjects {
		id := ChamferTaskID(s)
		if _, dup := state[id]; dup {
			return invalidf("two subjects share the chamfer file %s", s.Chamfer)
		}
		state[id] = TaskPending
	}

	e.mu.Lock()
	e.state = state
	e.removed = 0
	e.removedBytes = 0
	e.mu.Unlock()
	return nil
}

func (e *Executor) runChamferPhase(ctx context.Context, subjects []core.Subject, plan Plan) error {
	ids := make([]string, len(subjects))
	byID := make(map[string]core.Subject, len(subjects))
	for i, s := range subjects {
		ids[i] = ChamferTaskID(s)
		byID[ids[i]] = s
	}

	batch := e.Pool.Batch(ctx)
	for _, id := range GetReadyTasks(e.StateSnapshot(), ids) {
		s := byID[id]
		ev := trace.Event{Phase: trace.PhaseChamfer, TaskID: id, Chamfer: s.Chamfer, Target: s.Chamfer}
		ok := batch.Go(func(ctx context.Context) error {
			return e.runTask(ev, func() error {
				return e.Invoker.CreateChamfer(ctx, s.Mask, s.Chamfer, plan.Label)
			})
		})
		if !ok {
			break
		}
	}
	err := batch.Wait()
	if err != nil {
		e.skipPending(trace.PhaseChamfer, ids, func(id string) (string, string) {
			return byID[id].Chamfer, byID[id].Chamfer
		})
	}
	return err
}

// gather enumerates the evaluation tasks of every subject, in subject order,
// and rejects two surfaces that would write the same result file.
func (e *Executor) gather(subjects []core.Subject, plan Plan) ([]*subjectProgress, []core.EvaluationTask, error) {
	type claim struct {
		mask, surface string
	}
	progress := make([]*subjectProgress, 0, len(subjects))
	var all []core.EvaluationTask
	seen := make(map[string]claim)

	for _, s := range subjects {
		tasks, err := s.Tasks(plan.SurfaceGlob, plan.OutputSuffix)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range tasks {
			prev, dup := seen[t.Result]
			if !dup {
				seen[t.Result] = claim{mask: s.Mask, surface: t.Surface}
				continue
			}
			// Nested subjects reach the same surface; siblings of one mask
			// collide when only their extensions differ.
			candidates := []string{prev.mask, s.Mask}
			if prev.mask == s.Mask {
				candidates = []string{prev.surface, t.Surface}
			}
			return nil, nil, &core.InputError{
				Pattern:    plan.SurfaceGlob,
				Candidates: candidates,
				Msg:        fmt.Sprintf("result file %s is claimed twice by surface glob", t.Result),
			}
		}
		if len(tasks) == 0 {
			e.Log.Warningf("No surface matching %q found next to %s", plan.SurfaceGlob, s.Mask)
		}
		progress = append(progress, &subjectProgress{subject: s, remaining: len(tasks)})
		all = append(all, tasks...)
	}
	return progress, all, nil
}

// prepareEvaluations runs after the chamfer barrier. It asserts every chamfer
// is ready, registers the evaluation tasks and removes the chamfers nothing
// will read.
func (e *Executor) prepareEvaluations(progress []*subjectProgress, tasks []core.EvaluationTask, plan Plan) error {
	state := e.StateSnapshot()
	for _, p := range progress {
		if err := ChamferReady(state, p.subject); err != nil {
			return err
		}
	}

	e.mu.Lock()
	for _, t := range tasks {
		e.state[EvaluateTaskID(t)] = TaskPending
	}
	e.mu.Unlock()

	if !plan.KeepChamfer {
		for _, p := range progress {
			if p.remaining == 0 {
				e.removeChamfer(p.subject)
			}
		}
	}
	return nil
}

func (e *Executor) runEvaluatePhase(ctx context.Context, progress []*subjectProgress, tasks []core.EvaluationTask, plan Plan) error {
	byChamfer := make(map[string]*subjectProgress, len(progress))
	for _, p := range progress {
		byChamfer[p.subject.Chamfer] = p
	}
	ids := make([]string, len(tasks))
	byID := make(map[string]core.EvaluationTask, len(tasks))
	for i, t := range tasks {
		ids[i] = EvaluateTaskID(t)
		byID[ids[i]] = t
	}

	batch := e.Pool.Batch(ctx)
	for _, id := range GetReadyTasks(e.StateSnapshot(), ids) {
		t := byID[id]
		p := byChamfer[t.Chamfer]
		ev := trace.Event{Phase: trace.PhaseEvaluate, TaskID: id, Chamfer: t.Chamfer, Target: t.Result}
		ok := batch.Go(func(ctx context.Context) error {
			err := e.runTask(ev, func() error {
				return e.Invoker.VolumeObjectEvaluate(ctx, t.Chamfer, t.Surface, t.Result)
			})
			if e.finishEvaluation(p) && !plan.KeepChamfer {
				e.removeChamfer(p.subject)
			}
			return err
		})
		if !ok {
			break
		}
	}
	err := batch.Wait()
	if err != nil {
		e.skipPending(trace.PhaseEvaluate, ids, func(id string) (string, string) {
			return byID[id].Chamfer, byID[id].Result
		})
	}
	return err
}

// runTask moves one task through RUNNING to COMPLETED or FAILED around fn.
func (e *Executor) runTask(ev trace.Event, fn func() error) error {
	e.mu.Lock()
	if err := Transition(e.state, ev.TaskID, TaskPending, TaskRunning); err != nil {
		e.mu.Unlock()
		return err
	}
	ev.Kind = trace.EventTaskStarted
	trace.SafeRecord(e.Trace, ev)
	e.mu.Unlock()

	runErr := fn()

	e.mu.Lock()
	defer e.mu.Unlock()
	to, kind := TaskCompleted, trace.EventTaskCompleted
	if runErr != nil {
		to, kind = TaskFailed, trace.EventTaskFailed
	}
	if err := Transition(e.state, ev.TaskID, TaskRunning, to); err != nil {
		return errors.Join(runErr, err)
	}
	ev.Kind = kind
	trace.SafeRecord(e.Trace, ev)
	return runErr
}

// finishEvaluation counts down a subject's remaining evaluations and reports
// whether this was the last one.
func (e *Executor) finishEvaluation(p *subjectProgress) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.remaining--
	return p.remaining == 0
}

func (e *Executor) skipPending(phase trace.Phase, ids []string, paths func(id string) (chamfer, target string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	skipped, err := SkipPending(e.state, ids)
	if err != nil {
		e.Log.Errorf("%v", err)
	}
	for _, id := range skipped {
		chamfer, target := paths(id)
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventTaskSkipped, Phase: phase, TaskID: id, Chamfer: chamfer, Target: target})
	}
	if len(skipped) > 0 {
		e.Log.Warningf("Skipped %d %s task(s) after an earlier failure", len(skipped), phase)
	}
}

// removeChamfer deletes a subject's chamfer file. Failing to remove it is
// logged and does not fail the run.
func (e *Executor) removeChamfer(s core.Subject) {
	var size uint64
	if info, err := os.Stat(s.Chamfer); err == nil {
		size = uint64(info.Size())
	}
	if err := os.Remove(s.Chamfer); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.Log.Warningf("Could not remove %s: %v", s.Chamfer, err)
		return
	}

	e.mu.Lock()
	e.removed++
	e.removedBytes += size
	trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventChamferRemoved, Phase: trace.PhaseEvaluate, Chamfer: s.Chamfer, Target: s.Chamfer})
	e.mu.Unlock()
	e.Log.Debugf("Removed %s (%s)", s.Chamfer, humanize.Bytes(size))
}
