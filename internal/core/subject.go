package core

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Subject is one mask volume and where its outputs go.
//
// Subjects are values; nothing mutates them after BuildSubjects.
type Subject struct {
	// Mask is the absolute path of the mask volume.
	Mask string

	// OutputDir mirrors the mask's directory under the output root.
	OutputDir string

	// Chamfer is the intermediate distance map, written under OutputDir.
	Chamfer string
}

// EvaluationTask is the argument triple for one volume_object_evaluate call.
type EvaluationTask struct {
	Chamfer string
	Surface string
	Result  string
}

// NewSubject derives a Subject from a mask and its output directory.
func NewSubject(p PathPair, chamferSuffix string) Subject {
	return Subject{
		Mask:      p.Input,
		OutputDir: p.OutputDir,
		Chamfer:   filepath.Join(p.OutputDir, ReplaceExt(filepath.Base(p.Input), chamferSuffix)),
	}
}

// BuildSubjects derives one Subject per mask. No I/O is performed.
func BuildSubjects(pairs []PathPair, chamferSuffix string) []Subject {
	subjects := make([]Subject, 0, len(pairs))
	for _, p := range pairs {
		subjects = append(subjects, NewSubject(p, chamferSuffix))
	}
	return subjects
}

// ReplaceExt replaces the final extension of the last path element with suffix.
//
// A leading dot does not start an extension, and neither does a trailing one,
// so ".hidden" and "name." are kept whole before suffix is appended.
func ReplaceExt(p, suffix string) string {
	dir, name := filepath.Split(p)
	if i := strings.LastIndexByte(name, '.'); i > 0 && i < len(name)-1 {
		name = name[:i]
	}
	return dir + name + suffix
}

var errStopGather = errors.New("stop gathering")

// GatherTasks lazily yields one EvaluationTask per file under the mask's
// directory matching surfaceGlob.
//
// The glob is relative to the mask's own directory and may reach into
// subdirectories; the surface's sub-path is kept under OutputDir. Every
// iteration re-reads the directory, so the sequence can be ranged over again.
// The mask itself is never paired with itself. On a glob error the sequence
// yields a single error and stops.
func (s Subject) GatherTasks(surfaceGlob, outputSuffix string) iter.Seq2[EvaluationTask, error] {
	return func(yield func(EvaluationTask, error) bool) {
		maskDir := filepath.Dir(s.Mask)
		pattern := cleanPattern(surfaceGlob)
		if !doublestar.ValidatePattern(pattern) {
			yield(EvaluationTask{}, &InputError{Pattern: surfaceGlob, Dir: maskDir, Msg: "malformed glob"})
			return
		}

		err := doublestar.GlobWalk(os.DirFS(maskDir), pattern, func(p string, d fs.DirEntry) error {
			rel := filepath.FromSlash(p)
			surface := filepath.Join(maskDir, rel)
			if surface == s.Mask {
				return nil
			}
			t := EvaluationTask{
				Chamfer: s.Chamfer,
				Surface: surface,
				Result:  filepath.Join(s.OutputDir, ReplaceExt(rel, outputSuffix)),
			}
			if !yield(t, nil) {
				return errStopGather
			}
			return nil
		}, doublestar.WithFilesOnly())

		if err != nil && !errors.Is(err, errStopGather) {
			yield(EvaluationTask{}, &InputError{Pattern: surfaceGlob, Dir: maskDir, Msg: fmt.Sprintf("evaluating glob (%v)", err)})
		}
	}
}

// Tasks collects GatherTasks into a slice sorted by surface path.
func (s Subject) Tasks(surfaceGlob, outputSuffix string) ([]EvaluationTask, error) {
	var tasks []EvaluationTask
	for t, err := range s.GatherTasks(surfaceGlob, outputSuffix) {
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Surface < tasks[j].Surface })
	return tasks, nil
}

// MakeOutputDirs creates every subject's output directory.
//
// Missing parents are created. A subject directory that already exists is an
// ErrOutputExists, so outputs of an earlier run are never merged silently. The
// output root itself is provisioned by the host and may already exist; it is
// the output directory of a mask found directly under the input root.
//
// Every subject directory is checked before any is created, and the ones
// created by a failed call are removed again.
func MakeOutputDirs(outputRoot string, subjects []Subject) (err error) {
	root, err := filepath.Abs(outputRoot)
	if err != nil {
		return fmt.Errorf("resolving output dir: %w", err)
	}

	// Shallow directories first so a subject's parent is never mistaken for a
	// leaf created by an earlier run.
	dirs := make([]string, 0, len(subjects))
	for _, s := range subjects {
		dirs = append(dirs, filepath.Clean(s.OutputDir))
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		if dir == root {
			continue
		}
		if _, err := os.Lstat(dir); err == nil {
			return fmt.Errorf("%w: %s", ErrOutputExists, dir)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking output dir: %w", err)
		}
	}

	var created []string
	defer func() {
		if err == nil {
			return
		}
		for i := len(created) - 1; i >= 0; i-- {
			_ = os.Remove(created[i])
		}
	}()

	for _, dir := range dirs {
		if dir == root {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating output dir: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("creating output dir: %w", err)
		}
		if err := os.Mkdir(dir, 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%w: %s", ErrOutputExists, dir)
			}
			return fmt.Errorf("creating output dir: %w", err)
		}
		created = append(created, dir)
	}
	return nil
}
