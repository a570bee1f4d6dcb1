package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "github.com/FNNDSC/pl-surface-distance/internal/cli"
	"github.com/FNNDSC/pl-surface-distance/internal/core"
	"github.com/FNNDSC/pl-surface-distance/internal/trace"
)

const fakeChamfer = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/chamfer.calls"
for last; do :; done
echo "writing $last"
echo "progress $last" >&2
printf 'chamfer' > "$last"
`

const fakeEvaluate = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/evaluate.calls"
if [ ! -f "$2" ]; then
	echo "missing chamfer $2" >&2
	exit 9
fi
case "$3" in
	*broken*) echo "volume_object_evaluate: cannot read $3" >&2; exit 3 ;;
esac
echo 0.5 > "$4"
`

// env is a temp input/output tree plus fake tools wired in through a config file.
type env struct {
	in, out, tools, config string
}

func newEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	e := env{
		in:    filepath.Join(root, "in"),
		out:   filepath.Join(root, "out"),
		tools: filepath.Join(root, "tools"),
	}
	for _, d := range []string{e.in, e.out, e.tools} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	writeExecutable(t, filepath.Join(e.tools, "chamfer.sh"), fakeChamfer)
	writeExecutable(t, filepath.Join(e.tools, "volume_object_evaluate"), fakeEvaluate)

	e.config = filepath.Join(root, "surfdisterr.toml")
	cfg := "[tools]\nchamfer = \"tools/chamfer.sh\"\nevaluate = \"tools/volume_object_evaluate\"\n"
	if err := os.WriteFile(e.config, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return e
}

func writeExecutable(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e env) run(t *testing.T, extra ...string) (icl.CLIResult, error, string) {
	t.Helper()
	args := append([]string{"-c", e.config}, extra...)
	args = append(args, e.in, e.out)
	var stdout, stderr bytes.Buffer
	res, err := icl.RunWithStreams(context.Background(), args, &stdout, &stderr)
	return res, err, stderr.String()
}

func (e env) calls(t *testing.T, name string) []string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.tools, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read %s: %v", name, err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestRun_EndToEnd_SubjectWithTwoSurfaces(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "subjA", "brain.mnc"))
	touch(t, filepath.Join(e.in, "subjA", "left.obj"))
	touch(t, filepath.Join(e.in, "subjA", "right.obj"))

	res, err, stderr := e.run(t, "--trace", "trace.json")
	if err != nil {
		t.Fatalf("run err: %v\n%s", err, stderr)
	}
	if res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit: %d", res.ExitCode)
	}

	for _, p := range []string{"subjA/left.dist.txt", "subjA/right.dist.txt"} {
		b, err := os.ReadFile(filepath.Join(e.out, p))
		if err != nil {
			t.Fatalf("expected %s: %v", p, err)
		}
		if strings.TrimSpace(string(b)) != "0.5" {
			t.Fatalf("unexpected content of %s: %q", p, b)
		}
	}
	chamfer := filepath.Join(e.out, "subjA", "brain.chamfer.mnc")
	if exists(chamfer) {
		t.Fatalf("expected %s to be removed", chamfer)
	}

	wantChamfer := filepath.Join(e.in, "subjA", "brain.mnc") + " " + chamfer
	if got := e.calls(t, "chamfer.calls"); len(got) != 1 || got[0] != wantChamfer {
		t.Fatalf("unexpected chamfer calls %v", got)
	}
	evals := e.calls(t, "evaluate.calls")
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %v", evals)
	}
	for _, c := range evals {
		if !strings.HasPrefix(c, "-linear "+chamfer+" ") {
			t.Fatalf("unexpected evaluate call %q", c)
		}
	}

	if !strings.Contains(stderr, "Created chamfer for") {
		t.Fatalf("expected info log lines on stderr:\n%s", stderr)
	}
	if !strings.Contains(stderr, "|_|") {
		t.Fatalf("expected banner on stderr")
	}

	b, err := os.ReadFile(filepath.Join(e.out, "trace.json"))
	if err != nil {
		t.Fatalf("expected trace file: %v", err)
	}
	var tr trace.ExecutionTrace
	if err := json.Unmarshal(b, &tr); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if tr.RunID != res.RunID {
		t.Fatalf("trace run id %q does not match %q", tr.RunID, res.RunID)
	}
	if err := tr.CheckPhaseOrdering(); err != nil {
		t.Fatalf("phase ordering violated: %v", err)
	}
	if tr.Count(trace.EventTaskCompleted, trace.PhaseEvaluate) != 2 {
		t.Fatalf("expected 2 completed evaluations in trace")
	}
	if tr.Digest == "" || tr.Digest != res.TraceHash {
		t.Fatalf("trace file hash %q does not match run hash %q", tr.Digest, res.TraceHash)
	}
	if h, _ := tr.Hash(); h != res.TraceHash {
		t.Fatalf("recomputed hash %q does not match %q", h, res.TraceHash)
	}
}

func TestRun_SameInputsSameTraceHash(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "s1", "brain.mnc"))
	touch(t, filepath.Join(e.in, "s1", "lh.obj"))
	touch(t, filepath.Join(e.in, "s2", "brain.mnc"))
	touch(t, filepath.Join(e.in, "s2", "rh.obj"))

	first, err, stderr := e.run(t, "-q", "-t", "2")
	if err != nil {
		t.Fatalf("first run: %v\n%s", err, stderr)
	}
	if err := os.RemoveAll(e.out); err != nil {
		t.Fatalf("clear output: %v", err)
	}
	if err := os.Mkdir(e.out, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	second, err, stderr := e.run(t, "-q", "-t", "1")
	if err != nil {
		t.Fatalf("second run: %v\n%s", err, stderr)
	}
	if first.TraceHash == "" || first.TraceHash != second.TraceHash {
		t.Fatalf("expected equal trace hashes, got %q and %q", first.TraceHash, second.TraceHash)
	}
	if first.RunID == second.RunID {
		t.Fatalf("expected distinct run ids")
	}
}

func TestRun_KeepChamferAndLabel(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "subjA", "aseg.mnc"))
	touch(t, filepath.Join(e.in, "subjA", "wm.obj"))

	res, err, stderr := e.run(t, "--keep-chamfer", "-l", "3")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("run: exit=%d err=%v\n%s", res.ExitCode, err, stderr)
	}
	chamfer := filepath.Join(e.out, "subjA", "aseg.chamfer.mnc")
	if !exists(chamfer) {
		t.Fatalf("expected %s to be kept", chamfer)
	}
	got := e.calls(t, "chamfer.calls")
	if len(got) != 1 || !strings.HasPrefix(got[0], "-i 3 ") {
		t.Fatalf("expected label forwarded, got %v", got)
	}
}

func TestRun_ManySubjectsAcrossWorkers(t *testing.T) {
	e := newEnv(t)
	for _, s := range []string{"a", "b", "c", "d"} {
		touch(t, filepath.Join(e.in, s, "brain.mnc"))
		touch(t, filepath.Join(e.in, s, "lh.obj"))
		touch(t, filepath.Join(e.in, s, "rh.obj"))
	}
	res, err, stderr := e.run(t, "-t", "3", "-q", "--trace", "trace.json")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("run: exit=%d err=%v\n%s", res.ExitCode, err, stderr)
	}
	// Every tool's stderr reaches the shared buffer intact.
	if got := strings.Count(stderr, "progress "); got != 4 {
		t.Fatalf("expected 4 tool stderr lines, got %d:\n%s", got, stderr)
	}
	if res.Result == nil || res.Result.Subjects != 4 || res.Result.Evaluations != 8 {
		t.Fatalf("unexpected result %+v", res.Result)
	}
	if strings.Contains(stderr, "|_|") || strings.Contains(stderr, "INFO") {
		t.Fatalf("quiet run must not print banner or info lines:\n%s", stderr)
	}

	b, err := os.ReadFile(filepath.Join(e.out, "trace.json"))
	if err != nil {
		t.Fatalf("expected trace file: %v", err)
	}
	var tr trace.ExecutionTrace
	if err := json.Unmarshal(b, &tr); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if err := tr.CheckPhaseOrdering(); err != nil {
		t.Fatalf("phase ordering violated: %v", err)
	}
}

func TestRun_AmbiguousMaskCreatesNothing(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "brain.mnc"))
	touch(t, filepath.Join(e.in, "t1.mnc"))
	touch(t, filepath.Join(e.in, "left.obj"))

	res, err, _ := e.run(t, "-m", "*.mnc")
	if res.ExitCode != icl.ExitInputError {
		t.Fatalf("expected exit %d, got %d (%v)", icl.ExitInputError, res.ExitCode, err)
	}
	var ie *core.InputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *core.InputError, got %v", err)
	}
	if len(ie.Candidates) != 2 {
		t.Fatalf("expected both candidates listed, got %v", ie.Candidates)
	}
	if e.calls(t, "chamfer.calls") != nil {
		t.Fatalf("expected no chamfer to be created")
	}
	entries, _ := os.ReadDir(e.out)
	if len(entries) != 0 {
		t.Fatalf("expected output dir untouched, found %d entries", len(entries))
	}
}

func TestRun_NoMaskFound(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "left.obj"))

	res, err, _ := e.run(t)
	if res.ExitCode != icl.ExitInputError || !errors.Is(err, core.ErrInputDiscovery) {
		t.Fatalf("expected input error, got exit=%d err=%v", res.ExitCode, err)
	}
}

func TestRun_ExistingSubjectOutputDir(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "subjA", "brain.mnc"))
	if err := os.MkdirAll(filepath.Join(e.out, "subjA"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	res, err, _ := e.run(t)
	if res.ExitCode != icl.ExitInputError || !errors.Is(err, core.ErrOutputExists) {
		t.Fatalf("expected output-exists error, got exit=%d err=%v", res.ExitCode, err)
	}
	if e.calls(t, "chamfer.calls") != nil {
		t.Fatalf("expected no chamfer to be created")
	}
}

func TestRun_ToolFailureExitsNonZero(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "subjA", "brain.mnc"))
	touch(t, filepath.Join(e.in, "subjA", "broken.obj"))

	res, err, stderr := e.run(t, "-t", "1")
	if res.ExitCode != icl.ExitTaskFailure {
		t.Fatalf("expected exit %d, got %d (%v)", icl.ExitTaskFailure, res.ExitCode, err)
	}
	var te *core.ToolError
	if !errors.As(err, &te) || te.ExitCode != 3 {
		t.Fatalf("expected tool error with status 3, got %v", err)
	}
	if !strings.Contains(stderr, "cannot read") {
		t.Fatalf("expected the tool's own diagnostics on stderr:\n%s", stderr)
	}
}

func TestRun_MissingToolIsTaskFailure(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "subjA", "brain.mnc"))
	cfg := "[tools]\nchamfer = \"tools/no-such-program\"\n"
	if err := os.WriteFile(e.config, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	res, err, _ := e.run(t)
	if res.ExitCode != icl.ExitTaskFailure || err == nil {
		t.Fatalf("expected task failure, got exit=%d err=%v", res.ExitCode, err)
	}
}

func TestRun_BadConfigIsInvalidInvocation(t *testing.T) {
	e := newEnv(t)
	if err := os.WriteFile(e.config, []byte("[options]\nunknown = 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	res, err, _ := e.run(t)
	if res.ExitCode != icl.ExitInvalidInvocation || err == nil {
		t.Fatalf("expected invalid invocation, got exit=%d err=%v", res.ExitCode, err)
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	res, err := icl.RunWithStreams(context.Background(), []string{"--version"}, &stdout, nil)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("version: exit=%d err=%v", res.ExitCode, err)
	}
	if strings.TrimSpace(stdout.String()) != "surfdisterr 1.2.1" {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func TestRun_InvalidInvocation(t *testing.T) {
	res, err := icl.Run(context.Background(), []string{"only-one"})
	if err == nil || res.ExitCode != icl.ExitInvalidInvocation {
		t.Fatalf("expected invalid invocation, got exit=%d err=%v", res.ExitCode, err)
	}
}

func TestRun_NestedMasksSharingResultRunNothing(t *testing.T) {
	e := newEnv(t)
	touch(t, filepath.Join(e.in, "a", "m.mnc"))
	touch(t, filepath.Join(e.in, "a", "b", "m.mnc"))
	touch(t, filepath.Join(e.in, "a", "b", "x.obj"))

	res, err, _ := e.run(t, "-s", "**/*.obj")
	if res.ExitCode != icl.ExitInputError || !errors.Is(err, core.ErrInputDiscovery) {
		t.Fatalf("expected input error, got exit=%d err=%v", res.ExitCode, err)
	}
	if got := e.calls(t, "chamfer.calls"); got != nil {
		t.Fatalf("expected no chamfer to be created, got %v", got)
	}
	for _, p := range []string{"a/m.chamfer.mnc", "a/b/m.chamfer.mnc"} {
		if exists(filepath.Join(e.out, p)) {
			t.Fatalf("unexpected chamfer %s", p)
		}
	}
}
