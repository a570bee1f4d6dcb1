package cli

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	ExitSuccess           = 0
	ExitTaskFailure       = 1
	ExitInvalidInvocation = 2
	ExitInputError        = 3
	ExitInternalError     = 4
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the parsed command line.
//
// Options holds the flag values; Changed records which of them were given
// explicitly, so that they override the configuration file while the others
// fall back to it. InputDir and OutputDir are absolute and clean.
type CLIInvocation struct {
	InputDir  string
	OutputDir string

	Options Options
	Changed map[string]bool

	Quiet      bool
	ConfigPath string
	Trace      TraceConfig

	ShowVersion bool
	ShowHelp    bool
	Usage       string

	OriginalInput  string
	OriginalOutput string
	OriginalTrace  string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// flag names, shared with the [options] keys of the configuration file.
const (
	flagMask          = "mask"
	flagSurface       = "surface"
	flagOutputSuffix  = "output-suffix"
	flagChamferSuffix = "chamfer-suffix"
	flagLabel         = "label"
	flagKeepChamfer   = "keep-chamfer"
	flagThreads       = "threads"
)

func newCommand(o *Options, inv *CLIInvocation) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "surfdisterr [flags] inputdir outputdir",
		Short:         "Distance error of a .obj mask mesh to a .mnc volume.",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	d := DefaultOptions()
	f := cmd.Flags()
	f.StringVarP(&o.Mask, flagMask, "m", d.Mask, "pattern for mask file names to include")
	f.StringVarP(&o.Surface, flagSurface, "s", d.Surface, "pattern for surface file names to include, relative to each mask's directory")
	f.StringVarP(&o.OutputSuffix, flagOutputSuffix, "o", d.OutputSuffix, "output file name suffix")
	f.StringVar(&o.ChamferSuffix, flagChamferSuffix, d.ChamferSuffix, "chamfer file name suffix")
	f.IntVarP(&o.Label, flagLabel, "l", d.Label, "label of the compartment to chamfer in a multi-label mask (0 for a binary mask)")
	f.BoolVar(&o.KeepChamfer, flagKeepChamfer, d.KeepChamfer, "keep the distance map intermediate file")
	f.IntVarP(&o.Threads, flagThreads, "t", d.Threads, "number of concurrent subprocesses (0 for the number of CPUs)")
	f.BoolVarP(&inv.Quiet, "quiet", "q", false, "disable status messages")
	f.StringVarP(&inv.ConfigPath, "config", "c", "", "TOML or YAML configuration file")
	f.StringVar(&inv.OriginalTrace, "trace", "", "write an execution trace to this path under outputdir")
	f.BoolVarP(&inv.ShowVersion, "version", "V", false, "print the version and exit")
	return cmd
}

// ParseInvocation parses command-line arguments (excluding argv[0]).
//
// It never reads the configuration file; see Resolve.
func ParseInvocation(args []string) (CLIInvocation, error) {
	var inv CLIInvocation
	var opts Options
	var positional []string
	ran := false

	cmd := newCommand(&opts, &inv)
	var usage bytes.Buffer
	cmd.SetOut(&usage)
	cmd.SetErr(&usage)
	cmd.RunE = func(_ *cobra.Command, a []string) error {
		ran = true
		positional = a
		return nil
	}
	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if !ran {
		// cobra handled --help itself.
		return CLIInvocation{ShowHelp: true, Usage: usage.String()}, nil
	}
	if inv.ShowVersion {
		return CLIInvocation{ShowVersion: true}, nil
	}

	if len(positional) != 2 {
		return CLIInvocation{}, invalidInvocationf("expected 2 positional arguments (inputdir outputdir), got %d: %q", len(positional), strings.Join(positional, " "))
	}

	inv.Options = opts
	inv.Changed = make(map[string]bool)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		inv.Changed[f.Name] = true
	})
	if err := opts.validate(inv.Changed); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}

	var err error
	inv.OriginalInput, inv.OriginalOutput = positional[0], positional[1]
	if inv.InputDir, err = absDir(positional[0]); err != nil {
		return CLIInvocation{}, err
	}
	if inv.OutputDir, err = absDir(positional[1]); err != nil {
		return CLIInvocation{}, err
	}
	if strings.TrimSpace(inv.OriginalTrace) != "" {
		p, err := resolveUnderOutputDir(inv.OutputDir, inv.OriginalTrace)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: p}
	}
	return inv, nil
}

func absDir(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", invalidInvocationf("resolving %q: %v", p, err)
	}
	return abs, nil
}

// resolveUnderOutputDir resolves p relative to outputDir and rejects paths
// outside of it, so a run never writes outside its output tree.
func resolveUnderOutputDir(outputDir, p string) (string, error) {
	clean := filepath.Clean(p)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(outputDir, clean)
	}
	rel, err := filepath.Rel(outputDir, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalidInvocationf("--trace must name a file under outputdir (got %q)", p)
	}
	return clean, nil
}

// Resolve merges built-in defaults, the configuration file and explicitly set
// flags, in increasing order of precedence.
func (inv CLIInvocation) Resolve(cfg Config) (Options, error) {
	o := cfg.Options
	set := func(name string, apply func()) {
		if inv.Changed[name] {
			apply()
		}
	}
	set(flagMask, func() { o.Mask = inv.Options.Mask })
	set(flagSurface, func() { o.Surface = inv.Options.Surface })
	set(flagOutputSuffix, func() { o.OutputSuffix = inv.Options.OutputSuffix })
	set(flagChamferSuffix, func() { o.ChamferSuffix = inv.Options.ChamferSuffix })
	set(flagLabel, func() { o.Label = inv.Options.Label })
	set(flagKeepChamfer, func() { o.KeepChamfer = inv.Options.KeepChamfer })
	set(flagThreads, func() { o.Threads = inv.Options.Threads })

	if err := o.validate(nil); err != nil {
		return Options{}, invalidInvocationf("%v", err)
	}
	return o, nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
