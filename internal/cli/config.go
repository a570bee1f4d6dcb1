package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/FNNDSC/pl-surface-distance/internal/core"
	"github.com/FNNDSC/pl-surface-distance/internal/log"
)

// Options are the settings of one run, from flags or the [options] section.
type Options struct {
	Mask          string `toml:"mask" yaml:"mask"`
	Surface       string `toml:"surface" yaml:"surface"`
	OutputSuffix  string `toml:"output_suffix" yaml:"output_suffix"`
	ChamferSuffix string `toml:"chamfer_suffix" yaml:"chamfer_suffix"`
	Label         int    `toml:"label" yaml:"label"`
	KeepChamfer   bool   `toml:"keep_chamfer" yaml:"keep_chamfer"`
	Threads       int    `toml:"threads" yaml:"threads"`
}

func DefaultOptions() Options {
	return Options{
		Mask:          "**/*.mnc",
		Surface:       "*.obj",
		OutputSuffix:  ".dist.txt",
		ChamferSuffix: ".chamfer.mnc",
	}
}

// validate checks the options named in only, or all of them when only is nil.
func (o Options) validate(only map[string]bool) error {
	check := func(name string) bool { return only == nil || only[name] }

	if check(flagMask) {
		if err := checkGlob(flagMask, o.Mask); err != nil {
			return err
		}
	}
	if check(flagSurface) {
		if err := checkGlob(flagSurface, o.Surface); err != nil {
			return err
		}
	}
	if check(flagOutputSuffix) {
		if err := checkSuffix(flagOutputSuffix, o.OutputSuffix); err != nil {
			return err
		}
	}
	if check(flagChamferSuffix) {
		if err := checkSuffix(flagChamferSuffix, o.ChamferSuffix); err != nil {
			return err
		}
	}
	if check(flagLabel) && o.Label < 0 {
		return fmt.Errorf("--%s must not be negative (got %d)", flagLabel, o.Label)
	}
	if check(flagThreads) && o.Threads < 0 {
		return fmt.Errorf("--%s must not be negative (got %d)", flagThreads, o.Threads)
	}
	if only == nil && o.OutputSuffix == o.ChamferSuffix {
		return fmt.Errorf("--%s and --%s must differ (both %q)", flagOutputSuffix, flagChamferSuffix, o.OutputSuffix)
	}
	return nil
}

func checkGlob(name, pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("--%s must not be empty", name)
	}
	if err := core.CheckPattern(pattern); err != nil {
		return fmt.Errorf("--%s: %v", name, err)
	}
	return nil
}

// checkSuffix accepts suffixes that start with a dot and name no directory.
func checkSuffix(name, suffix string) error {
	if len(suffix) < 2 || suffix[0] != '.' {
		return fmt.Errorf("--%s must start with '.' (got %q)", name, suffix)
	}
	if strings.ContainsRune(suffix, '/') || strings.ContainsRune(suffix, filepath.Separator) {
		return fmt.Errorf("--%s must not contain a path separator (got %q)", name, suffix)
	}
	return nil
}

// Tools names the two external programs. A bare name is looked up in PATH.
type Tools struct {
	Chamfer  string `toml:"chamfer" yaml:"chamfer"`
	Evaluate string `toml:"evaluate" yaml:"evaluate"`
}

// Config is the optional configuration file.
type Config struct {
	Options Options    `toml:"options" yaml:"options"`
	Tools   Tools      `toml:"tools" yaml:"tools"`
	Logging log.Config `toml:"logging" yaml:"logging"`
}

func DefaultConfig() Config {
	return Config{
		Options: DefaultOptions(),
		Tools: Tools{
			Chamfer:  core.DefaultChamferTool,
			Evaluate: core.DefaultEvaluateTool,
		},
		Logging: log.Config{
			Level:   "info",
			MaxSize: 100,
			MaxAge:  30,
		},
	}
}

// LoadConfig reads the configuration file at path on top of DefaultConfig.
//
// The format is chosen by extension: .toml, or .yaml/.yml. Unknown keys are
// rejected to avoid silent divergence. Relative tool paths containing a
// separator and a relative log file are resolved against the file's directory.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(b), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, fmt.Errorf("parse config toml: unknown keys %s", strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config yaml: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q (expected .toml, .yaml or .yml)", ext)
	}

	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return cfg, fmt.Errorf("config [logging]: %w", err)
	}
	if cfg.Tools.Chamfer == "" || cfg.Tools.Evaluate == "" {
		return cfg, fmt.Errorf("config [tools]: program names must not be empty")
	}

	base := filepath.Dir(path)
	cfg.Tools.Chamfer = resolveToolPath(base, cfg.Tools.Chamfer)
	cfg.Tools.Evaluate = resolveToolPath(base, cfg.Tools.Evaluate)
	if cfg.Logging.Logfile != "" && !filepath.IsAbs(cfg.Logging.Logfile) {
		cfg.Logging.Logfile = filepath.Join(base, cfg.Logging.Logfile)
	}
	return cfg, nil
}

func resolveToolPath(base, p string) string {
	if filepath.IsAbs(p) || !strings.ContainsRune(p, '/') {
		return p
	}
	return filepath.Join(base, p)
}
