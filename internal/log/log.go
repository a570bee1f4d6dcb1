// Package log provides the leveled logger used throughout surfdisterr.
//
// A Logger is built once at startup from an explicit Config and minimum Level and
// passed to the components that need it. There is no package-level logger state.
// A nil *Logger is valid and discards everything, which keeps tests and library
// callers free of logging setup.
package log

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// Level is the minimum severity a Logger writes.
type Level uint

const (
	DebugLevel Level = iota
	InfoLevel
	WarningLevel
	ErrorLevel
	SilentLevel
)

var levelNames = map[Level]string{
	DebugLevel:   "debug",
	InfoLevel:    "info",
	WarningLevel: "warning",
	ErrorLevel:   "error",
	SilentLevel:  "silent",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", uint(l))
}

// ParseLevel converts a configured level name. The empty string is InfoLevel.
func ParseLevel(s string) (Level, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	switch n {
	case "":
		return InfoLevel, nil
	case "warn":
		return WarningLevel, nil
	}
	for lvl, name := range levelNames {
		if name == n {
			return lvl, nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q (expected debug|info|warning|error|silent)", s)
}

// Config is the [logging] section of the configuration file.
type Config struct {
	Level   string `toml:"level" yaml:"level"`
	Logfile string `toml:"logfile" yaml:"logfile"`
	MaxSize int    `toml:"max_log_size" yaml:"max_log_size"`
	MaxAge  int    `toml:"max_log_age" yaml:"max_log_age"`
}

// Logger writes leveled messages to a sink, optionally teeing them into a
// rotating log file.
type Logger struct {
	level Level
	out   *stdlog.Logger
	file  *lumberjack.Logger

	closeOnce sync.Once
}

// New returns a Logger writing messages at or above level to w.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{level: level, out: stdlog.New(w, "", stdlog.LstdFlags)}
}

// NewLogger creates a logger writing to w and, when a log file is configured,
// also to a size-rotated file.
func (c Config) NewLogger(w io.Writer, level Level) *Logger {
	if c.Logfile == "" {
		return New(w, level)
	}
	f := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	if w == nil {
		w = io.Discard
	}
	l := New(io.MultiWriter(w, f), level)
	l.file = f
	return l
}

// WithPrefix returns a logger sharing the same sink whose lines start with prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		level: l.level,
		out:   stdlog.New(l.out.Writer(), prefix, l.out.Flags()),
		file:  l.file,
	}
}

// Level returns the minimum severity written by l.
func (l *Logger) Level() Level {
	if l == nil {
		return SilentLevel
	}
	return l.level
}

func (l *Logger) logf(lvl Level, tag, format string, args ...interface{}) {
	if l == nil || lvl < l.level {
		return
	}
	l.out.Printf(tag+format, args...)
}

// Debugf formats its arguments analogous to fmt.Printf and records the text at Debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(DebugLevel, "   DEBUG ", format, args...)
}

// Infof is like Debugf, but at Info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(InfoLevel, "    INFO ", format, args...)
}

// Warningf is like Debugf, but at Warning level.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.logf(WarningLevel, " WARNING ", format, args...)
}

// Errorf is like Debugf, but at Error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(ErrorLevel, "   ERROR ", format, args...)
}

// Shutdown closes the log file, if any.
func (l *Logger) Shutdown() {
	if l == nil || l.file == nil {
		return
	}
	l.closeOnce.Do(func() {
		_ = l.file.Close()
	})
}

// TimeLog adds elapsed time to logging.
// Example:
//
//	tlog := logger.NewTimeLog()
//	...
//	tlog.Infof("phase done")  // Appends elapsed time since NewTimeLog() to message.
type TimeLog struct {
	logger *Logger
	start  time.Time
}

func (l *Logger) NewTimeLog() TimeLog {
	return TimeLog{logger: l, start: time.Now()}
}

// Elapsed is the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	t.logger.Debugf(format+": %s", append(args, t.Elapsed().Round(time.Millisecond))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	t.logger.Infof(format+": %s", append(args, t.Elapsed().Round(time.Millisecond))...)
}
