// Package logging provides logging for collatz-gpu: a file logger at full
// verbosity (debug.log) plus an optionally coloured, separately-filtered
// console stream, both driven through the same Logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	mu      sync.Mutex
	console io.Writer
	outLvl  OutputLevel
	colour  ColourLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels for the file log, which
// always records at its configured level regardless of console verbosity.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// OutputLevel controls how much of the log reaches the console, via the
// --output-level CLI flag. The file log (debug.log) is unaffected by this
// setting and always receives every line at LogLevel.
type OutputLevel int

const (
	// OutputSilent suppresses all console output.
	OutputSilent OutputLevel = iota
	// OutputQuiet prints only warnings and errors.
	OutputQuiet
	// OutputDefault prints info, warnings, and errors (the default).
	OutputDefault
	// OutputVerbose additionally prints debug-level lines.
	OutputVerbose
)

// ParseOutputLevel maps a --output-level flag value to an OutputLevel.
func ParseOutputLevel(s string) (OutputLevel, error) {
	switch s {
	case "silent":
		return OutputSilent, nil
	case "quiet":
		return OutputQuiet, nil
	case "default", "":
		return OutputDefault, nil
	case "verbose":
		return OutputVerbose, nil
	default:
		return OutputDefault, fmt.Errorf("unknown output level %q", s)
	}
}

// ColourLevel controls ANSI colouring of console output, via the
// --colour-level CLI flag. Never applied to the file log.
type ColourLevel int

const (
	// ColourNone never colours output.
	ColourNone ColourLevel = iota
	// ColourTTY colours output only when the console is a terminal.
	ColourTTY
	// ColourAll always colours output, even when redirected.
	ColourAll
)

// ParseColourLevel maps a --colour-level flag value to a ColourLevel.
func ParseColourLevel(s string) (ColourLevel, error) {
	switch s {
	case "none", "":
		return ColourNone, nil
	case "tty":
		return ColourTTY, nil
	case "all":
		return ColourAll, nil
	default:
		return ColourNone, fmt.Errorf("unknown colour level %q", s)
	}
}

const (
	ansiReset  = "\x1b[0m"
	ansiDebug  = "\x1b[90m" // grey
	ansiInfo   = "\x1b[37m" // white
	ansiWarn   = "\x1b[33m" // yellow
	ansiError  = "\x1b[31m" // red
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level written to Output (the file log).
	Level LogLevel
	// Output is the always-on, full-verbosity destination (debug.log).
	Output io.Writer

	// Console is the optional, separately-filtered console destination.
	// If nil, no console output is produced.
	Console io.Writer
	// OutputLevel filters Console; it never affects Output.
	OutputLevel OutputLevel
	// ColourLevel controls ANSI colouring of Console; never applied to
	// Output.
	ColourLevel ColourLevel
	// ConsoleIsTerminal reports whether Console is attached to a TTY,
	// used to resolve ColourTTY. Callers should set this from a platform
	// TTY-detection wrapper (see internal/platform.IsTerminal).
	ConsoleIsTerminal bool
}

// DefaultConfig returns a sensible default configuration: debug-level file
// log to stderr, default-level uncoloured console also to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelDebug,
		Output:      os.Stderr,
		Console:     os.Stderr,
		OutputLevel: OutputDefault,
		ColourLevel: ColourNone,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger:  log.New(output, "", log.LstdFlags),
		level:   config.Level,
		console: config.Console,
		outLvl:  config.OutputLevel,
		colour:  config.resolvedColour(),
	}
}

func (c *Config) resolvedColour() ColourLevel {
	if c.ColourLevel == ColourTTY && !c.ConsoleIsTerminal {
		return ColourNone
	}
	return c.ColourLevel
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// formatArgs converts key-value pairs to a string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) consoleThreshold() LogLevel {
	switch l.outLvl {
	case OutputSilent:
		return LevelError + 1 // nothing passes
	case OutputQuiet:
		return LevelWarn
	case OutputVerbose:
		return LevelDebug
	default:
		return LevelInfo
	}
}

func (l *Logger) colourFor(level LogLevel) string {
	if l.colour == ColourNone {
		return ""
	}
	switch level {
	case LevelDebug:
		return ansiDebug
	case LevelWarn:
		return ansiWarn
	case LevelError:
		return ansiError
	default:
		return ansiInfo
	}
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %s%s", prefix, msg, formatArgs(args))
	if level >= l.level {
		l.logger.Printf("%s", line)
	}
	if l.console != nil && level >= l.consoleThreshold() {
		colour := l.colourFor(level)
		if colour != "" {
			fmt.Fprintf(l.console, "%s%s%s\n", colour, line, ansiReset)
		} else {
			fmt.Fprintf(l.console, "%s\n", line)
		}
	}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

func Debugf(format string, args ...any) {
	Default().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	Default().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	Default().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	Default().Errorf(format, args...)
}
