package log

import (
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Only the "goroutine NNN [" prefix of the stack is needed.
	minStackBufSize = 32
	// Shortest stack header that still carries an ID.
	minStackTraceLen = 12
	// len("goroutine ").
	goroutinePrefixLen = 10

	consoleTimeFormat = "15:04:05"

	// FormatConsole selects the colored human-readable writer.
	FormatConsole = "console"
	// FormatJSON selects one JSON object per line.
	FormatJSON = "json"
)

var (
	Logger        zerolog.Logger
	goroutinePool sync.Pool
)

func init() {
	goroutinePool.New = func() interface{} {
		return make([]byte, minStackBufSize)
	}

	Logger = newLogger(os.Stderr, FormatConsole, zerolog.InfoLevel)
	log.Logger = Logger
}

// goroutineID parses the current goroutine ID out of a truncated stack header.
func goroutineID() string {
	buf, ok := goroutinePool.Get().([]byte)
	if !ok {
		return "unknown"
	}
	defer goroutinePool.Put(buf) //nolint:staticcheck // buf is a slice, this is the correct usage

	stackLen := runtime.Stack(buf, false)
	if stackLen < minStackTraceLen {
		return "unknown"
	}

	idx := goroutinePrefixLen
	start := idx
	for idx < stackLen && buf[idx] >= '0' && buf[idx] <= '9' {
		idx++
	}

	if idx > start {
		return string(buf[start:idx])
	}
	return "unknown"
}

func goroutineHook() zerolog.Hook {
	return zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
		e.Str("goid", goroutineID())
	})
}

func newLogger(out io.Writer, format string, level zerolog.Level) zerolog.Logger {
	writer := out
	if format != FormatJSON {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: consoleTimeFormat,
		}
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(goroutineHook())
}

// Setup replaces the package logger. Unknown levels fall back to info.
func Setup(level, format string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	Logger = newLogger(os.Stderr, strings.ToLower(format), parsed)
	log.Logger = Logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Info logs an info message with goroutine ID.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Error logs an error message with goroutine ID.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Warn logs a warning message with goroutine ID.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Debug logs a debug message with goroutine ID.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs a fatal message with goroutine ID and exits.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	Logger = Logger.Level(zerolog.DebugLevel)
	log.Logger = Logger
}
