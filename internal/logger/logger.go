package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	output io.Writer = io.Discard
	format           = FORMAT_TEXT
	mutex  sync.RWMutex
)

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"

	FORMAT_JSON = "json"
	FORMAT_TEXT = "text"
)

func init() {
	// Default to silent mode (no output)
	SetSilentMode(true)
}

// SetSilentMode configures whether logging should be silent or output to stderr
func SetSilentMode(silent bool) {
	mutex.Lock()
	defer mutex.Unlock()

	if silent {
		output = io.Discard
	} else {
		output = os.Stderr
	}
	rebuild()

	// Set default level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetFormat switches between console ("text") and structured ("json") output
func SetFormat(f string) {
	mutex.Lock()
	defer mutex.Unlock()

	if f != FORMAT_JSON {
		f = FORMAT_TEXT
	}
	format = f
	rebuild()
}

// SetOutput redirects log output, mainly for tests
func SetOutput(w io.Writer) {
	mutex.Lock()
	defer mutex.Unlock()

	output = w
	rebuild()
}

func rebuild() {
	w := output
	if format == FORMAT_TEXT && w != io.Discard {
		// Setup console writer for CLI-friendly output
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    w != os.Stderr,
		}
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// New returns a new logger instance
func New() zerolog.Logger {
	mutex.RLock()
	defer mutex.RUnlock()
	return logger
}

// GetLogger returns a logger tagged with the component name
func GetLogger(component string) zerolog.Logger {
	mutex.RLock()
	defer mutex.RUnlock()
	return logger.With().Str("component", component).Logger()
}

// SetLevel sets the global log level
func SetLevel(level string) {
	switch level {
	case LOG_DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LOG_INFO:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case LOG_WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LOG_ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Info logs an info message
func Info(msg string) {
	l := New()
	l.Info().Msg(msg)
}

// Debug logs a debug message
func Debug(msg string) {
	l := New()
	l.Debug().Msg(msg)
}

// Error logs an error message
func Error(err error, msg string) {
	l := New()
	l.Error().Err(err).Msg(msg)
}

// Warn logs a warning message
func Warn(msg string) {
	l := New()
	l.Warn().Msg(msg)
}
