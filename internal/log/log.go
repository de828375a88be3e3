// Package log provides the structured logger shared by every core component.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls logger initialization.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)initializes the global logger. Called once at process start from
// cmd/datallog, after environment variables and flags have been parsed.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// TeeToFile adds a second JSON-line sink at dir/datallog.log, matching the
// append-only diagnostic log layout described for ../datallog.log. Errors
// opening the file are swallowed — a missing log directory must never abort
// an execution.
func TeeToFile(dir string) {
	if dir == "" {
		return
	}
	f, err := os.OpenFile(dir+"/datallog.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		Logger.Warn().Err(err).Str("dir", dir).Msg("could not open log-to-dir sink")
		return
	}
	multi := zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, f)
	Logger = zerolog.New(multi).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkItem returns a child logger tagged with work-item lineage fields.
func WithWorkItem(workID string, stepIndex int) zerolog.Logger {
	return Logger.With().Str("work_id", workID).Int("step_index", stepIndex).Logger()
}

// WithWorker returns a child logger tagged with a worker id.
func WithWorker(workerID int) zerolog.Logger {
	return Logger.With().Int("worker_id", workerID).Logger()
}
