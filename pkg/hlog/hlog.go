// Package hlog provides the process-wide structured logger shared by
// hobbesd and hobbesctl.
package hlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. Init must be called before
	// any component logger is derived from it.
	Logger zerolog.Logger
)

// Level names accepted in configuration files and CLI flags.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets up the global logger. Call once at process start, before any
// goroutine derives a child logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the subsystem name
// (registry, allocator, hcq, notifier, lifecycle, inittask, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithEnclave creates a child logger tagged with an enclave id.
func WithEnclave(enclaveID uint64) zerolog.Logger {
	return Logger.With().Uint64("enclave_id", enclaveID).Logger()
}

// WithApp creates a child logger tagged with an application id.
func WithApp(appID uint64) zerolog.Logger {
	return Logger.With().Uint64("app_id", appID).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
