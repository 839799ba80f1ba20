// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "tradewatch", "logs", "tradewatch.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		writers = append(writers, consoleWriter)
	}

	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithPlanID adds a plan ID to the logger context.
func WithPlanID(logger zerolog.Logger, planID string) zerolog.Logger {
	return logger.With().Str("plan_id", planID).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogExecution logs an order execution event.
func LogExecution(logger zerolog.Logger, planID, symbol, side string, volume, price float64, ticket string) {
	logger.Info().
		Str("event", "execution").
		Str("plan_id", planID).
		Str("symbol", symbol).
		Str("side", side).
		Float64("volume", volume).
		Float64("price", price).
		Str("ticket", ticket).
		Msg("Order executed")
}

// LogTransition logs a plan status transition.
func LogTransition(logger zerolog.Logger, planID, from, to, reason string) {
	logger.Info().
		Str("event", "transition").
		Str("plan_id", planID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Plan status changed")
}

// LogCycle logs the outcome of one monitoring cycle.
func LogCycle(logger zerolog.Logger, evaluated, skipped, matched int, duration time.Duration) {
	logger.Debug().
		Str("event", "cycle").
		Int("evaluated", evaluated).
		Int("skipped", skipped).
		Int("matched", matched).
		Dur("duration", duration).
		Msg("Monitoring cycle completed")
}
