// Package logger wraps zerolog with the node's logging configuration:
// leveled JSON or console output, optional size-based file rotation, and
// component-scoped child loggers for the background drivers.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"threshold-federation/internal/types"
)

// Logger wraps a configured zerolog root logger.
type Logger struct {
	zlog   zerolog.Logger
	config types.LoggingConfig
}

var globalLogger *Logger

// Init initializes the global logger with the given configuration
func Init(config types.LoggingConfig) error {
	logger, err := New(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// New creates a new logger instance from the logging configuration
func New(config types.LoggingConfig) (*Logger, error) {
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var writers []io.Writer

	if config.ConsoleOutput {
		var consoleWriter io.Writer = os.Stdout
		if config.Format == "text" {
			consoleWriter = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, consoleWriter)
	}

	if config.FileOutput {
		if config.FileName == "" {
			return nil, fmt.Errorf("file_name is required when file_output is enabled")
		}

		maxSizeMB, err := parseMaxSize(config.FileMaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid file_max_size: %w", err)
		}

		execDir, err := getExecutableDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename: filepath.Join(execDir, config.FileName),
			MaxSize:  maxSizeMB, // megabytes
			Compress: true,
		}
		writers = append(writers, fileWriter)
	}

	if len(writers) == 0 {
		// If no output is configured, default to console
		writers = append(writers, os.Stdout)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	zlogger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{
		zlog:   zlogger,
		config: config,
	}, nil
}

// Component returns a child logger tagged with the given component name.
// Background drivers log through component loggers so every line carries a
// stable component field.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Component returns a component-scoped child of the global logger. If the
// global logger was never initialized it returns a disabled logger rather
// than panicking, so packages can be tested in isolation.
func Component(name string) zerolog.Logger {
	if globalLogger == nil {
		return zerolog.Nop()
	}
	return globalLogger.Component(name)
}

// Root returns the global root logger.
func Root() zerolog.Logger {
	if globalLogger == nil {
		return zerolog.Nop()
	}
	return globalLogger.zlog
}

// parseLogLevel converts a level string to a zerolog level
func parseLogLevel(levelStr string) (zerolog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// parseMaxSize converts a size string (e.g., "10MB") to megabytes
func parseMaxSize(sizeStr string) (int, error) {
	if sizeStr == "" {
		return 10, nil // default 10MB
	}

	sizeStr = strings.ToUpper(sizeStr)
	sizeStr = strings.TrimSuffix(sizeStr, "MB")
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %s", sizeStr)
	}
	return size, nil
}

// getExecutableDir returns the directory containing the executable
func getExecutableDir() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(execPath), nil
}
