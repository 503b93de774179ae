// Package logger provides structured logging for TreeStore
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with TreeStore-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "treestore").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// CacheLogger returns a logger for page cache operations
func (l *Logger) CacheLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "pagecache").
			Str("operation", operation).
			Logger(),
	}
}

// WalLogger returns a logger for write-ahead-log operations
func (l *Logger) WalLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "wal").
			Str("operation", operation).
			Logger(),
	}
}

// TxnLogger returns a logger for atomic-operation lifecycle events
func (l *Logger) TxnLogger(opID uint64) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "txn").
			Uint64("op_id", opID).
			Logger(),
	}
}

// TreeLogger returns a logger for a specific tree/directory/position-map
// instance, identified by its backing file name.
func (l *Logger) TreeLogger(kind, name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", kind).
			Str("tree", name).
			Logger(),
	}
}

// LogWalAppend logs one WAL record append with structured fields
func (l *Logger) LogWalAppend(kind string, lsn uint64, bytes int, err error) {
	event := l.zlog.Debug().
		Str("component", "wal").
		Str("kind", kind).
		Uint64("lsn", lsn).
		Int("bytes", bytes)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "wal").
			Str("kind", kind).
			Err(err)
	}

	event.Msg("WAL append")
}

// LogTxnOutcome logs an atomic operation's commit or rollback
func (l *Logger) LogTxnOutcome(opID uint64, committed bool, duration time.Duration, err error) {
	outcome := "commit"
	if !committed {
		outcome = "rollback"
	}
	event := l.zlog.Info().
		Str("component", "txn").
		Uint64("op_id", opID).
		Str("outcome", outcome).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "txn").
			Uint64("op_id", opID).
			Str("outcome", outcome).
			Err(err)
	}

	event.Msg("atomic operation completed")
}

// LogEngineStart logs engine startup
func (l *Logger) LogEngineStart(dataDir string, pageSize int) {
	l.zlog.Info().
		Str("event", "engine_start").
		Str("data_dir", dataDir).
		Int("page_size", pageSize).
		Msg("TreeStore engine starting")
}

// LogEngineReady logs when the engine has finished recovery and is ready
func (l *Logger) LogEngineReady() {
	l.zlog.Info().
		Str("event", "engine_ready").
		Msg("TreeStore engine ready")
}

// LogEngineShutdown logs engine shutdown
func (l *Logger) LogEngineShutdown() {
	l.zlog.Info().
		Str("event", "engine_shutdown").
		Msg("TreeStore engine shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
