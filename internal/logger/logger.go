// Package logger wraps slog with category-gated debug helpers for the
// pieces of the RAOP pipeline that get noisy fast: the RTSP wire, the M4A
// box walk, and the audio pump's per-frame loop.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level represents the logging verbosity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category names a specific subsystem that can be debug-traced independently.
type Category string

const (
	CategoryRTSP  Category = "rtsp"
	CategoryM4A   Category = "m4a"
	CategoryAudio Category = "audio"
	CategoryAll   Category = "all"
)

// Format determines the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             Level
	Format            Format
	OutputFile        string
	EnabledCategories map[Category]bool
	mu                sync.RWMutex
}

// NewConfig creates a new logger configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[Category]bool),
	}
}

// ParseLevel converts a string to Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to Format.
func ParseFormat(format string) (Format, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts Level to slog.Level.
func (l Level) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnableCategory enables a specific debug category.
func (c *Config) EnableCategory(category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == CategoryAll {
		c.EnabledCategories[CategoryRTSP] = true
		c.EnabledCategories[CategoryM4A] = true
		c.EnabledCategories[CategoryAudio] = true
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled reports whether a debug category is enabled.
func (c *Config) IsCategoryEnabled(category Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// Logger wraps slog.Logger with category-based debugging.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// New creates a new Logger instance from the given configuration.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.ToSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler), config: cfg, file: file}, nil
}

// Close closes the log file if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a new Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

// DebugRTSP logs wire-level RTSP detail if the rtsp category is enabled.
func (l *Logger) DebugRTSP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategoryRTSP) {
		l.Debug(msg, append([]any{"category", "rtsp"}, args...)...)
	}
}

// DebugM4A logs box-walk detail if the m4a category is enabled.
func (l *Logger) DebugM4A(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategoryM4A) {
		l.Debug(msg, append([]any{"category", "m4a"}, args...)...)
	}
}

// DebugAudio logs per-frame pump detail if the audio category is enabled.
func (l *Logger) DebugAudio(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategoryAudio) {
		l.Debug(msg, append([]any{"category", "audio"}, args...)...)
	}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault sets the package-level default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// Default returns the default logger, creating a bare one if necessary.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger != nil {
			return
		}
		cfg := NewConfig()
		l, err := New(cfg)
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: cfg}
		}
		defaultLogger = l
	})
	return defaultLogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
