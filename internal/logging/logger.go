// Package logging builds the process zap logger and holds the global
// instance used by code without a logger of its own.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/wudi/svcgate/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalMu     sync.RWMutex
	globalLogger = zap.Must(zap.NewProduction())
	globalLevel  = zap.NewAtomicLevel()
)

// Rotation configures file rotation when logs go to a file.
type Rotation struct {
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	LocalTime  bool
}

// Options controls how a logger is built.
type Options struct {
	Level    string
	Output   string // "stdout", "stderr" or a file path
	Rotation Rotation
}

// ParseLevel maps a level name to a zap level. Unknown names are info.
func ParseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l > zapcore.ErrorLevel {
		return zapcore.InfoLevel
	}
	return l
}

// New creates a JSON logger at level writing to stdout.
func New(level string) (*zap.Logger, error) {
	return NewWithOptions(Options{Level: level})
}

// NewWithOptions creates a JSON logger with its own fixed level.
func NewWithOptions(opts Options) (*zap.Logger, error) {
	return build(opts, zap.NewAtomicLevelAt(ParseLevel(opts.Level)))
}

// Configure builds the process logger from cfg, installs it as the global
// logger and returns it. Its level follows later SetLevel calls.
func Configure(cfg config.LoggingConfig) (*zap.Logger, error) {
	globalLevel.SetLevel(ParseLevel(cfg.Level))
	l, err := build(Options{
		Level:  cfg.Level,
		Output: cfg.Output,
		Rotation: Rotation{
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
			Compress:   cfg.Rotation.Compress,
			LocalTime:  cfg.Rotation.LocalTime,
		},
	}, globalLevel)
	if err != nil {
		return nil, err
	}
	SetGlobal(l)
	return l, nil
}

// SetLevel changes the level of the logger built by Configure.
func SetLevel(level string) {
	globalLevel.SetLevel(ParseLevel(level))
}

// Level reports the current level of the logger built by Configure.
func Level() zapcore.Level {
	return globalLevel.Level()
}

func build(opts Options, level zap.AtomicLevel) (*zap.Logger, error) {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink(opts), level)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

func sink(opts Options) zapcore.WriteSyncer {
	switch opts.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	r := opts.Rotation
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.Output,
		MaxSize:    r.MaxSize,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAge,
		Compress:   r.Compress,
		LocalTime:  r.LocalTime,
	})
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal replaces the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

func Info(msg string, fields ...zap.Field) { Global().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { Global().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Global().Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Global().Debug(msg, fields...) }

// With returns a child of the global logger.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Sync flushes buffered entries of the global logger.
func Sync() {
	_ = Global().Sync()
}
