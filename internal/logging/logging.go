// Package logging wraps zap for gatehouse's diagnostic output.
//
// Hook processes own stdout: it carries exactly one JSON reply. Every
// diagnostic line therefore goes to stderr, plus an optional debug file
// when configured. CRITICAL is an error-level line tagged critical=true;
// it marks conditions (lock timeout, state save failure) that degrade the
// session rather than the single invocation.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's level, encoding, and optional file sink.
type Config struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"` // console or json
	DebugFile string `mapstructure:"debug_file"`
}

// Logger wraps zap.Logger with gatehouse conventions.
type Logger struct {
	*zap.Logger
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns a process-wide stderr console logger at info level.
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := New(Config{Level: "info", Format: "console"})
		if err != nil {
			l = Nop()
		}
		defaultLogger = l
	})
	return defaultLogger
}

// Nop returns a logger that discards everything. Tests use it.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// New builds a logger from config. An empty DebugFile means stderr only.
func New(cfg Config) (*Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	level := parseLevel(cfg.Level)

	paths := []string{"stderr"}
	if cfg.DebugFile != "" {
		paths = append(paths, cfg.DebugFile)
	}
	sink, _, err := zap.Open(paths...)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{Logger: zap.New(core)}, nil
}

// parseLevel maps a config string to a zap level, defaulting to info.
func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "critical":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithFields returns a child logger carrying the given fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithError returns a child logger carrying the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Error(err))}
}

// Critical logs at error level tagged critical=true.
func (l *Logger) Critical(msg string, fields ...zap.Field) {
	l.Error(msg, append(fields, zap.Bool("critical", true))...)
}
