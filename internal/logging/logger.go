package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"dropdrive/internal/config"
)

// EnterpriseLogger журнал процесса. Транскрипты операций ведутся отдельно.
type EnterpriseLogger struct {
	sugar  *zap.SugaredLogger
	base   *zap.Logger
	rotate *lumberjack.Logger
}

func NewEnterpriseLogger(cfg *config.Config, verbose bool) (*EnterpriseLogger, error) {
	threshold := parseLevel(cfg.Logging.Level)

	// В консоль: всё при verbose, иначе только ошибки
	consoleLevel := zapcore.ErrorLevel
	if verbose {
		consoleLevel = threshold
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), zapcore.Lock(os.Stderr), consoleLevel),
	}

	l := &EnterpriseLogger{}

	// Автоматическое создание директории для логов
	if cfg.Logging.File != "" {
		logDir := filepath.Dir(cfg.Logging.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] cannot create log directory %s: %v, logging to console only\n", logDir, err)
		} else {
			l.rotate = &lumberjack.Logger{
				Filename:   cfg.Logging.File,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxFiles,
				LocalTime:  false,
			}
			var enc zapcore.Encoder
			if cfg.Logging.Structured {
				enc = zapcore.NewJSONEncoder(fileEncoderConfig())
			} else {
				enc = zapcore.NewConsoleEncoder(fileEncoderConfig())
			}
			cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(l.rotate), threshold))
		}
	}

	l.base = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	l.sugar = l.base.Sugar()
	return l, nil
}

// NewNop возвращает логгер, который ничего не пишет
func NewNop() *EnterpriseLogger {
	base := zap.NewNop()
	return &EnterpriseLogger{base: base, sugar: base.Sugar()}
}

// FromZap wraps an existing zap logger, e.g. an observer core in tests.
func FromZap(z *zap.Logger) *EnterpriseLogger {
	base := z.WithOptions(zap.AddCallerSkip(1))
	return &EnterpriseLogger{base: base, sugar: base.Sugar()}
}

// Log пишет запись уровня DEBUG/INFO/WARN/ERROR/FATAL с парами ключ-значение.
// FATAL не завершает процесс.
func (l *EnterpriseLogger) Log(level, message string, fields ...interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.sugar.Debugw(message, fields...)
	case "INFO":
		l.sugar.Infow(message, fields...)
	case "WARN":
		l.sugar.Warnw(message, fields...)
	case "FATAL":
		l.sugar.Errorw(message, append(fields, "severity", "FATAL")...)
	default:
		l.sugar.Errorw(message, fields...)
	}
}

// Named returns a child logger tagged with the component name.
func (l *EnterpriseLogger) Named(component string) *EnterpriseLogger {
	if l == nil {
		return NewNop()
	}
	child := l.base.Named(component)
	return &EnterpriseLogger{base: child, sugar: child.Sugar(), rotate: l.rotate}
}

// Zap exposes the underlying logger.
func (l *EnterpriseLogger) Zap() *zap.Logger {
	return l.base
}

func (l *EnterpriseLogger) Close() error {
	if l == nil || l.base == nil {
		return nil
	}
	_ = l.base.Sync()
	if l.rotate != nil {
		return l.rotate.Close()
	}
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR", "FATAL":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := fileEncoderConfig()
	cfg.TimeKey = "T"
	cfg.LevelKey = "L"
	cfg.NameKey = "N"
	cfg.CallerKey = ""
	cfg.MessageKey = "M"
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}
