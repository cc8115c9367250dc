// Package logger provides component-tagged structured logging on top of zap.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	for level, name := range levelNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return level
		}
	}
	return INFO
}

// Options configures the global logger.
type Options struct {
	Level  string
	Format string // console | json
	Output string // stdout | stderr | file path
}

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base   = newLogger(zapcore.NewConsoleEncoder(encoderConfig("console")), zapcore.AddSync(os.Stderr))
	closer func() error
)

func encoderConfig(format string) zapcore.EncoderConfig {
	var cfg zapcore.EncoderConfig
	if format == "json" {
		cfg = zap.NewProductionEncoderConfig()
	} else {
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func newLogger(enc zapcore.Encoder, ws zapcore.WriteSyncer) *zap.Logger {
	return zap.New(zapcore.NewCore(enc, ws, level))
}

// Configure replaces the global logger according to opts.
func Configure(opts Options) error {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encoderConfig(format))
	} else {
		enc = zapcore.NewConsoleEncoder(encoderConfig(format))
	}

	var ws zapcore.WriteSyncer
	var fileCloser func() error
	switch out := strings.TrimSpace(opts.Output); out {
	case "", "stderr":
		ws = zapcore.AddSync(os.Stderr)
	case "stdout":
		ws = zapcore.AddSync(os.Stdout)
	default:
		f, err := os.OpenFile(out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		ws = zapcore.AddSync(f)
		fileCloser = f.Close
	}

	if opts.Level != "" {
		SetLevel(ParseLevel(opts.Level))
	}

	mu.Lock()
	prev := closer
	base = newLogger(enc, ws)
	closer = fileCloser
	mu.Unlock()
	if prev != nil {
		_ = prev()
	}
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

func SetLevel(l LogLevel) {
	switch l {
	case DEBUG:
		level.SetLevel(zapcore.DebugLevel)
	case WARN:
		level.SetLevel(zapcore.WarnLevel)
	case ERROR:
		level.SetLevel(zapcore.ErrorLevel)
	case FATAL:
		level.SetLevel(zapcore.FatalLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	case zapcore.FatalLevel:
		return FATAL
	default:
		return INFO
	}
}

func toFields(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		out = append(out, zap.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func logAt(lvl zapcore.Level, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if ce := l.Check(lvl, msg); ce != nil {
		ce.Write(toFields(component, fields)...)
	}
}

func Debug(msg string) { logAt(zapcore.DebugLevel, "", msg, nil) }
func DebugC(component, msg string) { logAt(zapcore.DebugLevel, component, msg, nil) }
func DebugF(msg string, fields map[string]interface{}) { logAt(zapcore.DebugLevel, "", msg, fields) }
func DebugCF(component, msg string, f map[string]interface{}) { logAt(zapcore.DebugLevel, component, msg, f) }

func Info(msg string) { logAt(zapcore.InfoLevel, "", msg, nil) }
func InfoC(component, msg string) { logAt(zapcore.InfoLevel, component, msg, nil) }
func InfoF(msg string, fields map[string]interface{}) { logAt(zapcore.InfoLevel, "", msg, fields) }
func InfoCF(component, msg string, f map[string]interface{}) { logAt(zapcore.InfoLevel, component, msg, f) }

func Warn(msg string) { logAt(zapcore.WarnLevel, "", msg, nil) }
func WarnC(component, msg string) { logAt(zapcore.WarnLevel, component, msg, nil) }
func WarnF(msg string, fields map[string]interface{}) { logAt(zapcore.WarnLevel, "", msg, fields) }
func WarnCF(component, msg string, f map[string]interface{}) { logAt(zapcore.WarnLevel, component, msg, f) }

func Error(msg string) { logAt(zapcore.ErrorLevel, "", msg, nil) }
func ErrorC(component, msg string) { logAt(zapcore.ErrorLevel, component, msg, nil) }
func ErrorF(msg string, fields map[string]interface{}) { logAt(zapcore.ErrorLevel, "", msg, fields) }
func ErrorCF(component, msg string, f map[string]interface{}) { logAt(zapcore.ErrorLevel, component, msg, f) }
