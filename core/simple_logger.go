package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel orders the four levels this package supports.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SimpleLogger is the default Logger/ComponentAwareLogger implementation.
// It writes one JSON object per line to os.Stderr, filtered by
// LOG_LEVEL. It carries no third-party dependency,
// built directly on top of the standard "log" package.
type SimpleLogger struct {
	out       *log.Logger
	level     LogLevel
	component string
}

// NewSimpleLogger builds a SimpleLogger honoring LOG_LEVEL (debug, info,
// warn, error; defaults to info).
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		out:   log.New(os.Stderr, "", 0),
		level: parseLevel(os.Getenv("LOG_LEVEL")),
	}
}

func (l *SimpleLogger) WithComponent(component string) Logger {
	return &SimpleLogger{out: l.out, level: l.level, component: component}
}

func (l *SimpleLogger) log(level LogLevel, name string, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	entry := map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": name,
		"msg":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf("%s %s (unmarshalable fields: %v)", name, msg, err)
		return
	}
	l.out.Println(string(line))
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, "debug", msg, fields) }
func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log(LevelInfo, "info", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log(LevelWarn, "warn", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, "error", msg, fields) }

func withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	if tid, ok := ctx.Value(traceIDKey{}).(string); ok && tid != "" {
		fields["trace_id"] = tid
	}
	return fields
}

func (l *SimpleLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTrace(ctx, fields))
}
func (l *SimpleLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTrace(ctx, fields))
}
func (l *SimpleLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTrace(ctx, fields))
}
func (l *SimpleLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTrace(ctx, fields))
}

var _ ComponentAwareLogger = (*SimpleLogger)(nil)

type traceIDKey struct{}

// ContextWithTraceID returns a context carrying a trace id that
// *WithContext log calls will attach automatically.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext extracts a trace id previously attached with
// ContextWithTraceID, if any.
func TraceIDFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(traceIDKey{}).(string)
	return tid
}

func fieldsOrEmpty(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	return fmt.Sprintf(" %v", fields)
}
