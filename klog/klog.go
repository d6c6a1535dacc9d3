// Package klog defines the logging collaborator the rest of this module is
// built against. The interface shape is the teacher's own: franz-go's
// kgo.Logger is a single Log(level, msg, keyvals...) method, accepted as a
// constructor option rather than hard-wired to a concrete logging library.
// klog.Zap is the production binding, backed by go.uber.org/zap, matching
// the logging stack every Kafka-adjacent example in the retrieval corpus
// that also depends on franz-go carries alongside it (ceyewan-gochat,
// turtacn-KeyIP-Intelligence, tjhop-mimir, ...).
package klog

import "go.uber.org/zap"

// Level is a log severity, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger is the structured-logging collaborator accepted throughout this
// module. keyvals is an alternating key/value list, exactly as franz-go's
// own Logger interface expects.
type Logger interface {
	Log(level Level, msg string, keyvals ...any)
}

// Nop discards everything. It is the zero-value default so containers and
// factories are usable without any logging wiring.
type Nop struct{}

func (Nop) Log(Level, string, ...any) {}

// Zap adapts a *zap.SugaredLogger to the Logger interface.
type Zap struct {
	S *zap.SugaredLogger
}

// NewZap builds a Zap logger from a *zap.Logger.
func NewZap(z *zap.Logger) Zap {
	return Zap{S: z.Sugar()}
}

func (z Zap) Log(level Level, msg string, keyvals ...any) {
	switch level {
	case LevelDebug:
		z.S.Debugw(msg, keyvals...)
	case LevelWarn:
		z.S.Warnw(msg, keyvals...)
	case LevelError:
		z.S.Errorw(msg, keyvals...)
	default:
		z.S.Infow(msg, keyvals...)
	}
}
