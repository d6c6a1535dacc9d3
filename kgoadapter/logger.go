package kgoadapter

import (
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mu-l/kafkalistener/klog"
)

// kgoLogger adapts a klog.Logger to kgo.Logger so every client this package
// builds logs through the same collaborator the rest of the module uses,
// rather than franz-go's own basic stderr logger.
type kgoLogger struct {
	log klog.Logger
}

func newKgoLogger(log klog.Logger) kgoLogger {
	if log == nil {
		log = klog.Nop{}
	}
	return kgoLogger{log: log}
}

func (l kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l.log.Log(fromKgoLevel(level), msg, keyvals...)
}

func fromKgoLevel(level kgo.LogLevel) klog.Level {
	switch level {
	case kgo.LogLevelDebug:
		return klog.LevelDebug
	case kgo.LogLevelWarn:
		return klog.LevelWarn
	case kgo.LogLevelError:
		return klog.LevelError
	default:
		return klog.LevelInfo
	}
}
