package atomic

import (
	"github.com/sirupsen/logrus"
)

// LogLevel mirrors the minimal leveled-logging contract the core calls
// against throughout: every log call names a level and a message, with an
// even number of trailing key/value pairs.
type LogLevel int8

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the logging capability the core depends on. It is intentionally
// small: callers that already have a structured logger (logrus, zap, slog)
// can adapt it in a few lines; NewLogrusLogger does exactly that for the
// common case.
type Logger interface {
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// nopLogger discards everything; used as the zero-value default so core
// types are usable without explicit logger configuration.
type nopLogger struct{}

func (nopLogger) Log(LogLevel, string, ...interface{}) {}

// NewLogrusLogger adapts a *logrus.Logger (or logrus.StandardLogger() if nil)
// to the Logger interface.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrusLogger{l}
}

type logrusLogger struct{ l *logrus.Logger }

func (lg logrusLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[key] = keyvals[i+1]
	}
	entry := lg.l.WithFields(fields)
	switch level {
	case LogLevelError:
		entry.Error(msg)
	case LogLevelWarn:
		entry.Warn(msg)
	case LogLevelInfo:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
