package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...any)

	// Log formatted messages with level ERROR
	Errorf(string, ...any)

	// Log with level WARN
	Warn(...any)

	// Log formatted messages with level WARN
	Warnf(string, ...any)

	// Log with level INFO
	Info(...any)

	// Log formatted messages with level INFO
	Infof(string, ...any)

	// Log with level DEBUG
	Debug(...any)

	// Log formatted messages with level DEBUG
	Debugf(string, ...any)

	// Returns a logger with the fields attached to every entry.
	WithFields(map[string]any) Logger
}

// DefaultLog provides a default implementation of the Logger interface.
// Its zero value logs to the standard logrus logger.
type DefaultLog struct {
	entry *logrus.Entry
}

// New returns a logger writing with the standard logrus logger.
func New() *DefaultLog {
	return &DefaultLog{}
}

func (dl *DefaultLog) log() logrus.FieldLogger {
	if dl.entry == nil {
		return logrus.StandardLogger()
	}

	return dl.entry
}

func (dl *DefaultLog) Error(a ...any)            { dl.log().Error(a...) }
func (dl *DefaultLog) Errorf(f string, a ...any) { dl.log().Errorf(f, a...) }
func (dl *DefaultLog) Warn(a ...any)             { dl.log().Warn(a...) }
func (dl *DefaultLog) Warnf(f string, a ...any)  { dl.log().Warnf(f, a...) }
func (dl *DefaultLog) Info(a ...any)             { dl.log().Info(a...) }
func (dl *DefaultLog) Infof(f string, a ...any)  { dl.log().Infof(f, a...) }
func (dl *DefaultLog) Debug(a ...any)            { dl.log().Debug(a...) }
func (dl *DefaultLog) Debugf(f string, a ...any) { dl.log().Debugf(f, a...) }

func (dl *DefaultLog) WithFields(fields map[string]any) Logger {
	return &DefaultLog{entry: dl.log().WithFields(logrus.Fields(fields))}
}
