package logger

import "sync/atomic"

type holder struct{ Logger }

var defLogger atomic.Pointer[holder]

func init() {
	defLogger.Store(&holder{NewSlog(InfoLevel, false)})
}

// Debug logs through the default logger.
func Debug(msg string, keysAndValues ...any) { GetLogger().Debug(msg, keysAndValues...) }

// Info logs through the default logger.
func Info(msg string, keysAndValues ...any) { GetLogger().Info(msg, keysAndValues...) }

// Warn logs through the default logger.
func Warn(msg string, keysAndValues ...any) { GetLogger().Warn(msg, keysAndValues...) }

// Error logs through the default logger.
func Error(msg string, keysAndValues ...any) { GetLogger().Error(msg, keysAndValues...) }

// SetLevel changes the level of the default logger.
func SetLevel(level Level) { GetLogger().SetLevel(level) }

// SetLogger replaces the process-wide default logger. Components created
// afterwards without an explicit logger pick it up. A nil l is ignored.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&holder{l})
	}
}

// GetLogger returns the default logger.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

// With returns a child of the default logger.
func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
