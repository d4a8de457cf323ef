// Package log provides the process-wide structured logger.
package log

import (
	"sync"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger
)

// GetLogger returns the global logger. Before Init it returns a console
// logger at info level so that packages remain usable from tests.
func GetLogger() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newLogrusAdapter(DefaultConfig(), NewMultiWriter().AddConsoleAppender())
	}
	return logger
}

// Init configures the global logger once. Subsequent calls are no-ops.
func Init(cfg *LoggerConfig) error {
	var err error
	once.Do(func() {
		var l Logger
		l, err = initByConfig(cfg)
		if err != nil {
			return
		}
		mu.Lock()
		logger = l
		mu.Unlock()
	})
	return err
}

// Component returns the global logger tagged with a component field.
func Component(name string) Logger {
	return GetLogger().WithField("component", name)
}
