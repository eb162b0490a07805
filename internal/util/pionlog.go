package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory returns a logging.LoggerFactory that routes pion's
// internal logs (ICE, DTLS, SCTP, ...) through the pterm logger. Trace output
// is discarded; debug output only shows up when EnableDebug was called.
func PionLoggerFactory() logging.LoggerFactory {
	return pionFactory{}
}

type pionFactory struct{}

func (pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (l *pionLogger) prefix(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l *pionLogger) Trace(string)                  {}
func (l *pionLogger) Tracef(string, ...interface{}) {}

func (l *pionLogger) Debug(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

// pion is chatty at info level; demote it to debug.
func (l *pionLogger) Info(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Warn(msg string) { LogWarning("%s", l.prefix(msg)) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Error(msg string) { LogError("%s", l.prefix(msg)) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("%s", l.prefix(fmt.Sprintf(format, args...)))
}
