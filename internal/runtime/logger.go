package runtime

import (
	"fmt"
	"log"
	"os"
)

// Logger is the leveled logging interface every runtime component is
// injected with, grounded on go-mcast's types.Logger / DefaultLogger
// (pkg/mcast/definition/default_logger.go): a small interface wrapping the
// standard library's *log.Logger rather than pulling in a structured-logging
// dependency the rest of the stack does not otherwise need.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

const calldepth = 3

// StdLogger is the default Logger, backed by the standard library's
// *log.Logger. Debug output is off by default.
type StdLogger struct {
	*log.Logger
	debug bool
}

// NewStdLogger builds a StdLogger writing to stderr with a process-scoped
// prefix.
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{Logger: log.New(os.Stderr, prefix+" ", log.LstdFlags)}
}

// ToggleDebug turns Debugf output on or off and returns the new value.
func (l *StdLogger) ToggleDebug(on bool) bool {
	l.debug = on
	return l.debug
}

func (l *StdLogger) Debugf(format string, args ...any) {
	if l.debug {
		l.Output(calldepth, level("DEBUG", fmt.Sprintf(format, args...)))
	}
}

func (l *StdLogger) Infof(format string, args ...any) {
	l.Output(calldepth, level("INFO", fmt.Sprintf(format, args...)))
}

func (l *StdLogger) Warnf(format string, args ...any) {
	l.Output(calldepth, level("WARN", fmt.Sprintf(format, args...)))
}

func (l *StdLogger) Errorf(format string, args ...any) {
	l.Output(calldepth, level("ERROR", fmt.Sprintf(format, args...)))
}

func level(prefix, message string) string {
	return fmt.Sprintf("[%s] %s", prefix, message)
}
