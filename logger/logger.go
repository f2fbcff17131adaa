// Package logger provides the node's synchronous logging collaborator:
// six severities dispatched to one of four sinks, matching the contract
// the rest of the node assumes (a fire-and-forget log(level, fmt, ...) call
// that never blocks the IO loop for long).
package logger

import (
	"fmt"
	"io"
	"log/syslog"
	"os"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Severity mirrors the six levels the node logs at. Notice sits between Info
// and Warning and has no native logrus level, so it is carried as an Info
// entry tagged with a "severity" field.
type Severity int

const (
	Debug Severity = iota
	Info
	Notice
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Notice:
		return "notice"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Set parses s's string form, satisfying flag.Value so Severity can be
// registered directly as a -log-severity flag.
func (s *Severity) Set(v string) error {
	switch v {
	case "debug":
		*s = Debug
	case "info":
		*s = Info
	case "notice":
		*s = Notice
	case "warning":
		*s = Warning
	case "error":
		*s = Error
	case "fatal":
		*s = Fatal
	default:
		return fmt.Errorf("logger: unknown severity %q", v)
	}
	return nil
}

// SinkType selects where formatted log entries are written.
type SinkType int

const (
	SinkStdout SinkType = iota
	SinkStderr
	SinkFile
	SinkSyslog
)

func (s SinkType) String() string {
	switch s {
	case SinkStdout:
		return "stdout"
	case SinkStderr:
		return "stderr"
	case SinkFile:
		return "file"
	case SinkSyslog:
		return "syslog"
	default:
		return "unknown"
	}
}

// Set parses s's string form, satisfying flag.Value so SinkType can be
// registered directly as a -log-sink flag.
func (s *SinkType) Set(v string) error {
	switch v {
	case "stdout":
		*s = SinkStdout
	case "stderr":
		*s = SinkStderr
	case "file":
		*s = SinkFile
	case "syslog":
		*s = SinkSyslog
	default:
		return fmt.Errorf("logger: unknown log sink %q", v)
	}
	return nil
}

// Logger is the interface threaded through the node. A Null implementation
// is available for tests that don't care about log output.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Noticef(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	// Enabled reports whether a given severity would actually be emitted,
	// given the configured severity mask.
	Enabled(s Severity) bool
}

// logrusLogger adapts the six-severity contract onto a *logrus.Logger.
type logrusLogger struct {
	l    *logrus.Logger
	mask Severity
	file *os.File
}

// New builds a Logger writing to sink at or above minSeverity. dir is used
// only when sink == SinkFile, as the directory to create "node.log" in.
func New(sink SinkType, minSeverity Severity, dir string) (Logger, error) {
	l := logrus.New()
	l.SetLevel(logrus.TraceLevel) // filtering is done ourselves, by Severity.
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lg := &logrusLogger{l: l, mask: minSeverity}

	switch sink {
	case SinkStdout:
		l.SetOutput(os.Stdout)
	case SinkStderr:
		l.SetOutput(os.Stderr)
	case SinkFile:
		f, err := os.OpenFile(dir+string(os.PathSeparator)+"node.log",
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("logger: opening log file: %w", err)
		}
		l.SetOutput(f)
		lg.file = f
	case SinkSyslog:
		l.SetOutput(io.Discard)
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO, "kadnode")
		if err != nil {
			return nil, fmt.Errorf("logger: connecting to syslog: %w", err)
		}
		l.AddHook(hook)
	}
	return lg, nil
}

func (lg *logrusLogger) Enabled(s Severity) bool { return s >= lg.mask }

func (lg *logrusLogger) Debugf(format string, args ...interface{}) {
	if lg.Enabled(Debug) {
		lg.l.Debugf(format, args...)
	}
}

func (lg *logrusLogger) Infof(format string, args ...interface{}) {
	if lg.Enabled(Info) {
		lg.l.Infof(format, args...)
	}
}

func (lg *logrusLogger) Noticef(format string, args ...interface{}) {
	if lg.Enabled(Notice) {
		lg.l.WithField("severity", "notice").Infof(format, args...)
	}
}

func (lg *logrusLogger) Warningf(format string, args ...interface{}) {
	if lg.Enabled(Warning) {
		lg.l.Warnf(format, args...)
	}
}

func (lg *logrusLogger) Errorf(format string, args ...interface{}) {
	if lg.Enabled(Error) {
		lg.l.Errorf(format, args...)
	}
}

func (lg *logrusLogger) Fatalf(format string, args ...interface{}) {
	// Never os.Exit from inside the library: the IO loop decides shutdown.
	lg.l.Errorf("FATAL: "+format, args...)
}

// NullLogger discards everything. Useful as a test default.
type NullLogger struct{}

func (NullLogger) Debugf(string, ...interface{})   {}
func (NullLogger) Infof(string, ...interface{})    {}
func (NullLogger) Noticef(string, ...interface{})  {}
func (NullLogger) Warningf(string, ...interface{}) {}
func (NullLogger) Errorf(string, ...interface{})   {}
func (NullLogger) Fatalf(string, ...interface{})   {}
func (NullLogger) Enabled(Severity) bool           { return false }
