package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Line Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// levelTags are the fixed width tags written in front of every line
var levelTags = map[logger.LogLevel]string{
	logger.CRITICAL: "CRIT ",
	logger.ERROR:    "ERROR",
	logger.WARNING:  "WARN ",
	logger.INFO:     "INFO ",
	logger.DEBUG:    "DEBUG",
}

// lineWriter serializes the lines of all loggers onto one output
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
	buf []byte
}

func (w *lineWriter) writeLine(tag, name, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = time.Now().AppendFormat(w.buf[:0], "2006/01/02 15:04:05")
	w.buf = fmt.Appendf(w.buf, " %s | %-15s | %s", tag, name, msg)
	if !strings.HasSuffix(msg, "\n") {
		w.buf = append(w.buf, '\n')
	}
	_, _ = w.out.Write(w.buf)
}

// lineLogger writes one line per message, a message below the level is dropped
type lineLogger struct {
	name  string
	level atomic.Int32
	w     *lineWriter
}

func (l *lineLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *lineLogger) logf(level logger.LogLevel, format string, args []any) {
	if logger.LogLevel(l.level.Load()) < level {
		return
	}
	l.w.writeLine(levelTags[level], l.name, fmt.Sprintf(format, args...))
}

func (l *lineLogger) Debugf(format string, args ...any)   { l.logf(logger.DEBUG, format, args) }
func (l *lineLogger) Infof(format string, args ...any)    { l.logf(logger.INFO, format, args) }
func (l *lineLogger) Warningf(format string, args ...any) { l.logf(logger.WARNING, format, args) }
func (l *lineLogger) Errorf(format string, args ...any)   { l.logf(logger.ERROR, format, args) }

// Panicf always panics, the message is logged first if the level allows it
func (l *lineLogger) Panicf(format string, args ...any) {
	l.logf(logger.CRITICAL, format, args)
	panic(fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// output is shared by every logger created by CreateLogger
var output = &lineWriter{out: os.Stdout}

// CreateLogger is the logger.Factory installed by InitLoggers
func CreateLogger(pkgName string) logger.ILogger {
	l := &lineLogger{name: pkgName, w: output}
	l.SetLevel(logger.INFO)
	return l
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// knownLoggers are the dragonboat internals followed by the loggers of this module
var knownLoggers = []string{
	"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb",
	"storage", "query", "pebblekv", "raftkv", "rpc", "transport/rpc", "cli",
}

var factoryOnce sync.Once

// InitLoggers installs the line logger factory and sets the level of all known loggers.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	for _, name := range knownLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
