package test

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set: 1 logs at info, 2 at debug and 3 at trace level.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogRecorder is a logrus hook keeping the messages of every entry, so tests
// can check what was logged. It is safe for concurrent use.
type LogRecorder struct {
	mu      sync.Mutex
	entries []string
}

// NewRecordingLogger returns a logger like NewLogger with a LogRecorder
// attached.
func NewRecordingLogger() (*logrus.Logger, *LogRecorder) {
	l := NewLogger()
	r := &LogRecorder{}
	l.AddHook(r)
	return l, r
}

func (r *LogRecorder) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (r *LogRecorder) Fire(e *logrus.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e.Level.String()+": "+e.Message)
	return nil
}

// Contains reports whether an entry at level with a message containing msg
// was logged.
func (r *LogRecorder) Contains(level logrus.Level, msg string) bool {
	return r.Count(level, msg) > 0
}

// Count returns how many entries at level had a message containing msg.
func (r *LogRecorder) Count(level logrus.Level, msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := level.String() + ": "
	n := 0
	for _, e := range r.entries {
		if strings.HasPrefix(e, prefix) && strings.Contains(e[len(prefix):], msg) {
			n++
		}
	}
	return n
}
