package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// stampLayout is the timestamp prefix shared by all log files.
const stampLayout = "2006-01-02 15:04:05.000"

// FileLogger appends timestamped lines to a runtime log file. Unlike
// DebugLogger it never truncates, so one file can span many runs.
// Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log appends one formatted, timestamped line. Calls after Close are
// silently dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", time.Now().Format(stampLayout), fmt.Sprintf(format, args...))
}

// Close closes the file. Subsequent calls are no-ops.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
