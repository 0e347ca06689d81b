package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Subsystem names accepted by the filter. "debug" is the logger's own
// channel and always passes.
var subsystems = []string{
	"opc",
	"worker",
	"browse",
	"opcman",
	"mqtt",
	"kafka",
	"valkey",
	"api",
	"tui",
	"debug",
}

// DebugLogger writes timestamped, subsystem-tagged lines to a session
// log file. It is meant for troubleshooting session failures: connect
// errors, evicted connections, rejected requests.
type DebugLogger struct {
	mu      sync.Mutex
	file    *os.File
	closed  bool
	filters map[string]bool // empty = everything passes
}

// NewDebugLogger opens (and truncates) the log file at path.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}

	l := &DebugLogger{file: file, filters: make(map[string]bool)}
	l.Log("debug", "session started %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter restricts logging to a comma-separated subsystem list.
// An empty filter passes everything. Matching is case-insensitive.
// Selecting "opc" implies "worker" and "browse"; "worker" implies
// "browse", since those subsystems narrate the same request.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}

	for _, name := range strings.Split(filter, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		l.filters[name] = true
		switch name {
		case "opc":
			l.filters["worker"] = true
			l.filters["browse"] = true
		case "worker":
			l.filters["browse"] = true
		}
	}

	if len(l.filters) > 0 {
		active := make([]string, 0, len(l.filters))
		for name := range l.filters {
			active = append(active, name)
		}
		l.write("debug", "filter active: "+strings.Join(active, ", "))
	}
}

// passes reports whether the subsystem clears the current filter.
// Caller holds l.mu.
func (l *DebugLogger) passes(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	name := strings.ToLower(subsystem)
	return l.filters[name] || name == "debug"
}

// write emits one line. Caller holds l.mu.
func (l *DebugLogger) write(subsystem, msg string) {
	stamp := time.Now().Format(stampLayout)
	fmt.Fprintf(l.file, "%s [%s] %s\n", stamp, subsystem, msg)
}

// Log writes a formatted line under the given subsystem tag. Safe on a
// nil receiver so call sites need no guard.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.passes(subsystem) {
		return
	}
	l.write(subsystem, fmt.Sprintf(format, args...))
}

// Close writes a footer and closes the file. Further Log calls are
// dropped.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.write("debug", "session ended")
	return l.file.Close()
}

// The process-wide logger. Nil until SetGlobalDebugLogger; the Debug*
// helpers below no-op in that state, so packages log unconditionally.
var (
	globalDebugMu     sync.RWMutex
	globalDebugLogger *DebugLogger
)

// SetGlobalDebugLogger installs the process-wide debug logger.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog writes to the global logger when one is installed.
func DebugLog(subsystem, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(subsystem, format, args...)
}

// DebugConnect records a connection attempt.
func DebugConnect(subsystem, address string) {
	DebugLog(subsystem, "CONNECT to %s", address)
}

// DebugConnectSuccess records a completed connection.
func DebugConnectSuccess(subsystem, address, details string) {
	DebugLog(subsystem, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError records a failed connection.
func DebugConnectError(subsystem, address string, err error) {
	DebugLog(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect records a dropped or closed connection.
func DebugDisconnect(subsystem, address, reason string) {
	DebugLog(subsystem, "DISCONNECT from %s: %s", address, reason)
}

// DebugError records an error with its context.
func DebugError(subsystem, context string, err error) {
	DebugLog(subsystem, "ERROR in %s: %v", context, err)
}
