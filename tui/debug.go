package tui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// LogMessage is a single entry in the debug store.
type LogMessage struct {
	Timestamp time.Time
	Message   string
}

// DebugLogStore buffers runtime log lines for the debug tab. It exists
// so the engine can log before the TUI (or without a TUI) is up.
type DebugLogStore struct {
	mu       sync.RWMutex
	messages []LogMessage
	maxLines int
	listener func(LogMessage)
}

var globalDebugStore *DebugLogStore
var storeOnce sync.Once

// InitDebugStore initializes the global debug store. Call once at startup.
func InitDebugStore(maxLines int) {
	storeOnce.Do(func() {
		globalDebugStore = &DebugLogStore{maxLines: maxLines}
	})
}

// GetDebugStore returns the global store, or nil before InitDebugStore.
func GetDebugStore() *DebugLogStore {
	return globalDebugStore
}

// Log appends a formatted message and notifies the listener.
func (s *DebugLogStore) Log(format string, args ...interface{}) {
	if s == nil {
		return
	}
	msg := LogMessage{
		Timestamp: time.Now(),
		Message:   fmt.Sprintf(format, args...),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	if s.maxLines > 0 && len(s.messages) > s.maxLines {
		s.messages = s.messages[len(s.messages)-s.maxLines:]
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(msg)
	}
}

// Snapshot returns a copy of the buffered messages.
func (s *DebugLogStore) Snapshot() []LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *DebugLogStore) setListener(fn func(LogMessage)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// DebugTab streams the engine's log output.
type DebugTab struct {
	app  *App
	view *tview.TextView
}

// NewDebugTab creates the debug tab and subscribes it to the store.
func NewDebugTab(app *App) *DebugTab {
	t := &DebugTab{app: app}

	t.view = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(2000)
	t.view.SetBorder(true).SetTitle(" Debug Log ")

	if store := GetDebugStore(); store != nil {
		for _, msg := range store.Snapshot() {
			fmt.Fprintf(t.view, "%s %s\n", msg.Timestamp.Format("15:04:05"), msg.Message)
		}
		store.setListener(func(msg LogMessage) {
			app.QueueUpdateDraw(func() {
				fmt.Fprintf(t.view, "%s %s\n", msg.Timestamp.Format("15:04:05"), msg.Message)
				t.view.ScrollToEnd()
			})
		})
	}

	return t
}

// GetPrimitive returns the tab's root primitive.
func (t *DebugTab) GetPrimitive() tview.Primitive {
	return t.view
}
