package valkey

import (
	"sync"

	"opclink/config"
)

// Manager fans publishes out to every configured Valkey instance and
// keeps the shared write-back callbacks applied to each publisher.
type Manager struct {
	publishers []*Publisher
	namespace  string
	mu         sync.RWMutex

	writeHandler      func(serverName, tagName string, value interface{}) error
	writeValidator    func(serverName, tagName string) bool
	onConnectCallback func()
}

// NewManager creates a Valkey manager. Every publisher it creates keys
// its data under the given namespace.
func NewManager(namespace string) *Manager {
	return &Manager{namespace: namespace}
}

// wire applies the shared callbacks to a publisher. Caller holds m.mu.
func (m *Manager) wire(pub *Publisher) {
	pub.SetWriteHandler(m.writeHandler)
	pub.SetWriteValidator(m.writeValidator)
	pub.SetOnConnectCallback(m.onConnectCallback)
}

// snapshot copies the publisher list so callers can iterate without
// holding the lock across Start/Stop/Publish calls.
func (m *Manager) snapshot() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, len(m.publishers))
	copy(out, m.publishers)
	return out
}

// LoadFromConfig creates a publisher per configured instance.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range configs {
		pub := NewPublisher(&configs[i], m.namespace)
		m.wire(pub)
		m.publishers = append(m.publishers, pub)
	}
}

// Add creates and registers a publisher for the given instance.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace)
	m.wire(pub)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove unregisters the named publisher and stops it. Returns false
// when no publisher has that name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var removed *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			removed = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	// Stop outside the lock; it blocks on the subscriber goroutine.
	removed.Stop()
	return true
}

// Get returns the named publisher, or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	return m.snapshot()
}

// Start starts the named publisher. Unknown names are a no-op.
func (m *Manager) Start(name string) error {
	pub := m.Get(name)
	if pub == nil {
		return nil
	}
	return pub.Start()
}

// Stop stops the named publisher. Unknown names are a no-op.
func (m *Manager) Stop(name string) error {
	pub := m.Get(name)
	if pub == nil {
		return nil
	}
	return pub.Stop()
}

// StartAll starts every enabled publisher and reports how many came up.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.snapshot() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			continue
		}
		debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
		started++
	}
	return started
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, pub := range m.snapshot() {
		pub.Stop()
	}
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Publish sends a tag value to every running publisher.
func (m *Manager) Publish(serverName, tagName, value, quality, timestamp string, writable bool) {
	publishers := m.snapshot()
	if len(publishers) == 0 {
		return
	}

	running := 0
	for _, pub := range publishers {
		if !pub.IsRunning() {
			continue
		}
		running++
		if err := pub.Publish(serverName, tagName, value, quality, timestamp, writable); err != nil {
			debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
		}
	}
	if running == 0 {
		debugLog("Manager.Publish: no publishers running")
	}
}

// PublishHealth sends server health status to every running publisher.
func (m *Manager) PublishHealth(serverName, progID string, online bool, status, errMsg string) {
	for _, pub := range m.snapshot() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishHealth(serverName, progID, online, status, errMsg); err != nil {
			debugLog("Valkey health publish error (%s): %v", pub.config.Name, err)
		}
	}
}

// SetWriteHandler sets the write handler on all current and future publishers.
func (m *Manager) SetWriteHandler(handler func(serverName, tagName string, value interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator on all current and future publishers.
func (m *Manager) SetWriteValidator(validator func(serverName, tagName string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeValidator = validator
	for _, pub := range m.publishers {
		pub.SetWriteValidator(validator)
	}
}

// SetOnConnectCallback sets the connect hook on all current and future
// publishers. The engine uses it to republish the full tag set after a
// reconnect so keys with expiry come back promptly.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
