// Package opcman provides OPC server management with background polling.
// All native protocol I/O is funneled through one shared session worker;
// this package owns poll scheduling, value caching, change detection,
// and connection status bookkeeping.
package opcman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"opclink/config"
	"opclink/opcworker"
)

// ConnectionStatus represents the state of a server connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

var (
	pollsTotal       = metrics.NewCounter(`opclink_polls_total`)
	pollChangesTotal = metrics.NewCounter(`opclink_poll_changes_total`)
)

// ManagedServer represents an OPC server under management.
type ManagedServer struct {
	Config    *config.ServerConfig
	Values    map[string]opcworker.TagValue // keyed by publish name
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time
	mu        sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (s *ManagedServer) GetStatus() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// GetError returns the last error thread-safely.
func (s *ManagedServer) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastError
}

// GetValues returns a copy of the current tag values.
func (s *ManagedServer) GetValues() map[string]opcworker.TagValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]opcworker.TagValue, len(s.Values))
	for k, v := range s.Values {
		result[k] = v
	}
	return result
}

// GetLastPoll returns the time of the last successful poll.
func (s *ManagedServer) GetLastPoll() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastPoll
}

// ValueChange represents a tag value that has changed.
type ValueChange struct {
	ServerName string
	TagName    string
	Value      string
	Quality    string
	Timestamp  string
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	LastError    error
}

// serverWorker schedules polling for a single server in its own goroutine.
// The actual reads still run on the shared session worker thread.
type serverWorker struct {
	srv      *ManagedServer
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	// Per-worker stats
	tagsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newServerWorker(srv *ManagedServer, manager *Manager, pollRate time.Duration) *serverWorker {
	if srv.Config.PollRate > 0 {
		pollRate = srv.Config.PollRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &serverWorker{
		srv:      srv,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *serverWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *serverWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *serverWorker) GetStats() (tagsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.tagsPolled, w.changesFound, w.lastError
}

func (w *serverWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *serverWorker) setStats(polled, changed int, err error) {
	w.statsMu.Lock()
	w.tagsPolled = polled
	w.changesFound = changed
	w.lastError = err
	w.statsMu.Unlock()
}

func (w *serverWorker) poll() {
	srv := w.srv

	srv.mu.RLock()
	cfg := srv.Config
	enabled := cfg.Enabled
	serverName := cfg.Name
	progID := cfg.ProgID
	tags := make([]config.TagConfig, len(cfg.Tags))
	copy(tags, cfg.Tags)
	status := srv.Status
	oldValues := make(map[string]opcworker.TagValue, len(srv.Values))
	for k, v := range srv.Values {
		oldValues[k] = v
	}
	srv.mu.RUnlock()

	if !enabled {
		if status != StatusDisconnected {
			srv.mu.Lock()
			srv.Status = StatusDisconnected
			srv.LastError = nil
			srv.mu.Unlock()
			w.manager.markStatusDirty()
		}
		w.setStats(0, 0, nil)
		return
	}

	itemIDs := make([]string, len(tags))
	for i, t := range tags {
		itemIDs[i] = t.ItemID
	}
	if len(itemIDs) == 0 {
		w.setStats(0, 0, nil)
		return
	}

	if status == StatusDisconnected {
		srv.mu.Lock()
		srv.Status = StatusConnecting
		srv.mu.Unlock()
		w.manager.markStatusDirty()
	}

	pollsTotal.Inc()
	values, err := w.manager.opc.ReadTagValues(w.ctx, progID, itemIDs)
	if err != nil {
		srv.mu.Lock()
		srv.Status = StatusError
		srv.LastError = err
		srv.mu.Unlock()

		w.setStats(len(itemIDs), 0, err)
		w.manager.markStatusDirty()
		return
	}

	// Detect changes and update the value cache. The read result is
	// positionally aligned with the item IDs we sent.
	var changes []ValueChange
	srv.mu.Lock()
	for i, v := range values {
		if i >= len(tags) {
			break
		}
		name := tags[i].PublishName()
		old, existed := oldValues[name]
		if !tags[i].IgnoreChanges && (!existed || old.Value != v.Value || old.Quality != v.Quality) {
			changes = append(changes, ValueChange{
				ServerName: serverName,
				TagName:    name,
				Value:      v.Value,
				Quality:    v.Quality,
				Timestamp:  v.Timestamp,
			})
		}
		srv.Values[name] = v
	}
	srv.Status = StatusConnected
	srv.LastError = nil
	srv.LastPoll = time.Now()
	srv.mu.Unlock()

	w.setStats(len(itemIDs), len(changes), nil)

	if len(changes) > 0 {
		pollChangesTotal.Add(len(changes))
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

// Manager manages multiple OPC servers and their polling.
type Manager struct {
	opc *opcworker.Worker

	servers map[string]*ManagedServer
	workers map[string]*serverWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration
	maxBrowseTags int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onChange      func()
	onValueChange func(changes []ValueChange)

	// Batched update channels
	changeChan  chan []ValueChange // Aggregates value changes from workers
	statusDirty int32              // Atomic flag: 1 if UI needs refresh

	// Aggregated stats
	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new server manager on top of the given session worker.
func NewManager(opc *opcworker.Worker, pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Manager{
		opc:           opc,
		servers:       make(map[string]*ManagedServer),
		workers:       make(map[string]*serverWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond, // Batch UI updates every 100ms
		maxBrowseTags: config.DefaultMaxBrowseTags,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetMaxBrowseTags sets the browse result cap used by BrowseServer.
func (m *Manager) SetMaxBrowseTags(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxBrowseTags = n
	}
}

// SetOnChange sets a callback that fires when server status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires when tag values change.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// markStatusDirty signals that the UI needs to be refreshed.
func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddServer adds a server to management.
func (m *Manager) AddServer(cfg *config.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[cfg.Name]; exists {
		return nil // Already exists
	}

	srv := &ManagedServer{
		Config: cfg,
		Status: StatusDisconnected,
		Values: make(map[string]opcworker.TagValue),
	}
	m.servers[cfg.Name] = srv

	// If manager is running, start a worker for this server
	if m.ctx != nil {
		worker := newServerWorker(srv, m, m.pollRate)
		m.workers[cfg.Name] = worker
		worker.Start()
	}

	return nil
}

// RemoveServer removes a server from management.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	_, exists := m.servers[name]
	worker := m.workers[name]
	if exists {
		delete(m.servers, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	// Stop worker outside the lock
	if worker != nil {
		worker.Stop()
	}

	m.markStatusDirty()
	return nil
}

// GetServer returns the managed server with the given name.
func (m *Manager) GetServer(name string) *ManagedServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[name]
}

// ListServers returns all managed servers.
func (m *Manager) ListServers() []*ManagedServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ManagedServer, 0, len(m.servers))
	for _, srv := range m.servers {
		result = append(result, srv)
	}
	return result
}

// Start begins background polling for all servers.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return // Already running
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Start workers for all existing servers
	for name, srv := range m.servers {
		worker := newServerWorker(srv, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	// Start the batched update loop
	m.wg.Add(1)
	go m.batchedUpdateLoop()

	// Start the stats aggregator
	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	// Stop all workers
	workers := make([]*serverWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*serverWorker)
	m.mu.Unlock()

	// Stop workers outside of lock
	for _, w := range workers {
		w.Stop()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and triggers UI updates at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			// Flush any remaining changes
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			// Aggregate changes
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			// Check if status update is needed
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			// Flush pending value changes
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

// flushValueChanges calls the value change callback with accumulated changes.
func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// statsAggregatorLoop periodically aggregates stats from all workers.
func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*serverWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalTags := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		tags, changes, err := w.GetStats()
		totalTags += tags
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		TagsPolled:   totalTags,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	m.statsMu.Unlock()
}

// resolveTag finds the configured tag by publish name or item ID.
func resolveTag(cfg *config.ServerConfig, name string) (config.TagConfig, bool) {
	for _, t := range cfg.Tags {
		if t.PublishName() == name || t.ItemID == name {
			return t, true
		}
	}
	return config.TagConfig{}, false
}

// ReadTag reads a single tag on demand, bypassing the poll cycle.
// The name may be a configured publish name or a raw item ID.
func (m *Manager) ReadTag(ctx context.Context, serverName, name string) (opcworker.TagValue, error) {
	m.mu.RLock()
	srv, exists := m.servers[serverName]
	m.mu.RUnlock()

	if !exists {
		return opcworker.TagValue{}, fmt.Errorf("server not found: %s", serverName)
	}

	srv.mu.RLock()
	progID := srv.Config.ProgID
	itemID := name
	if tag, ok := resolveTag(srv.Config, name); ok {
		itemID = tag.ItemID
	}
	srv.mu.RUnlock()

	values, err := m.opc.ReadTagValues(ctx, progID, []string{itemID})
	if err != nil {
		return opcworker.TagValue{}, err
	}
	if len(values) == 0 {
		return opcworker.TagValue{}, fmt.Errorf("empty read result for %s", itemID)
	}
	return values[0], nil
}

// ReadTags reads a batch of tags in one worker request, preserving
// order. Names resolve like ReadTag: publish name first, raw item ID
// as fallback.
func (m *Manager) ReadTags(ctx context.Context, serverName string, names []string) ([]opcworker.TagValue, error) {
	m.mu.RLock()
	srv, exists := m.servers[serverName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("server not found: %s", serverName)
	}

	srv.mu.RLock()
	progID := srv.Config.ProgID
	itemIDs := make([]string, len(names))
	for i, name := range names {
		itemIDs[i] = name
		if tag, ok := resolveTag(srv.Config, name); ok {
			itemIDs[i] = tag.ItemID
		}
	}
	srv.mu.RUnlock()

	return m.opc.ReadTagValues(ctx, progID, itemIDs)
}

// WriteTag writes a value to a tag. Configured tags must be marked
// writable; a name not present in the config is treated as a raw item
// ID and passed through.
func (m *Manager) WriteTag(ctx context.Context, serverName, name string, value interface{}) (opcworker.WriteResult, error) {
	m.mu.RLock()
	srv, exists := m.servers[serverName]
	m.mu.RUnlock()

	if !exists {
		return opcworker.WriteResult{}, fmt.Errorf("server not found: %s", serverName)
	}

	srv.mu.RLock()
	progID := srv.Config.ProgID
	itemID := name
	tag, configured := resolveTag(srv.Config, name)
	srv.mu.RUnlock()

	if configured {
		if !tag.Writable {
			return opcworker.WriteResult{}, fmt.Errorf("tag not writable: %s", name)
		}
		itemID = tag.ItemID
	}

	return m.opc.WriteTagValue(ctx, progID, itemID, value)
}

// BrowseServer walks the server's namespace through the session worker.
// Progress (if non-nil) receives discoveries while the browse runs.
func (m *Manager) BrowseServer(ctx context.Context, serverName string, progress *opcworker.BrowseProgress) ([]string, error) {
	m.mu.RLock()
	srv, exists := m.servers[serverName]
	maxTags := m.maxBrowseTags
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("server not found: %s", serverName)
	}

	srv.mu.RLock()
	progID := srv.Config.ProgID
	srv.mu.RUnlock()

	return m.opc.BrowseTags(ctx, progID, maxTags, progress)
}

// EnumerateServers lists the OPC server ProgIDs registered on the host.
func (m *Manager) EnumerateServers(ctx context.Context, host string) ([]string, error) {
	return m.opc.ListServers(ctx, host)
}

// LoadFromConfig adds all servers from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.Servers {
		m.AddServer(&cfg.Servers[i])
	}
	m.SetMaxBrowseTags(cfg.Worker.MaxBrowseTagsOrDefault())
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// GetAllCurrentValues returns all currently cached tag values for all servers.
// This is used for initial publish when a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	m.mu.RLock()
	servers := make([]*ManagedServer, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()

	var results []ValueChange
	for _, srv := range servers {
		srv.mu.RLock()
		serverName := srv.Config.Name
		for tagName, val := range srv.Values {
			results = append(results, ValueChange{
				ServerName: serverName,
				TagName:    tagName,
				Value:      val.Value,
				Quality:    val.Quality,
				Timestamp:  val.Timestamp,
			})
		}
		srv.mu.RUnlock()
	}
	return results
}
