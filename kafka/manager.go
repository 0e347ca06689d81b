package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"opclink/logging"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// TagMessage is the JSON payload published for tag changes.
type TagMessage struct {
	Namespace string `json:"namespace"`
	Server    string `json:"server"`
	Tag       string `json:"tag"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// HealthMessage is the JSON payload published for server health status.
type HealthMessage struct {
	Namespace string `json:"namespace"`
	Server    string `json:"server"`
	ProgID    string `json:"progid"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob is one queued publish, held until a worker picks it up.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    string
}

// MaxPublishWorkers bounds the concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize bounds the pending publish jobs; overflow drops.
const MaxPublishQueueSize = 1000

// Manager fans tag and health publishes out to every configured Kafka
// cluster through a bounded worker pool, so a slow broker backs up its
// queue instead of the poll loop.
type Manager struct {
	producers  map[string]*Producer
	namespace  string
	mu         sync.RWMutex
	lastValues map[string]string // last published value+quality per cluster/server/tag
	lastMu     sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a Kafka manager. Every topic it produces to is
// derived from the given namespace.
func NewManager(namespace string) *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		namespace:    namespace,
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

// Namespace returns the namespace all topics derive from.
func (m *Manager) Namespace() string {
	return m.namespace
}

// snapshot copies the producer list so callers can iterate without
// holding the lock across broker calls.
func (m *Manager) snapshot() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

// startWorkers launches the publish pool if it is not already running.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
}

// publishWorker drains the queue. The change cache is only updated on a
// confirmed produce, so a failed publish retries on the next change.
func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job, ok := <-m.publishQueue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err == nil {
				m.lastMu.Lock()
				m.lastValues[job.cacheKey] = job.value
				m.lastMu.Unlock()
			} else {
				logKafka("Failed to publish %s: %v", job.cacheKey, err)
			}
			cancel()
		}
	}
}

// enqueue hands a job to the pool, dropping it when the queue is full.
func (m *Manager) enqueue(job publishJob) {
	select {
	case m.publishQueue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.cacheKey)
	}
}

// AddCluster registers a cluster configuration. Duplicate names are
// ignored.
func (m *Manager) AddCluster(config *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[config.Name]; exists {
		return
	}
	m.producers[config.Name] = NewProducer(config)
}

// RemoveCluster unregisters a cluster and disconnects its producer.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
	}
	m.mu.Unlock()

	if exists && producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

// Connect connects to the named cluster.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// Disconnect disconnects from the named cluster.
func (m *Manager) Disconnect(name string) {
	if producer := m.GetProducer(name); producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects to all enabled clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, p := range m.snapshot() {
		if p.config.Enabled {
			go p.Connect()
		}
	}
}

// StopAll stops the publish pool and disconnects every producer. The
// pool channels are recreated so a later Publish can restart it.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		for _, p := range m.snapshot() {
			p.Disconnect()
		}
		return
	}

	oldStopChan := m.stopChan
	m.stopChan = make(chan struct{})
	m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
	m.started = false
	m.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("Timeout waiting for publish workers to stop")
	}

	for _, p := range m.snapshot() {
		p.Disconnect()
	}
}

// Produce sends a message to a topic on the named cluster.
func (m *Manager) Produce(ctx context.Context, clusterName, topic string, key, value []byte) error {
	producer := m.GetProducer(clusterName)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", clusterName)
	}
	return producer.Produce(ctx, topic, key, value)
}

// ProduceWithRetry sends a message using the cluster's configured retry
// count and backoff.
func (m *Manager) ProduceWithRetry(ctx context.Context, clusterName, topic string, key, value []byte) error {
	producer := m.GetProducer(clusterName)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", clusterName)
	}
	cfg := producer.config
	return producer.ProduceWithRetry(ctx, topic, key, value, cfg.MaxRetries, cfg.RetryBackoff)
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfigs registers multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// Publish queues a tag value for every connected cluster that has
// PublishChanges enabled. Unchanged value+quality pairs are suppressed
// unless force is set.
func (m *Manager) Publish(serverName, tagName, value, quality, timestamp string, writable, force bool) {
	m.startWorkers()

	for _, p := range m.snapshot() {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges {
			continue
		}

		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, serverName, tagName)
		current := value + "|" + quality

		m.lastMu.RLock()
		last, exists := m.lastValues[cacheKey]
		m.lastMu.RUnlock()

		if exists && !force && last == current {
			continue
		}

		payload, err := json.Marshal(TagMessage{
			Namespace: m.namespace,
			Server:    serverName,
			Tag:       tagName,
			Value:     value,
			Quality:   quality,
			Writable:  writable,
			Timestamp: timestamp,
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.TagTopic(m.namespace),
			// server.tag as key keeps a tag's changes in one partition
			key:      []byte(fmt.Sprintf("%s.%s", serverName, tagName)),
			payload:  payload,
			cacheKey: cacheKey,
			value:    current,
		})
	}
}

// PublishHealth queues server health status for every connected
// cluster. Health is always published, never change-suppressed.
func (m *Manager) PublishHealth(serverName, progID string, online bool, status, errMsg string) {
	m.startWorkers()

	for _, p := range m.snapshot() {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges {
			continue
		}

		payload, err := json.Marshal(HealthMessage{
			Namespace: m.namespace,
			Server:    serverName,
			ProgID:    progID,
			Online:    online,
			Status:    status,
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.HealthTopic(m.namespace),
			key:      []byte(serverName),
			payload:  payload,
			cacheKey: fmt.Sprintf("%s/%s/health", p.config.Name, serverName),
		})
	}
}

// AnyPublishing reports whether any connected cluster has
// PublishChanges enabled.
func (m *Manager) AnyPublishing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges {
			return true
		}
	}
	return false
}

// ClearLastValues resets change suppression, forcing a republish of
// every value on its next change check.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]string)
	m.lastMu.Unlock()
}
