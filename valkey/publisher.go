// Package valkey stores tag values in a Valkey/Redis server and
// processes write-back requests from a Redis list queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"opclink/config"
	"opclink/logging"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// joinKey joins key segments with colons. Each segment is trimmed of
// stray colons first so a blank selector never produces "foo::bar".
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is the JSON value stored under each tag key.
type TagMessage struct {
	Namespace string `json:"namespace"`
	Server    string `json:"server"`
	Tag       string `json:"tag"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON shape popped from the write queue.
type WriteRequest struct {
	Namespace string      `json:"namespace"`
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
}

// WriteResponse is published on the write-responses channel for every
// request taken off the queue.
type WriteResponse struct {
	Namespace string      `json:"namespace"`
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON value stored under each server's health key.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	Server    string    `json:"server"`
	ProgID    string    `json:"progid"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher mirrors tag values into one Valkey instance and, when
// write-back is enabled, pops write requests off a list queue.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	writeHandler      func(serverName, tagName string, value interface{}) error
	writeValidator    func(serverName, tagName string) bool
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a Valkey publisher. The namespace forms the
// first segment of every key it writes.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		stopChan:  make(chan struct{}),
	}
}

// KeyPrefix returns the key prefix for this publisher: the namespace,
// extended by the config selector when one is set.
func (p *Publisher) KeyPrefix() string {
	return joinKey(p.namespace, p.config.Selector)
}

// Start connects to the Valkey server and launches the write-back
// listener when it is enabled. Safe to call when already running.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Dial and ping without holding the lock; a slow broker must not
	// stall Publish callers.
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// A concurrent Start may have won while we were dialing.
	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener()
	}

	// Let the engine republish current values into the fresh instance.
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The write-back listener polls on a 1s BLPop; give it a moment to
	// notice the stop channel, then close the client out from under it.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the instance address as a redis:// or rediss:// URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// activeClient returns the client while running, or nil.
func (p *Publisher) activeClient() *redis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// setKey stores data under key, honoring the configured TTL.
func (p *Publisher) setKey(ctx context.Context, client *redis.Client, key string, data []byte) error {
	return client.Set(ctx, key, data, p.config.KeyTTL).Err()
}

// Publish stores a tag value under <prefix>:<server>:tags:<tag> and,
// when PublishChanges is set, announces it on the change channels. Tag
// names may themselves contain colons; the tag is always the last
// segment so the key still parses.
func (p *Publisher) Publish(serverName, tagName, value, quality, timestamp string, writable bool) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}

	prefix := p.KeyPrefix()
	key := joinKey(prefix, serverName, "tags", tagName)

	data, err := json.Marshal(TagMessage{
		Namespace: p.namespace,
		Server:    serverName,
		Tag:       tagName,
		Value:     value,
		Quality:   quality,
		Writable:  writable,
		Timestamp: timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.setKey(ctx, client, key, data); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if p.config.PublishChanges {
		client.Publish(ctx, joinKey(prefix, serverName, "changes"), data)
		// Subscribers watching every server listen here.
		client.Publish(ctx, joinKey(prefix, "_all", "changes"), data)
	}

	return nil
}

// PublishHealth stores server connection health under
// <prefix>:<server>:health and announces it on the matching channel.
func (p *Publisher) PublishHealth(serverName, progID string, online bool, status, errMsg string) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}

	prefix := p.KeyPrefix()
	key := joinKey(prefix, serverName, "health")

	data, err := json.Marshal(HealthMessage{
		Namespace: p.namespace,
		Server:    serverName,
		ProgID:    progID,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.setKey(ctx, client, key, data); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}

	if p.config.PublishChanges {
		client.Publish(ctx, key, data)
	}

	return nil
}

// SetWriteHandler sets the callback that executes write requests.
func (p *Publisher) SetWriteHandler(handler func(serverName, tagName string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback that screens write requests.
func (p *Publisher) SetWriteValidator(validator func(serverName, tagName string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the hook invoked after a connection comes up.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests off the queue list one at a
// time. BLPop's timeout doubles as the stop-channel poll interval.
func (p *Publisher) writebackListener() {
	defer p.wg.Done()

	prefix := p.KeyPrefix()
	queueKey := joinKey(prefix, "writes")
	responseChannel := joinKey(prefix, "write", "responses")

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		client := p.activeClient()
		if client == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil {
				debugLog("Valkey write queue error: %v", err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}

		p.processWriteRequest(client, req, responseChannel)
	}
}

// processWriteRequest validates and executes one write, then publishes
// the outcome on the response channel.
func (p *Publisher) processWriteRequest(client *redis.Client, req WriteRequest, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	response := WriteResponse{
		Namespace: req.Namespace,
		Server:    req.Server,
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case validator != nil && !validator(req.Server, req.Tag):
		response.Error = "tag is not writable"
	case handler == nil:
		response.Error = "no write handler configured"
	default:
		if err := handler(req.Server, req.Tag, req.Value); err != nil {
			response.Error = err.Error()
		} else {
			response.Success = true
		}
	}

	data, _ := json.Marshal(response)
	client.Publish(context.Background(), responseChannel, data)

	debugLog("Valkey write %s:%s = %v -> success=%v", req.Server, req.Tag, req.Value, response.Success)
}
