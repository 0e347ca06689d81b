// Package mqtt publishes tag values to MQTT brokers and accepts
// write-back requests on per-server write topics.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"opclink/config"
	"opclink/logging"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// writeJob is one queued write request. When failure is set the job
// carries a pre-determined error and only produces a response.
type writeJob struct {
	client         pahomqtt.Client
	rootTopic      string
	serverName     string
	tagName        string
	value          interface{}
	convertedValue interface{}
	handler        WriteHandler
	failure        error
}

// MaxWriteWorkers bounds the concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize bounds the pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher maintains one broker connection, publishing retained tag
// values and serving write requests arriving on the write topics.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Last published value+quality per server/tag, for change suppression.
	lastValues map[string]string
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	serverNames    []string // servers whose write topics get subscribed

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// TagMessage is the JSON payload published for tag values.
type TagMessage struct {
	Namespace string `json:"namespace"`
	Server    string `json:"server"`
	Tag       string `json:"tag"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON payload expected on the write topics.
type WriteRequest struct {
	Namespace string      `json:"namespace"`
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
}

// WriteResponse is the JSON payload published after a write attempt.
type WriteResponse struct {
	Namespace string      `json:"namespace"`
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
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

// WriteHandler executes a write request against an OPC server.
type WriteHandler func(serverName, tagName string, value interface{}) error

// WriteValidator reports whether a tag exists and is write-enabled.
type WriteValidator func(serverName, tagName string) bool

// NewPublisher creates an MQTT publisher for a single broker. The
// namespace forms the root of every topic it touches.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// RootTopic returns the topic prefix for this publisher: the namespace,
// extended by the config selector when one is set.
func (p *Publisher) RootTopic() string {
	if p.config.Selector != "" {
		return p.namespace + "/" + p.config.Selector
	}
	return p.namespace
}

// brokerURL returns the broker URL, ssl:// or tcp:// per the TLS setting.
func (p *Publisher) brokerURL() string {
	scheme := "tcp"
	if p.config.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.config.Broker, p.config.Port)
}

// Start connects to the broker, launches the write workers, and
// subscribes the write topics. Safe to call when already running.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.brokerURL())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Connect without holding the lock; Publish callers must not block
	// behind a slow broker handshake.
	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Connected to MQTT broker %s:%d", p.config.Broker, p.config.Port)

	p.mu.Lock()
	// A concurrent Start may have won while we were connecting.
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Fresh connection, republish everything on the next change check.
	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	p.startWriteWorkers()

	// Subscribing takes broker round-trips; p.mu must not be held here.
	p.subscribeWriteTopics()

	return nil
}

// startWriteWorkers launches the write worker pool.
func (p *Publisher) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
}

// writeWorker executes queued writes and publishes their responses.
func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.writeQueue:
			if !ok {
				return
			}

			writeErr := job.failure
			if writeErr == nil {
				if job.handler == nil {
					writeErr = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing write: %s/%s = %v", job.serverName, job.tagName, job.convertedValue)
					writeErr = job.handler(job.serverName, job.tagName, job.convertedValue)
					if writeErr != nil {
						logMQTT("Write error: %v", writeErr)
					} else {
						logMQTT("Write successful")
					}
				}
			}
			p.publishWriteResponse(job.client, job.rootTopic, job.serverName, job.tagName, job.value, writeErr)
		}
	}
}

// Stop disconnects from the broker and stops the write workers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Replace the pool channels so a later Start gets a clean pool.
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	// Disconnect blocks while in-flight messages drain; keep it
	// outside the lock.
	client.Disconnect(500)
}

// BuildTopic constructs the full topic path for a tag.
func (p *Publisher) BuildTopic(serverName, tagName string) string {
	return fmt.Sprintf("%s/%s/tags/%s", p.RootTopic(), serverName, tagName)
}

// Publish sends a tag value as a retained message when the value or
// quality changed since the last publish. Reports whether a message
// actually went out.
func (p *Publisher) Publish(serverName, tagName, value, quality, timestamp string, writable, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := fmt.Sprintf("%s/%s", serverName, tagName)
	current := value + "|" + quality

	p.lastMu.RLock()
	last, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && last == current {
		return false
	}

	payload, err := json.Marshal(TagMessage{
		Namespace: p.namespace,
		Server:    serverName,
		Tag:       tagName,
		Value:     value,
		Quality:   quality,
		Writable:  writable,
		Timestamp: timestamp,
	})
	if err != nil {
		return false
	}

	// Retained, so late subscribers see the current value immediately.
	token := client.Publish(p.BuildTopic(serverName, tagName), 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = current
	p.lastMu.Unlock()

	return true
}

// PublishHealth sends server health status to the health topic. Health
// is always published, never change-suppressed.
func (p *Publisher) PublishHealth(serverName, progID string, online bool, status, errMsg string) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(HealthMessage{
		Namespace: p.namespace,
		Server:    serverName,
		ProgID:    progID,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}

	topic := fmt.Sprintf("%s/%s/health", p.RootTopic(), serverName)
	token := client.Publish(topic, 1, true, payload)
	return token.WaitTimeout(2*time.Second) && token.Error() == nil
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	return p.brokerURL()
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback that executes write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback that screens write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetServerNames sets the servers whose write topics get subscribed on
// the next Start.
func (p *Publisher) SetServerNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serverNames = names
}

// subscribeWriteTopics subscribes <root>/<server>/write per configured
// server. A failed subscribe is logged and skipped; the rest proceed.
func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	serverNames := p.serverNames
	p.mu.RUnlock()
	rootTopic := p.RootTopic()

	if client == nil {
		logMQTT("subscribeWriteTopics: client is nil")
		return
	}
	if len(serverNames) == 0 {
		logMQTT("subscribeWriteTopics: no server names configured")
		return
	}

	for _, serverName := range serverNames {
		topic := fmt.Sprintf("%s/%s/write", rootTopic, serverName)
		token := client.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2 * time.Second) {
			logMQTT("Subscribe timeout for %s", topic)
			continue
		}
		if token.Error() != nil {
			logMQTT("Subscribe error for %s: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// convertJSONValue narrows JSON-decoded values before they reach a write.
// JSON numbers always decode as float64; whole numbers become int32 when
// they fit (the most common OPC integer width) and int64 otherwise.
// Booleans and strings pass through unchanged.
func convertJSONValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		if v == float64(int32(v)) {
			return int32(v), nil
		}
		if v == float64(int64(v)) {
			return int64(v), nil
		}
		return v, nil
	case bool, string:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}
}

// handleWriteMessage screens an incoming write request and queues it
// for the worker pool.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on topic: %s", msg.Topic())
	logMQTT("Payload: %s", string(msg.Payload()))

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()
	rootTopic := p.RootTopic()

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		logMQTT("JSON parse error: %v", err)
		p.queueErrorResponse(client, rootTopic, "", "", nil, fmt.Errorf("invalid JSON: %v", err))
		return
	}

	// A broker shared by several gateways carries writes that are not
	// for this namespace.
	if req.Namespace != p.namespace {
		p.queueErrorResponse(client, rootTopic, req.Server, req.Tag, req.Value,
			fmt.Errorf("namespace mismatch: expected %s, got %s", p.namespace, req.Namespace))
		return
	}

	if validator != nil && !validator(req.Server, req.Tag) {
		p.queueErrorResponse(client, rootTopic, req.Server, req.Tag, req.Value,
			fmt.Errorf("tag not writable: %s/%s", req.Server, req.Tag))
		return
	}

	convertedValue, err := convertJSONValue(req.Value)
	if err != nil {
		logMQTT("Value conversion error: %v", err)
		p.queueErrorResponse(client, rootTopic, req.Server, req.Tag, req.Value, err)
		return
	}

	job := writeJob{
		client:         client,
		rootTopic:      rootTopic,
		serverName:     req.Server,
		tagName:        req.Tag,
		value:          req.Value,
		convertedValue: convertedValue,
		handler:        handler,
	}
	select {
	case p.writeQueue <- job:
	default:
		// The paho message handler must not block; respond directly.
		logMQTT("Write queue full, rejecting write for %s/%s", req.Server, req.Tag)
		go p.publishWriteResponse(client, rootTopic, req.Server, req.Tag, req.Value,
			fmt.Errorf("write queue full, try again later"))
	}
}

// queueErrorResponse routes a rejected request through the worker pool
// so its response is ordered with the writes around it.
func (p *Publisher) queueErrorResponse(client pahomqtt.Client, rootTopic, serverName, tagName string, value interface{}, err error) {
	job := writeJob{
		client:     client,
		rootTopic:  rootTopic,
		serverName: serverName,
		tagName:    tagName,
		value:      value,
		failure:    err,
	}
	select {
	case p.writeQueue <- job:
	default:
		logMQTT("Write queue full, dropping error response for %s/%s", serverName, tagName)
	}
}

// publishWriteResponse publishes the outcome of one write request.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, rootTopic, serverName, tagName string, value interface{}, err error) {
	resp := WriteResponse{
		Namespace: p.namespace,
		Server:    serverName,
		Tag:       tagName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)

	// Malformed requests have no server; those answer on the root
	// response topic.
	responseTopic := fmt.Sprintf("%s/%s/write/response", rootTopic, serverName)
	if serverName == "" {
		responseTopic = fmt.Sprintf("%s/write/response", rootTopic)
	}
	token := client.Publish(responseTopic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
