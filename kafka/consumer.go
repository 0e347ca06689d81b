package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"opclink/logging"
)

// WriteBackBatchInterval is how often queued write requests are flushed
// to the OPC layer.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"` // Optional correlation ID
	Timestamp time.Time   `json:"timestamp,omitempty"`  // When the request was created
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Server       string      `json:"server"`
	Tag          string      `json:"tag"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // Request was older than the max age
	Deduplicated bool        `json:"deduplicated,omitempty"` // Request was superseded by a newer one
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler executes a write request against an OPC server.
type WriteHandler func(serverName, tagName string, value interface{}) error

// WriteValidator checks if a tag is writable.
type WriteValidator func(serverName, tagName string) bool

// queuedWrite is a write request held until the next batch flush.
type queuedWrite struct {
	request  WriteRequest
	received time.Time // Kafka message timestamp
	offset   int64
}

// Consumer reads write requests from the cluster's write topic, batches
// them over WriteBackBatchInterval with latest-wins dedup per tag, and
// publishes a response per request.
type Consumer struct {
	config    *Config
	producer  *Producer // responses go out through the same cluster
	namespace string
	reader    *kafka.Reader
	running   bool
	mu        sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a write-back consumer for one cluster.
func NewConsumer(config *Config, producer *Producer, namespace string) *Consumer {
	return &Consumer{
		config:    config,
		producer:  producer,
		namespace: namespace,
		stopChan:  make(chan struct{}),
	}
}

// SetWriteHandler sets the callback that executes write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// SetWriteValidator sets the callback that screens write requests.
func (c *Consumer) SetWriteValidator(validator WriteValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeValidator = validator
}

// Start begins consuming from the write topic. Safe to call when
// already running.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	writeTopic := c.config.WriteTopic(c.namespace)
	group := c.config.GetConsumerGroup()

	logConsumer("Starting consumer for topic '%s' with group '%s'", writeTopic, group)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          writeTopic,
		GroupID:        group,
		MinBytes:       1, // deliver as soon as anything is available
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset, // old write requests are stale anyway
		CommitInterval: time.Second,
		Dialer:         c.config.newDialer(),
	})
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	logConsumer("Consumer started")
	return nil
}

// Stop stops the consumer, flushing any queued writes first.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	logConsumer("Stopping consumer")
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logConsumer("Consumer stopped")
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// run accumulates write requests between ticks and flushes them as a
// batch. Rapid writes to the same tag collapse to the newest value;
// superseded requests still get a response so callers are not left
// waiting on a correlation ID.
func (c *Consumer) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	queued := make(map[string]queuedWrite) // keyed by message key or "server.tag"
	var superseded []queuedWrite

	for {
		select {
		case <-c.stopChan:
			if len(queued) > 0 || len(superseded) > 0 {
				logConsumer("Stop signal received, flushing %d queued writes (%d superseded)", len(queued), len(superseded))
				c.flush(queued, superseded)
			} else {
				logConsumer("Stop signal received, nothing queued")
			}
			return

		case <-ticker.C:
			if len(queued) > 0 || len(superseded) > 0 {
				logConsumer("Flushing batch: %d queued writes (%d superseded)", len(queued), len(superseded))
				c.flush(queued, superseded)
				queued = make(map[string]queuedWrite)
				superseded = nil
			}

		default:
			c.mu.RLock()
			reader := c.reader
			running := c.running
			c.mu.RUnlock()

			if !running || reader == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			// Short fetch timeout so the ticker and stop channel stay responsive.
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}

			logConsumer("Write request: partition=%d offset=%d key=%s", msg.Partition, msg.Offset, string(msg.Key))
			logConsumer("Payload: %s", string(msg.Value))

			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logConsumer("JSON parse error: %v", err)
				// Commit the bad message so it is not redelivered.
				c.commit(reader, msg)
				continue
			}

			key := string(msg.Key)
			if key == "" {
				key = req.Server + "." + req.Tag
			}

			if prev, exists := queued[key]; exists {
				logConsumer("DEDUP DISCARD: %s/%s value=%v (offset=%d, age=%v) replaced by value=%v (offset=%d)",
					prev.request.Server, prev.request.Tag, prev.request.Value,
					prev.offset, time.Since(prev.received).Round(time.Millisecond),
					req.Value, msg.Offset)
				superseded = append(superseded, prev)
			}

			queued[key] = queuedWrite{
				request:  req,
				received: msg.Time,
				offset:   msg.Offset,
			}

			c.commit(reader, msg)
		}
	}
}

// flush executes a deduplicated batch and responds to every request in
// it, including the ones that were superseded or expired.
func (c *Consumer) flush(queued map[string]queuedWrite, superseded []queuedWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	validator := c.writeValidator
	producer := c.producer
	maxAge := c.config.GetWriteMaxAge()
	responseTopic := c.config.WriteResponseTopic(c.namespace)
	c.mu.RUnlock()

	now := time.Now()
	logConsumer("Flushing: %d received, %d superseded, %d to execute",
		len(queued)+len(superseded), len(superseded), len(queued))

	for _, qw := range superseded {
		req := qw.request
		c.respond(producer, responseTopic, WriteResponse{
			Server:       req.Server,
			Tag:          req.Tag,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Success:      false,
			Error:        "request superseded by newer write to same tag",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	executed := 0
	expired := 0
	failed := 0

	for key, qw := range queued {
		req := qw.request

		// A write that sat in the topic too long is more likely to
		// surprise the operator than to help; skip it.
		age := now.Sub(qw.received)
		if age > maxAge {
			logConsumer("Skipping stale write for %s (age %v > max %v)", key, age, maxAge)
			expired++
			c.respond(producer, responseTopic, WriteResponse{
				Server:    req.Server,
				Tag:       req.Tag,
				Value:     req.Value,
				RequestID: req.RequestID,
				Success:   false,
				Error:     fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge),
				Skipped:   true,
				Timestamp: now,
			})
			continue
		}

		if validator != nil && !validator(req.Server, req.Tag) {
			logConsumer("Rejected write for %s/%s: tag not writable", req.Server, req.Tag)
			failed++
			c.respond(producer, responseTopic, WriteResponse{
				Server:    req.Server,
				Tag:       req.Tag,
				Value:     req.Value,
				RequestID: req.RequestID,
				Success:   false,
				Error:     "tag is not writable",
				Timestamp: now,
			})
			continue
		}

		logConsumer("Executing write: %s/%s = %v (age %v, type %T, request_id %s)",
			req.Server, req.Tag, req.Value, age.Round(time.Millisecond), req.Value, req.RequestID)

		var writeErr error
		if handler != nil {
			writeErr = handler(req.Server, req.Tag, req.Value)
		} else {
			writeErr = fmt.Errorf("no write handler configured")
		}

		resp := WriteResponse{
			Server:    req.Server,
			Tag:       req.Tag,
			Value:     req.Value,
			RequestID: req.RequestID,
			Success:   writeErr == nil,
			Timestamp: now,
		}
		if writeErr != nil {
			resp.Error = writeErr.Error()
			logConsumer("Write error: %s/%s: %v", req.Server, req.Tag, writeErr)
			failed++
		} else {
			executed++
		}

		c.respond(producer, responseTopic, resp)
	}

	logConsumer("Batch complete: %d succeeded, %d failed, %d expired, %d superseded",
		executed, failed, expired, len(superseded))
}

// respond publishes a write response keyed by server.tag.
func (c *Consumer) respond(producer *Producer, topic string, resp WriteResponse) {
	if producer == nil || producer.GetStatus() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logConsumer("Failed to marshal response: %v", err)
		return
	}

	key := []byte(resp.Server + "." + resp.Tag)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := producer.Produce(ctx, topic, key, payload); err != nil {
		logConsumer("Failed to publish response to %s: %v", topic, err)
	}
}

// commit acknowledges one message's offset.
func (c *Consumer) commit(reader *kafka.Reader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}
