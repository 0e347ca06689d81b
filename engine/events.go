package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// OPC server events
	EventServerCreated EventType = iota + 1
	EventServerUpdated
	EventServerDeleted

	// Tag events
	EventTagCreated
	EventTagDeleted
	EventTagWritten

	// MQTT events
	EventMQTTCreated
	EventMQTTDeleted
	EventMQTTStarted
	EventMQTTStopped

	// Valkey events
	EventValkeyCreated
	EventValkeyDeleted
	EventValkeyStarted
	EventValkeyStopped

	// Kafka events
	EventKafkaCreated
	EventKafkaDeleted
	EventKafkaConnected
	EventKafkaDisconnected

	// System events
	EventNamespaceChanged
	EventForcePublished
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// ServerEvent is the payload for OPC server lifecycle events.
type ServerEvent struct {
	Name string
}

// TagEvent is the payload for tag mutation events.
type TagEvent struct {
	ServerName string
	TagName    string
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Name string
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}
