// Package kafka publishes tag changes to Kafka clusters and consumes
// write-back requests from a namespace-derived write topic.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// DefaultWriteMaxAge is how old a write request may be before it is skipped.
const DefaultWriteMaxAge = 2 * time.Second

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism SASLMechanism `yaml:"sasl_mechanism,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`

	// Producer settings
	RequiredAcks int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader only
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// Tag publishing settings
	PublishChanges   bool   `yaml:"publish_changes,omitempty"`    // Publish tag changes to Kafka
	Selector         string `yaml:"selector,omitempty"`           // Optional sub-namespace
	AutoCreateTopics bool   `yaml:"auto_create_topics,omitempty"` // Auto-create topics on first produce

	// Writeback settings
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Consume write requests from Kafka
	ConsumerGroup   string        `yaml:"consumer_group,omitempty"`   // Consumer group ID
	WriteMaxAge     time.Duration `yaml:"write_max_age,omitempty"`    // Max age of write requests to process
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Enabled:          false,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1, // All replicas must acknowledge
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
	}
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// GetConsumerGroup returns the consumer group ID, defaulting to
// "opclink-{name}-writers" when none is configured.
func (c *Config) GetConsumerGroup() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return "opclink-" + c.Name + "-writers"
}

// GetWriteMaxAge returns the maximum write request age to process.
func (c *Config) GetWriteMaxAge() time.Duration {
	if c.WriteMaxAge > 0 {
		return c.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

// topicName joins the namespace, the optional selector, and the given
// suffix segments with dots, skipping empty parts.
func topicName(namespace, selector string, suffix ...string) string {
	parts := make([]string, 0, 2+len(suffix))
	if namespace != "" {
		parts = append(parts, namespace)
	}
	if selector != "" {
		parts = append(parts, selector)
	}
	parts = append(parts, suffix...)
	return strings.Join(parts, ".")
}

// TagTopic returns the topic tag changes are published to.
func (c *Config) TagTopic(namespace string) string {
	return topicName(namespace, c.Selector, "tags")
}

// HealthTopic returns the topic server health messages are published to.
func (c *Config) HealthTopic(namespace string) string {
	return topicName(namespace, c.Selector, "tags", "health")
}

// WriteTopic returns the topic write requests are consumed from.
func (c *Config) WriteTopic(namespace string) string {
	return topicName(namespace, c.Selector, "writes")
}

// WriteResponseTopic returns the topic write responses are published to.
func (c *Config) WriteResponseTopic(namespace string) string {
	return topicName(namespace, c.Selector, "writes", "responses")
}
