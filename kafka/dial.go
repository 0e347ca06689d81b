package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

const dialTimeout = 10 * time.Second

// saslMechanism returns the mechanism for the configured credentials,
// or nil when no username is set.
func (c *Config) saslMechanism() sasl.Mechanism {
	if c.Username == "" {
		return nil
	}

	switch c.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: c.Username,
			Password: c.Password,
		}
	case SASLSCRAMSHA256:
		m, _ := scram.Mechanism(scram.SHA256, c.Username, c.Password)
		return m
	case SASLSCRAMSHA512:
		m, _ := scram.Mechanism(scram.SHA512, c.Username, c.Password)
		return m
	default:
		return nil
	}
}

// newDialer builds a dialer carrying the cluster's TLS and SASL settings.
// Readers and connection probes use this; writers go through newTransport.
func (c *Config) newDialer() *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		TLS:           c.GetTLSConfig(),
		SASLMechanism: c.saslMechanism(),
	}
}

// newTransport is the writer-side counterpart of newDialer.
func (c *Config) newTransport() *kafka.Transport {
	return &kafka.Transport{
		DialTimeout: dialTimeout,
		TLS:         c.GetTLSConfig(),
		SASL:        c.saslMechanism(),
	}
}
