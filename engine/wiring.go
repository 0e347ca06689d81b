package engine

import (
	"time"

	"opclink/config"
	"opclink/kafka"
	"opclink/logging"
	"opclink/opcman"
)

// setupValueChangeHandlers fans batched tag changes out to every
// publishing sink that is currently up.
func (e *Engine) setupValueChangeHandlers() {
	e.manager.SetOnValueChange(func(changes []opcman.ValueChange) {
		mqttRunning := e.mqttMgr.AnyRunning()
		valkeyRunning := e.valkeyMgr.AnyRunning()
		kafkaPublishing := e.kafkaMgr.AnyPublishing()

		logging.DebugLog("engine", "OnValueChange: %d changes, MQTT: %v, Valkey: %v, Kafka: %v",
			len(changes), mqttRunning, valkeyRunning, kafkaPublishing)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]opcman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					e.mqttMgr.Publish(c.ServerName, c.TagName, c.Value, c.Quality, c.Timestamp, false)
				}
			}()
		}

		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					e.valkeyMgr.Publish(c.ServerName, c.TagName, c.Value, c.Quality, c.Timestamp,
						e.writeValidator(c.ServerName, c.TagName))
				}
			}()
		}

		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					e.kafkaMgr.Publish(c.ServerName, c.TagName, c.Value, c.Quality, c.Timestamp,
						e.writeValidator(c.ServerName, c.TagName), false)
				}
			}()
		}
	})
}

// setupWriteHandlers builds the shared write-back callbacks and hands
// them to every sink that accepts writes.
func (e *Engine) setupWriteHandlers() {
	e.writeHandler = func(serverName, tagName string, value interface{}) error {
		return e.WriteTag(serverName, tagName, value)
	}

	e.writeValidator = func(serverName, tagName string) bool {
		srvCfg := e.cfg.FindServer(serverName)
		if srvCfg == nil {
			return false
		}
		for _, tag := range srvCfg.Tags {
			if (tag.PublishName() == tagName || tag.ItemID == tagName) && tag.Writable {
				return true
			}
		}
		return false
	}

	e.mqttMgr.SetWriteHandler(e.writeHandler)
	e.mqttMgr.SetWriteValidator(e.writeValidator)

	e.valkeyMgr.SetWriteHandler(e.writeHandler)
	e.valkeyMgr.SetWriteValidator(e.writeValidator)
}

// forcePublishAllValuesToMQTT publishes all cached tag values to MQTT brokers.
func (e *Engine) forcePublishAllValuesToMQTT() {
	values := e.manager.GetAllCurrentValues()
	e.logFn("Publishing %d cached values to MQTT", len(values))
	for _, v := range values {
		e.mqttMgr.Publish(v.ServerName, v.TagName, v.Value, v.Quality, v.Timestamp, true)
	}
}

// forcePublishAllValuesToValkey publishes all cached tag values to Valkey servers.
func (e *Engine) forcePublishAllValuesToValkey() {
	values := e.manager.GetAllCurrentValues()
	e.logFn("Publishing %d cached values to Valkey", len(values))
	for _, v := range values {
		e.valkeyMgr.Publish(v.ServerName, v.TagName, v.Value, v.Quality, v.Timestamp,
			e.writeValidator(v.ServerName, v.TagName))
	}
}

// forcePublishAllValuesToKafka publishes all cached tag values to Kafka clusters.
func (e *Engine) forcePublishAllValuesToKafka() {
	values := e.manager.GetAllCurrentValues()
	e.logFn("Publishing %d cached values to Kafka", len(values))
	for _, v := range values {
		e.kafkaMgr.Publish(v.ServerName, v.TagName, v.Value, v.Quality, v.Timestamp,
			e.writeValidator(v.ServerName, v.TagName), true)
	}
}

// publishHealthLoop publishes server health status to all sinks every 10 seconds.
func (e *Engine) publishHealthLoop() {
	time.Sleep(2 * time.Second)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	e.publishAllHealth()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishAllHealth()
		}
	}
}

// publishAllHealth publishes health status for every managed server.
func (e *Engine) publishAllHealth() {
	for _, srv := range e.manager.ListServers() {
		status := srv.GetStatus()
		online := status == opcman.StatusConnected
		errMsg := ""
		if err := srv.GetError(); err != nil {
			errMsg = err.Error()
		}

		name := srv.Config.Name
		progID := srv.Config.ProgID

		e.mqttMgr.PublishHealth(name, progID, online, status.String(), errMsg)
		e.valkeyMgr.PublishHealth(name, progID, online, status.String(), errMsg)
		e.kafkaMgr.PublishHealth(name, progID, online, status.String(), errMsg)
	}
}

// updateMQTTServerNamesInternal refreshes the per-server MQTT write subscriptions.
func (e *Engine) updateMQTTServerNamesInternal() {
	names := make([]string, len(e.cfg.Servers))
	for i, srv := range e.cfg.Servers {
		names[i] = srv.Name
	}
	e.mqttMgr.SetServerNames(names)
}

// startKafkaConsumers starts a write-back consumer for every connected
// cluster that has writeback enabled.
func (e *Engine) startKafkaConsumers() {
	for i := range e.cfg.Kafka {
		kc := e.cfg.Kafka[i]
		if !kc.EnableWriteback {
			continue
		}
		e.startKafkaConsumer(&kc)
	}
}

func (e *Engine) startKafkaConsumer(kc *config.KafkaConfig) {
	producer := e.kafkaMgr.GetProducer(kc.Name)
	if producer == nil {
		return
	}

	consumer := kafka.NewConsumer(buildKafkaRuntimeConfig(kc), producer, e.cfg.Namespace)
	consumer.SetWriteHandler(kafka.WriteHandler(e.writeHandler))
	consumer.SetWriteValidator(kafka.WriteValidator(e.writeValidator))

	if err := consumer.Start(); err != nil {
		e.logFn("Kafka consumer for '%s' failed to start: %v", kc.Name, err)
		return
	}

	e.consumersMu.Lock()
	e.consumers[kc.Name] = consumer
	e.consumersMu.Unlock()
}

func (e *Engine) stopKafkaConsumer(name string) {
	e.consumersMu.Lock()
	consumer := e.consumers[name]
	delete(e.consumers, name)
	e.consumersMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
}

func (e *Engine) stopKafkaConsumers() {
	e.consumersMu.Lock()
	consumers := make([]*kafka.Consumer, 0, len(e.consumers))
	for name, c := range e.consumers {
		consumers = append(consumers, c)
		delete(e.consumers, name)
	}
	e.consumersMu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
}

// buildKafkaRuntimeConfig converts a config.KafkaConfig to a kafka.Config.
func buildKafkaRuntimeConfig(kc *config.KafkaConfig) *kafka.Config {
	return &kafka.Config{
		Name:             kc.Name,
		Enabled:          kc.Enabled,
		Brokers:          kc.Brokers,
		UseTLS:           kc.UseTLS,
		TLSSkipVerify:    kc.TLSSkipVerify,
		SASLMechanism:    kafka.SASLMechanism(kc.SASLMechanism),
		Username:         kc.Username,
		Password:         kc.Password,
		RequiredAcks:     kc.RequiredAcks,
		MaxRetries:       kc.MaxRetries,
		RetryBackoff:     kc.RetryBackoff,
		PublishChanges:   kc.PublishChanges,
		Selector:         kc.Selector,
		AutoCreateTopics: kc.AutoCreateTopics == nil || *kc.AutoCreateTopics,
		EnableWriteback:  kc.EnableWriteback,
		ConsumerGroup:    kc.ConsumerGroup,
		WriteMaxAge:      kc.WriteMaxAge,
	}
}
