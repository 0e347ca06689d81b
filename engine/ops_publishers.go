package engine

import (
	"fmt"

	"opclink/config"
	"opclink/mqtt"
)

// CreateMQTT creates an MQTT publisher, saves config, and registers it.
func (e *Engine) CreateMQTT(cfg config.MQTTConfig) error {
	if cfg.Name == "" || cfg.Broker == "" {
		return fmt.Errorf("%w: name and broker are required", ErrInvalidInput)
	}
	if e.cfg.FindMQTT(cfg.Name) != nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrAlreadyExists, cfg.Name)
	}

	e.cfg.Lock()
	e.cfg.AddMQTT(cfg)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	pub := mqtt.NewPublisher(e.cfg.FindMQTT(cfg.Name), e.cfg.Namespace)
	e.mqttMgr.Add(pub)

	if cfg.Enabled {
		e.StartMQTT(cfg.Name)
	}

	e.emit(EventMQTTCreated, ServiceEvent{Name: cfg.Name})
	return nil
}

// DeleteMQTT removes an MQTT publisher from config and the manager.
func (e *Engine) DeleteMQTT(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveMQTT(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.mqttMgr.Remove(name)
	e.emit(EventMQTTDeleted, ServiceEvent{Name: name})
	return nil
}

// StartMQTT starts a single MQTT publisher and seeds it with the
// current value snapshot.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}

	go e.forcePublishAllValuesToMQTT()

	e.emit(EventMQTTStarted, ServiceEvent{Name: name})
	return nil
}

// StopMQTT stops a single MQTT publisher.
func (e *Engine) StopMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventMQTTStopped, ServiceEvent{Name: name})
	return nil
}

// CreateValkey creates a Valkey publisher, saves config, and registers it.
func (e *Engine) CreateValkey(cfg config.ValkeyConfig) error {
	if cfg.Name == "" || cfg.Address == "" {
		return fmt.Errorf("%w: name and address are required", ErrInvalidInput)
	}
	if e.cfg.FindValkey(cfg.Name) != nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrAlreadyExists, cfg.Name)
	}

	e.cfg.Lock()
	e.cfg.AddValkey(cfg)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.valkeyMgr.Add(e.cfg.FindValkey(cfg.Name))

	if cfg.Enabled {
		e.StartValkey(cfg.Name)
	}

	e.emit(EventValkeyCreated, ServiceEvent{Name: cfg.Name})
	return nil
}

// DeleteValkey removes a Valkey publisher from config and the manager.
func (e *Engine) DeleteValkey(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveValkey(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.valkeyMgr.Remove(name)
	e.emit(EventValkeyDeleted, ServiceEvent{Name: name})
	return nil
}

// StartValkey starts a single Valkey publisher. The on-connect callback
// handles the initial value sync.
func (e *Engine) StartValkey(name string) error {
	if err := e.valkeyMgr.Start(name); err != nil {
		return err
	}
	e.emit(EventValkeyStarted, ServiceEvent{Name: name})
	return nil
}

// StopValkey stops a single Valkey publisher.
func (e *Engine) StopValkey(name string) error {
	if err := e.valkeyMgr.Stop(name); err != nil {
		return err
	}
	e.emit(EventValkeyStopped, ServiceEvent{Name: name})
	return nil
}

// CreateKafka creates a Kafka cluster, saves config, and registers it.
func (e *Engine) CreateKafka(cfg config.KafkaConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidInput)
	}
	if e.cfg.FindKafka(cfg.Name) != nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrAlreadyExists, cfg.Name)
	}

	e.cfg.Lock()
	e.cfg.AddKafka(cfg)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	kc := e.cfg.FindKafka(cfg.Name)
	e.kafkaMgr.AddCluster(buildKafkaRuntimeConfig(kc))

	if cfg.Enabled {
		e.ConnectKafka(cfg.Name)
	}

	e.emit(EventKafkaCreated, ServiceEvent{Name: cfg.Name})
	return nil
}

// DeleteKafka removes a Kafka cluster from config and the running manager.
func (e *Engine) DeleteKafka(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveKafka(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.stopKafkaConsumer(name)
	e.kafkaMgr.RemoveCluster(name)
	e.emit(EventKafkaDeleted, ServiceEvent{Name: name})
	return nil
}

// ConnectKafka connects a Kafka cluster and starts its write-back
// consumer when configured.
func (e *Engine) ConnectKafka(name string) error {
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}

	if kc := e.cfg.FindKafka(name); kc != nil && kc.EnableWriteback {
		e.startKafkaConsumer(kc)
	}

	go e.forcePublishAllValuesToKafka()

	e.emit(EventKafkaConnected, ServiceEvent{Name: name})
	return nil
}

// DisconnectKafka disconnects a Kafka cluster and stops its consumer.
func (e *Engine) DisconnectKafka(name string) {
	e.stopKafkaConsumer(name)
	e.kafkaMgr.Disconnect(name)
	e.emit(EventKafkaDisconnected, ServiceEvent{Name: name})
}
