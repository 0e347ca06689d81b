// Package engine centralizes runtime orchestration: manager creation,
// callback wiring, and publisher lifecycle. The TUI is a thin consumer
// of the Engine; the REST API server is owned and started here.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"opclink/api"
	"opclink/config"
	"opclink/kafka"
	"opclink/mqtt"
	"opclink/opcman"
	"opclink/opcworker"
	"opclink/valkey"
)

// LogFunc is the logging callback signature. Engine never imports the tui package.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	Worker     *opcworker.Worker
	LogFunc    LogFunc
}

// Engine owns the managers and their wiring. Create with New, then
// Start to bring everything up.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	opc       *opcworker.Worker
	manager   *opcman.Manager
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	apiSrv    *api.Server

	consumers   map[string]*kafka.Consumer
	consumersMu sync.Mutex

	writeHandler   func(serverName, tagName string, value interface{}) error
	writeValidator func(serverName, tagName string) bool

	Events *EventBus

	stopChan chan struct{}
}

// New creates a new Engine. Call Start() to initialize managers and wiring.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		opc:        c.Worker,
		consumers:  make(map[string]*kafka.Consumer),
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
}

// Start creates all managers, wires callbacks, and auto-starts enabled services.
func (e *Engine) Start() {
	cfg := e.cfg

	e.manager = opcman.NewManager(e.opc, cfg.PollRate)
	e.manager.LoadFromConfig(cfg)

	e.mqttMgr = mqtt.NewManager(cfg.Namespace)
	e.mqttMgr.LoadFromConfig(cfg.MQTT)

	e.valkeyMgr = valkey.NewManager(cfg.Namespace)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey)

	e.kafkaMgr = kafka.NewManager(cfg.Namespace)
	for i := range cfg.Kafka {
		kc := cfg.Kafka[i]
		e.kafkaMgr.AddCluster(buildKafkaRuntimeConfig(&kc))
	}

	e.setupWriteHandlers()
	e.setupValueChangeHandlers()
	e.updateMQTTServerNamesInternal()

	// Late broker connections get a full snapshot so subscribers never
	// wait for the next change.
	e.valkeyMgr.SetOnConnectCallback(func() {
		e.forcePublishAllValuesToValkey()
	})

	e.manager.Start()

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.forcePublishAllValuesToMQTT()
		}
	}()

	go func() {
		e.valkeyMgr.StartAll()
	}()

	go func() {
		e.kafkaMgr.ConnectEnabled()
		e.startKafkaConsumers()
	}()

	if cfg.Web.Enabled {
		e.apiSrv = api.NewServer(e.manager, &cfg.Web)
		if err := e.apiSrv.Start(); err != nil {
			e.logFn("API server failed to start: %v", err)
		}
	}

	go e.publishHealthLoop()
}

// Stop shuts down all managers gracefully. The session worker is left
// running; the caller that started it closes it.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	e.stopKafkaConsumers()

	if e.apiSrv != nil {
		e.apiSrv.Stop()
	}
	if e.mqttMgr != nil {
		e.mqttMgr.StopAll()
	}
	if e.valkeyMgr != nil {
		e.valkeyMgr.StopAll()
	}
	if e.kafkaMgr != nil {
		e.kafkaMgr.StopAll()
	}
	if e.manager != nil {
		e.manager.Stop()
	}
}

// Managers provides access to shared backend managers.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetOPCMan() *opcman.Manager
	GetMQTTMgr() *mqtt.Manager
	GetValkeyMgr() *valkey.Manager
	GetKafkaMgr() *kafka.Manager
}

// Verify *Engine implements Managers at compile time.
var _ Managers = (*Engine)(nil)

func (e *Engine) GetConfig() *config.Config    { return e.cfg }
func (e *Engine) GetConfigPath() string        { return e.configPath }
func (e *Engine) GetOPCMan() *opcman.Manager   { return e.manager }
func (e *Engine) GetMQTTMgr() *mqtt.Manager    { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager  { return e.kafkaMgr }
func (e *Engine) GetAPIServer() *api.Server    { return e.apiSrv }

// WriteTag writes a tag through the session worker, translating a
// rejected write into a plain error for callers that don't distinguish
// business failures from infrastructure ones.
func (e *Engine) WriteTag(serverName, tagName string, value interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := e.manager.WriteTag(ctx, serverName, tagName, value)
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.New(result.Error)
	}
	return nil
}

// saveConfig is a helper that saves while the caller holds the lock.
func (e *Engine) saveConfig() error {
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
