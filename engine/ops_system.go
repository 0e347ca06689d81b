package engine

import (
	"fmt"

	"opclink/config"
)

// SetNamespace changes the instance namespace and saves the config.
// Publishers pick the new namespace up on their next restart; a live
// rename mid-publish would interleave old and new topics.
func (e *Engine) SetNamespace(ns string) error {
	if !config.IsValidNamespace(ns) {
		return fmt.Errorf("%w: invalid namespace '%s'", ErrInvalidInput, ns)
	}

	e.cfg.Lock()
	e.cfg.Namespace = ns
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventNamespaceChanged, SystemEvent{Detail: ns})
	return nil
}

// ForcePublishAll pushes the full value snapshot to every connected sink.
func (e *Engine) ForcePublishAll() {
	go e.forcePublishAllValuesToMQTT()
	go e.forcePublishAllValuesToValkey()
	go e.forcePublishAllValuesToKafka()
	e.emit(EventForcePublished, SystemEvent{Detail: "all sinks"})
}
