package engine

import (
	"fmt"

	"opclink/config"
)

// CreateServer adds an OPC server to the config and the running manager.
func (e *Engine) CreateServer(srv config.ServerConfig) error {
	if srv.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if srv.ProgID == "" {
		return fmt.Errorf("%w: progid is required", ErrInvalidInput)
	}
	if e.cfg.FindServer(srv.Name) != nil {
		return fmt.Errorf("%w: server '%s'", ErrAlreadyExists, srv.Name)
	}

	e.cfg.Lock()
	e.cfg.AddServer(srv)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.manager.AddServer(e.cfg.FindServer(srv.Name))
	e.updateMQTTServerNamesInternal()

	e.emit(EventServerCreated, ServerEvent{Name: srv.Name})
	return nil
}

// UpdateServer replaces an OPC server's configuration. The managed
// server is re-registered so the next poll picks up the new tag set.
func (e *Engine) UpdateServer(name string, updated config.ServerConfig) error {
	if e.cfg.FindServer(name) == nil {
		return fmt.Errorf("%w: server '%s'", ErrNotFound, name)
	}
	if updated.Name == "" {
		updated.Name = name
	}

	e.cfg.Lock()
	e.cfg.UpdateServer(name, updated)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.manager.RemoveServer(name)
	e.manager.AddServer(e.cfg.FindServer(updated.Name))
	e.updateMQTTServerNamesInternal()

	e.emit(EventServerUpdated, ServerEvent{Name: updated.Name})
	return nil
}

// DeleteServer removes an OPC server from config and the running manager.
func (e *Engine) DeleteServer(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveServer(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: server '%s'", ErrNotFound, name)
	}

	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.manager.RemoveServer(name)
	e.updateMQTTServerNamesInternal()

	e.emit(EventServerDeleted, ServerEvent{Name: name})
	return nil
}

// AddTag appends a tag to a server's poll list.
func (e *Engine) AddTag(serverName string, tag config.TagConfig) error {
	if tag.ItemID == "" {
		return fmt.Errorf("%w: item_id is required", ErrInvalidInput)
	}

	srvCfg := e.cfg.FindServer(serverName)
	if srvCfg == nil {
		return fmt.Errorf("%w: server '%s'", ErrNotFound, serverName)
	}
	for _, t := range srvCfg.Tags {
		if t.ItemID == tag.ItemID {
			return fmt.Errorf("%w: tag '%s'", ErrAlreadyExists, tag.ItemID)
		}
	}

	e.cfg.Lock()
	srvCfg.Tags = append(srvCfg.Tags, tag)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventTagCreated, TagEvent{ServerName: serverName, TagName: tag.PublishName()})
	return nil
}

// RemoveTag deletes a tag from a server's poll list by publish name or item ID.
func (e *Engine) RemoveTag(serverName, tagName string) error {
	srvCfg := e.cfg.FindServer(serverName)
	if srvCfg == nil {
		return fmt.Errorf("%w: server '%s'", ErrNotFound, serverName)
	}

	e.cfg.Lock()
	found := false
	for i, t := range srvCfg.Tags {
		if t.PublishName() == tagName || t.ItemID == tagName {
			srvCfg.Tags = append(srvCfg.Tags[:i], srvCfg.Tags[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		e.cfg.Unlock()
		return fmt.Errorf("%w: tag '%s'", ErrNotFound, tagName)
	}

	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventTagDeleted, TagEvent{ServerName: serverName, TagName: tagName})
	return nil
}
