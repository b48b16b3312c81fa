// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package opamp

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tinyolly/tinyolly/pkg/logging"
)

// requiredConfigKeys are the top-level sections a collector config must
// declare before the server will distribute it.
var requiredConfigKeys = []string{"receivers", "exporters", "service"}

// ValidateConfig checks that the payload parses as YAML and declares the
// top-level collector sections. It does not validate component names; the
// collector itself reports those back via the OpAMP status channel.
func ValidateConfig(raw string) error {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	for _, key := range requiredConfigKeys {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("missing required section %q", key)
		}
	}
	return nil
}

// configSource holds the current collector config and the per-agent
// pending pushes. Pushes are last-write-wins: posting a new config while
// one is still queued replaces the queued one.
type configSource struct {
	mu      sync.RWMutex
	current string
	pending map[string]string
	path    string

	logger *logging.Logger
}

func newConfigSource(path string, logger *logging.Logger) *configSource {
	c := &configSource{
		pending: make(map[string]string),
		path:    path,
		logger:  logger,
	}
	c.load()
	return c
}

// load reads the config file when one is configured, falling back to the
// built-in default pipeline.
func (c *configSource) load() {
	if c.path != "" {
		data, err := os.ReadFile(c.path)
		if err == nil {
			c.mu.Lock()
			c.current = string(data)
			c.mu.Unlock()
			c.logger.Info("loaded collector config", "path", c.path)
			return
		}
		c.logger.Warn("collector config unreadable, using built-in default",
			"path", c.path, "error", err)
	}
	c.mu.Lock()
	c.current = defaultCollectorConfig
	c.mu.Unlock()
}

// Current returns the active config body.
func (c *configSource) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// SetCurrent replaces the active config and queues it for the given
// agents.
func (c *configSource) SetCurrent(raw string, instanceIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = raw
	for _, id := range instanceIDs {
		c.pending[id] = raw
	}
}

// TakePending removes and returns the queued config for an agent, if any.
func (c *configSource) TakePending(instanceID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.pending[instanceID]
	if ok {
		delete(c.pending, instanceID)
	}
	return raw, ok
}

// Watch reloads the config file when it changes on disk. Returns when the
// context ends or when no file path is configured.
func (c *configSource) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("opamp: config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.path); err != nil {
		return fmt.Errorf("opamp: watch %s: %w", c.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.logger.Info("collector config changed on disk, reloading", "path", c.path)
				c.load()
			}
			// Editors often replace the file; re-add after rename/remove.
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				_ = watcher.Add(c.path)
				c.load()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("config watcher error", "error", err)
		}
	}
}

// defaultCollectorConfig ships a working local pipeline: OTLP in on the
// standard collector ports, batch, and OTLP out to this backend's
// receiver, with the opamp extension pointed back at this server.
const defaultCollectorConfig = `receivers:
  otlp:
    protocols:
      grpc:
        endpoint: 0.0.0.0:4317
      http:
        endpoint: 0.0.0.0:4318

extensions:
  opamp:
    server:
      ws:
        endpoint: ws://tinyolly-opamp-server:4320/v1/opamp

processors:
  batch:
    timeout: 1s
    send_batch_size: 1024

exporters:
  debug:
    verbosity: detailed

  otlp:
    endpoint: "tinyolly-otlp-receiver:4343"
    tls:
      insecure: true

service:
  extensions: [opamp]
  pipelines:
    traces:
      receivers: [otlp]
      processors: [batch]
      exporters: [debug, otlp]

    metrics:
      receivers: [otlp]
      processors: [batch]
      exporters: [debug, otlp]

    logs:
      receivers: [otlp]
      processors: [batch]
      exporters: [debug, otlp]
`
