// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package opamp

import (
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/server/types"
)

// Agent status values surfaced by the REST API.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// AgentState is the server-side view of one collector agent.
type AgentState struct {
	InstanceID      string    `json:"instance_id"`
	AgentType       string    `json:"agent_type"`
	AgentVersion    string    `json:"agent_version,omitempty"`
	EffectiveConfig string    `json:"effective_config,omitempty"`
	Status          string    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`

	conn types.Connection
}

// registry tracks connected agents keyed by instance id, with a reverse
// index from the websocket connection for disconnect handling.
//
// # Thread Safety
//
// All methods are safe for concurrent use; callbacks fire from the opamp
// server's connection goroutines while REST handlers read.
type registry struct {
	mu          sync.RWMutex
	agents      map[string]*AgentState
	connToAgent map[types.Connection]string
	now         func() time.Time
}

func newRegistry() *registry {
	return &registry{
		agents:      make(map[string]*AgentState),
		connToAgent: make(map[types.Connection]string),
		now:         time.Now,
	}
}

// touch finds or creates the agent for an instance id, refreshes its
// liveness, and returns it with the registry still locked via the update
// callback. isNew reports first sight of the instance id.
func (r *registry) touch(instanceID string, conn types.Connection, update func(*AgentState)) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[instanceID]
	if !ok {
		agent = &AgentState{
			InstanceID: instanceID,
			AgentType:  "otel-collector",
		}
		r.agents[instanceID] = agent
		isNew = true
	}
	agent.Status = StatusConnected
	agent.LastSeen = r.now()
	agent.conn = conn
	r.connToAgent[conn] = instanceID

	if update != nil {
		update(agent)
	}
	return isNew
}

// disconnect marks the agent behind a closing connection.
func (r *registry) disconnect(conn types.Connection) (instanceID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instanceID, ok = r.connToAgent[conn]
	if !ok {
		return "", false
	}
	delete(r.connToAgent, conn)
	if agent, exists := r.agents[instanceID]; exists {
		agent.Status = StatusDisconnected
		agent.LastSeen = r.now()
	}
	return instanceID, true
}

// sweepStale marks agents disconnected when no message arrived within
// maxAge. Websocket closes normally catch this first; the sweep covers
// half-open connections.
func (r *registry) sweepStale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var stale []string
	for id, agent := range r.agents {
		if agent.Status == StatusConnected && agent.LastSeen.Before(cutoff) {
			agent.Status = StatusDisconnected
			stale = append(stale, id)
		}
	}
	return stale
}

// get returns a copy of one agent's state.
func (r *registry) get(instanceID string) (AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[instanceID]
	if !ok {
		return AgentState{}, false
	}
	return *agent, true
}

// snapshot returns copies of every agent's state.
func (r *registry) snapshot() map[string]AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AgentState, len(r.agents))
	for id, agent := range r.agents {
		out[id] = *agent
	}
	return out
}

// connectedIDs returns the instance ids of currently connected agents.
func (r *registry) connectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, agent := range r.agents {
		if agent.Status == StatusConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// firstConnected returns any connected agent, preferring none in
// particular. Used by the config endpoint when no instance id is given.
func (r *registry) firstConnected() (AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if agent.Status == StatusConnected {
			return *agent, true
		}
	}
	return AgentState{}, false
}
