// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package opamp implements the collector control plane: an OpAMP
// websocket server that tracks agent state and distributes collector
// configuration, plus a REST surface for the UI.
//
// Config flows one way: the UI posts YAML to the REST API, the server
// validates and queues it per agent, and the next OpAMP message exchange
// carries it down as a remote config. Agents report their effective
// config back on the same channel.
package opamp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server"
	"github.com/open-telemetry/opamp-go/server/types"

	"github.com/tinyolly/tinyolly/pkg/logging"
)

// ListenPath is the OpAMP websocket endpoint path.
const ListenPath = "/v1/opamp"

// ErrUnknownAgent is returned when a config push names an instance id the
// server has never seen.
var ErrUnknownAgent = errors.New("opamp: unknown agent instance")

// staleAfter marks a silent agent disconnected. It matches the 30s
// collector heartbeat interval, so one missed beat flips the status.
const staleAfter = 30 * time.Second

// Config configures the control plane server.
type Config struct {
	// ListenAddr is the websocket listen address, e.g. ":4320".
	ListenAddr string

	// ConfigPath optionally points at a collector config YAML used as
	// the default payload; it is watched for changes.
	ConfigPath string

	Logger *logging.Logger
}

// Server is the OpAMP control plane.
type Server struct {
	opamp    server.OpAMPServer
	registry *registry
	config   *configSource
	logger   *logging.Logger
	listen   string
}

// NewServer creates the control plane. Run starts it.
func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		registry: newRegistry(),
		config:   newConfigSource(config.ConfigPath, logger),
		logger:   logger,
		listen:   config.ListenAddr,
	}
	s.opamp = server.New(&opampLogger{logger: logger})
	return s
}

// Run serves the OpAMP websocket endpoint until the context ends. The
// config file watcher and the stale-agent sweep run alongside.
func (s *Server) Run(ctx context.Context) error {
	settings := server.StartSettings{
		Settings: server.Settings{
			Callbacks: types.Callbacks{
				OnConnecting: s.onConnecting,
			},
		},
		ListenEndpoint: s.listen,
		ListenPath:     ListenPath,
	}

	s.logger.Info("opamp server listening", "addr", s.listen, "path", ListenPath)
	if err := s.opamp.Start(settings); err != nil {
		return fmt.Errorf("opamp: start server: %w", err)
	}

	go func() {
		if err := s.config.Watch(ctx); err != nil {
			s.logger.Warn("config watch stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.opamp.Stop(shutdownCtx)
		case <-ticker.C:
			for _, id := range s.registry.sweepStale(staleAfter) {
				s.logger.Warn("agent went silent, marking disconnected", "instance_id", id)
			}
		}
	}
}

func (s *Server) onConnecting(request *http.Request) types.ConnectionResponse {
	s.logger.Debug("agent connecting", "remote", request.RemoteAddr)
	return types.ConnectionResponse{
		Accept: true,
		ConnectionCallbacks: types.ConnectionCallbacks{
			OnMessage:         s.onMessage,
			OnConnectionClose: s.onConnectionClose,
		},
	}
}

// onMessage is the heart of the protocol: refresh agent state from the
// message, then piggyback any queued remote config on the response.
func (s *Server) onMessage(ctx context.Context, conn types.Connection, msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
	if len(msg.InstanceUid) == 0 {
		s.logger.Warn("dropping agent message without instance uid")
		return &protobufs.ServerToAgent{}
	}
	instanceID := hex.EncodeToString(msg.InstanceUid)

	isNew := s.registry.touch(instanceID, conn, func(agent *AgentState) {
		if msg.AgentDescription != nil {
			for _, attr := range msg.AgentDescription.IdentifyingAttributes {
				switch attr.Key {
				case "service.name":
					agent.AgentType = attr.Value.GetStringValue()
				case "service.version":
					agent.AgentVersion = attr.Value.GetStringValue()
				}
			}
		}
		if msg.EffectiveConfig != nil && msg.EffectiveConfig.ConfigMap != nil {
			for _, file := range msg.EffectiveConfig.ConfigMap.ConfigMap {
				agent.EffectiveConfig = string(file.Body)
				break
			}
		}
	})
	if isNew {
		s.logger.Info("agent registered", "instance_id", instanceID)
	}

	response := &protobufs.ServerToAgent{InstanceUid: msg.InstanceUid}
	if raw, ok := s.config.TakePending(instanceID); ok {
		s.logger.Info("sending remote config", "instance_id", instanceID)
		response.RemoteConfig = &protobufs.AgentRemoteConfig{
			Config: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"": {Body: []byte(raw)},
				},
			},
			ConfigHash: configHash(),
		}
	}
	return response
}

func (s *Server) onConnectionClose(conn types.Connection) {
	if instanceID, ok := s.registry.disconnect(conn); ok {
		s.logger.Info("agent disconnected", "instance_id", instanceID)
	}
}

// configHash stamps each push uniquely so agents always apply it, even
// when the body is unchanged. The agent echoes the hash in its status.
func configHash() []byte {
	return []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
}

// PushConfig validates a config and queues it for delivery. An empty
// instanceID targets every connected agent; a named instance must exist.
func (s *Server) PushConfig(raw, instanceID string) ([]string, error) {
	if err := ValidateConfig(raw); err != nil {
		return nil, err
	}

	var targets []string
	if instanceID != "" {
		if _, ok := s.registry.get(instanceID); !ok {
			return nil, ErrUnknownAgent
		}
		targets = []string{instanceID}
	} else {
		targets = s.registry.connectedIDs()
	}

	s.config.SetCurrent(raw, targets)
	return targets, nil
}

// Agents returns a snapshot of every known agent.
func (s *Server) Agents() map[string]AgentState {
	return s.registry.snapshot()
}

// Agent returns one agent's state.
func (s *Server) Agent(instanceID string) (AgentState, bool) {
	return s.registry.get(instanceID)
}

// CurrentConfig returns the active collector config body.
func (s *Server) CurrentConfig() string {
	return s.config.Current()
}

// FirstConnected returns any connected agent's state.
func (s *Server) FirstConnected() (AgentState, bool) {
	return s.registry.firstConnected()
}

// opampLogger adapts our logger to the opamp-go logging interface.
type opampLogger struct {
	logger *logging.Logger
}

func (l *opampLogger) Debugf(_ context.Context, format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *opampLogger) Errorf(_ context.Context, format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
