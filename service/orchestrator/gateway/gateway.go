/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package gateway maintains one websocket session per connected node agent.
// A socket is anonymous until its REGISTER frame arrives; after that the
// session is addressable by node id, heartbeats feed the state manager, and
// command frames can be sent with per-message acknowledgement.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

// ErrNotConnected is returned when sending to a node with no live session.
var ErrNotConnected = errors.New("node not connected")

// ErrAckTimeout is returned when a command's acknowledgement does not arrive
// within the caller's deadline.
var ErrAckTimeout = errors.New("ack timeout")

const (
	pingInterval = 10 * time.Second
	pongTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// EventHandler receives node-originated workflow frames (WORKFLOW_PROGRESS,
// WORKFLOW_COMPLETE, WORKFLOW_ERROR) after the gateway's own bookkeeping.
type EventHandler func(nodeID string, frame messages.Frame)

// Gateway is the node channel endpoint.
type Gateway struct {
	state    *state.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	handlerMu sync.RWMutex
	handler   EventHandler
}

// New creates a Gateway over the state manager.
func New(stateMgr *state.Manager, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		state:  stateMgr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// SetEventHandler installs the workflow event sink. Typically the coordinator.
func (g *Gateway) SetEventHandler(h EventHandler) {
	g.handlerMu.Lock()
	g.handler = h
	g.handlerMu.Unlock()
}

// ServeHTTP upgrades /ws/node connections and runs the session until the
// socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s := &session{
		gateway: g,
		conn:    conn,
		sendCh:  make(chan messages.Frame, sendBuffer),
		acks:    make(map[string]chan messages.AckPayload),
		closeCh: make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixMilli())
	go s.writePump()
	s.readPump()
}

// IsConnected reports whether a node has a live session.
func (g *Gateway) IsConnected(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sessions[nodeID]
	return ok
}

// ConnectedNodes lists the node ids with live sessions.
func (g *Gateway) ConnectedNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Send writes a frame to the node. For frames with NeedsAck set it blocks
// until the matching ACK arrives or ctx expires; for the rest it returns as
// soon as the frame is queued.
func (g *Gateway) Send(ctx context.Context, nodeID string, frame messages.Frame) (messages.AckPayload, error) {
	g.mu.RLock()
	s, ok := g.sessions[nodeID]
	g.mu.RUnlock()
	if !ok {
		return messages.AckPayload{}, fmt.Errorf("node %s: %w", nodeID, ErrNotConnected)
	}
	return s.send(ctx, frame)
}

// Close terminates every session.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// register binds the session to its node id. Last writer wins: a previous
// session for the same node is closed and its pending acks are discarded.
func (g *Gateway) register(s *session, p messages.RegisterPayload) {
	g.mu.Lock()
	prev := g.sessions[p.NodeID]
	g.sessions[p.NodeID] = s
	g.mu.Unlock()

	if prev != nil && prev != s {
		g.logger.Info("replacing node session", slog.String("node", p.NodeID))
		prev.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.state.RegisterNode(ctx, p.NodeID, nil); err != nil {
		g.logger.Error("failed to register node state",
			slog.String("node", p.NodeID), slog.String("error", err.Error()))
	}
	g.logger.Info("node session registered",
		slog.String("node", p.NodeID),
		slog.String("version", p.Version),
		slog.Int("devices", p.DeviceCount))
}

// unregister drops the session if it is still the current one for its node
// and marks the node offline.
func (g *Gateway) unregister(s *session) {
	if s.nodeID == "" {
		return
	}
	g.mu.Lock()
	current := g.sessions[s.nodeID] == s
	if current {
		delete(g.sessions, s.nodeID)
	}
	g.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.state.DisconnectNode(ctx, s.nodeID); err != nil {
		g.logger.Error("failed to mark node offline",
			slog.String("node", s.nodeID), slog.String("error", err.Error()))
	}
}

// handleDeviceStatus folds a heartbeat into the live state: node gauges plus
// one device patch per reported device.
func (g *Gateway) handleDeviceStatus(nodeID string, p messages.DeviceStatusPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patch := model.NodeStatePatch{}
	count := len(p.Devices)
	patch.DeviceCount = &count
	if p.System != nil {
		patch.CPU = &p.System.CPU
		patch.Memory = &p.System.Memory
	}
	if _, err := g.state.UpdateNodeState(ctx, nodeID, patch); err != nil {
		g.logger.Warn("failed to update node state",
			slog.String("node", nodeID), slog.String("error", err.Error()))
	}

	now := time.Now()
	for _, d := range p.Devices {
		dp := model.DevicePatch{
			NodeID:        &nodeID,
			LastHeartbeat: &now,
		}
		if d.Model != "" {
			dp.Model = &d.Model
		}
		if d.AndroidVersion != "" {
			dp.AndroidVersion = &d.AndroidVersion
		}
		if d.Battery > 0 {
			dp.Battery = &d.Battery
		}
		if d.IPAddress != "" {
			dp.IPAddress = &d.IPAddress
		}
		if d.USBPort != "" {
			dp.USBPort = &d.USBPort
		}
		if d.State != "" {
			st := d.State
			dp.State = &st
		}
		if _, err := g.state.UpdateDeviceState(ctx, d.ID, dp); err != nil {
			if !errors.Is(err, state.ErrQuarantined) {
				g.logger.Warn("failed to update device state",
					slog.String("device", d.ID), slog.String("error", err.Error()))
			}
		}
	}
}

func (g *Gateway) dispatchEvent(nodeID string, frame messages.Frame) {
	g.handlerMu.RLock()
	h := g.handler
	g.handlerMu.RUnlock()
	if h != nil {
		h(nodeID, frame)
	}
}
