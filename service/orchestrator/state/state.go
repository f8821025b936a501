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

// Package state owns the live view of nodes, devices and executions in the
// Redis store, enforces the device state machine and fans out change events
// on the in-process broker and the channel:state pub/sub channel.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
)

// ErrQuarantined is returned for state changes on a quarantined device.
// Only ResetDevice moves a device out of QUARANTINE.
var ErrQuarantined = errors.New("device is quarantined")

// TerminalExecutionTTL is how long a terminal execution's live hash is kept
// before Redis expires it.
const TerminalExecutionTTL = 30 * time.Minute

// DefaultCompletedDecay is how long a device stays in COMPLETED before it
// settles back to IDLE.
const DefaultCompletedDecay = time.Second

// ChangeEvent is the payload published on channel:state.
type ChangeEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data,omitempty"`
}

// Manager is the live state authority. All methods are safe for concurrent
// callers; hash read-modify-write sections serialise on an internal mutex
// while plain reads go straight to Redis.
type Manager struct {
	live   *livestore.Store
	broker *bus.Broker
	logger *slog.Logger

	completedDecay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewManager creates a Manager over the live store and broker.
func NewManager(live *livestore.Store, broker *bus.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		live:           live,
		broker:         broker,
		logger:         logger,
		completedDecay: DefaultCompletedDecay,
		timers:         make(map[string]*time.Timer),
	}
}

// SetCompletedDecay overrides the COMPLETED -> IDLE settle delay. Test hook.
func (m *Manager) SetCompletedDecay(d time.Duration) { m.completedDecay = d }

// Close cancels any pending COMPLETED decay timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// RegisterNode creates or refreshes the node as online and seeds IDLE device
// entries for every reported device. Devices already past IDLE keep their
// state; DISCONNECTED ones come back as IDLE.
func (m *Manager) RegisterNode(ctx context.Context, nodeID string, deviceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	node, err := m.readNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		node = &model.NodeState{ID: nodeID}
	}
	node.Status = model.NodeOnline
	node.LastSeen = now
	node.DeviceCount = len(deviceIDs)

	devices := make([]*model.DeviceInfo, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, err := m.readDevice(ctx, id)
		if err != nil {
			return err
		}
		if d == nil {
			d = &model.DeviceInfo{ID: id, State: model.DeviceIdle}
		} else if d.State == model.DeviceDisconnected {
			d.State = model.DeviceIdle
		}
		d.NodeID = nodeID
		d.LastHeartbeat = now
		devices = append(devices, d)
	}

	err = m.live.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, livestore.NodeKey(nodeID), node.ToHash())
		pipe.ZAdd(ctx, livestore.HeartbeatKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: nodeID,
		})
		if len(deviceIDs) > 0 {
			members := make([]interface{}, len(deviceIDs))
			for i, id := range deviceIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, livestore.NodeDevicesKey(nodeID), members...)
		}
		for _, d := range devices {
			pipe.HSet(ctx, livestore.DeviceKey(d.ID), d.ToHash())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register node %s: %w", nodeID, err)
	}

	m.broker.Publish(bus.EventNodeRegistered, node)
	m.live.Publish(ctx, livestore.ChannelState, ChangeEvent{
		Type: string(bus.EventNodeRegistered), ID: nodeID, Data: node,
	})
	m.logger.Info("node registered",
		slog.String("node", nodeID), slog.Int("devices", len(deviceIDs)))
	return nil
}

// UpdateNodeState applies a partial update to the node. LastSeen defaults to
// now when the patch leaves it unset, and the heartbeat sorted-set score
// always tracks the stored last_seen.
func (m *Manager) UpdateNodeState(ctx context.Context, nodeID string, patch model.NodeStatePatch) (*model.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.readNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		node = &model.NodeState{ID: nodeID, Status: model.NodeOnline}
	}
	if patch.LastSeen == nil {
		now := time.Now()
		patch.LastSeen = &now
	}
	patch.Apply(node)

	err = m.live.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, livestore.NodeKey(nodeID), node.ToHash())
		pipe.ZAdd(ctx, livestore.HeartbeatKey, redis.Z{
			Score:  float64(node.LastSeen.UnixMilli()),
			Member: nodeID,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update node %s: %w", nodeID, err)
	}
	return node, nil
}

// Heartbeat marks the node online with last_seen=now.
func (m *Manager) Heartbeat(ctx context.Context, nodeID string) error {
	status := model.NodeOnline
	_, err := m.UpdateNodeState(ctx, nodeID, model.NodeStatePatch{Status: &status})
	return err
}

// DisconnectNode marks the node offline, moves every owned device to
// DISCONNECTED and drops the node from the heartbeat sorted-set.
func (m *Manager) DisconnectNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.readNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		node = &model.NodeState{ID: nodeID}
	}
	node.Status = model.NodeOffline

	deviceIDs, err := m.live.SMembers(ctx, livestore.NodeDevicesKey(nodeID))
	if err != nil {
		return err
	}

	devices := make([]*model.DeviceInfo, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, err := m.readDevice(ctx, id)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		d.State = model.DeviceDisconnected
		devices = append(devices, d)
	}

	err = m.live.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, livestore.NodeKey(nodeID), node.ToHash())
		pipe.ZRem(ctx, livestore.HeartbeatKey, nodeID)
		for _, d := range devices {
			pipe.HSet(ctx, livestore.DeviceKey(d.ID), d.ToHash())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("disconnect node %s: %w", nodeID, err)
	}

	m.broker.Publish(bus.EventNodeDisconnected, node)
	m.live.Publish(ctx, livestore.ChannelState, ChangeEvent{
		Type: string(bus.EventNodeDisconnected), ID: nodeID,
	})
	m.logger.Info("node disconnected",
		slog.String("node", nodeID), slog.Int("devices", len(devices)))
	return nil
}

// UpdateDeviceState applies a partial update to the device, creating the
// entry when absent. State changes go through the device state machine:
// quarantined devices reject everything except DISCONNECTED, an ERROR device
// asked for IDLE or RUNNING settles to IDLE with its error count reset, and
// COMPLETED decays to IDLE after the settle delay.
func (m *Manager) UpdateDeviceState(ctx context.Context, deviceID string, patch model.DevicePatch) (*model.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDeviceLocked(ctx, deviceID, patch)
}

func (m *Manager) updateDeviceLocked(ctx context.Context, deviceID string, patch model.DevicePatch) (*model.DeviceInfo, error) {
	d, err := m.readDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = &model.DeviceInfo{ID: deviceID, State: model.DeviceIdle}
	}

	if patch.State != nil {
		next := *patch.State
		switch {
		case d.State == model.DeviceQuarantine && next != model.DeviceDisconnected:
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrQuarantined)
		case d.State == model.DeviceError && (next == model.DeviceIdle || next == model.DeviceRunning):
			// Leaving ERROR clears the error bookkeeping.
			idle := model.DeviceIdle
			zero := 0
			empty := ""
			patch.State = &idle
			patch.ErrorCount = &zero
			patch.LastError = &empty
		}
	}
	patch.Apply(d)

	if err := m.live.HSet(ctx, livestore.DeviceKey(deviceID), d.ToHash()); err != nil {
		return nil, err
	}

	if d.State == model.DeviceCompleted {
		m.scheduleDecay(deviceID)
	}

	m.broker.Publish(bus.EventDeviceUpdated, d)
	m.live.Publish(ctx, livestore.ChannelState, ChangeEvent{
		Type: string(bus.EventDeviceUpdated), ID: deviceID, Data: d,
	})
	return d, nil
}

// ResetDevice is the manual way out of QUARANTINE (or ERROR): state back to
// IDLE with the error bookkeeping cleared.
func (m *Manager) ResetDevice(ctx context.Context, deviceID string) (*model.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.readDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("device %s not found", deviceID)
	}
	d.State = model.DeviceIdle
	d.ErrorCount = 0
	d.LastError = ""
	d.LastErrorAt = time.Time{}

	if err := m.live.HSet(ctx, livestore.DeviceKey(deviceID), d.ToHash()); err != nil {
		return nil, err
	}
	m.broker.Publish(bus.EventDeviceUpdated, d)
	m.live.Publish(ctx, livestore.ChannelState, ChangeEvent{
		Type: string(bus.EventDeviceUpdated), ID: deviceID, Data: d,
	})
	m.logger.Info("device reset", slog.String("device", deviceID))
	return d, nil
}

// scheduleDecay arms (or re-arms) the COMPLETED -> IDLE timer for a device.
// Caller holds m.mu.
func (m *Manager) scheduleDecay(deviceID string) {
	if t, ok := m.timers[deviceID]; ok {
		t.Stop()
	}
	m.timers[deviceID] = time.AfterFunc(m.completedDecay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, deviceID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		d, err := m.readDevice(ctx, deviceID)
		if err != nil || d == nil || d.State != model.DeviceCompleted {
			return
		}
		idle := model.DeviceIdle
		if _, err := m.updateDeviceLocked(ctx, deviceID, model.DevicePatch{State: &idle}); err != nil {
			m.logger.Warn("failed to settle device to idle",
				slog.String("device", deviceID), slog.String("error", err.Error()))
		}
	})
}

// GetNodeState returns the node's live state, or nil when unknown.
func (m *Manager) GetNodeState(ctx context.Context, nodeID string) (*model.NodeState, error) {
	return m.readNode(ctx, nodeID)
}

// GetOnlineNodes returns every node currently marked online.
func (m *Manager) GetOnlineNodes(ctx context.Context) ([]*model.NodeState, error) {
	keys, err := m.live.Keys(ctx, "live:node:*")
	if err != nil {
		return nil, err
	}
	var nodes []*model.NodeState
	for _, key := range keys {
		if strings.HasSuffix(key, ":devices") {
			continue
		}
		h, err := m.live.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if n := model.NodeStateFromHash(h); n != nil && n.Status == model.NodeOnline {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// GetDeviceState returns the device's live state, or nil when unknown.
func (m *Manager) GetDeviceState(ctx context.Context, deviceID string) (*model.DeviceInfo, error) {
	return m.readDevice(ctx, deviceID)
}

// GetAllDeviceStates returns every known device.
func (m *Manager) GetAllDeviceStates(ctx context.Context) ([]*model.DeviceInfo, error) {
	keys, err := m.live.Keys(ctx, "live:device:*")
	if err != nil {
		return nil, err
	}
	var devices []*model.DeviceInfo
	for _, key := range keys {
		h, err := m.live.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if d := model.DeviceInfoFromHash(h); d != nil {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// GetNodeDevices returns the devices owned by a node.
func (m *Manager) GetNodeDevices(ctx context.Context, nodeID string) ([]*model.DeviceInfo, error) {
	ids, err := m.live.SMembers(ctx, livestore.NodeDevicesKey(nodeID))
	if err != nil {
		return nil, err
	}
	var devices []*model.DeviceInfo
	for _, id := range ids {
		d, err := m.readDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// GetIdleDevices returns IDLE devices, optionally scoped to one node.
func (m *Manager) GetIdleDevices(ctx context.Context, nodeID string) ([]*model.DeviceInfo, error) {
	var devices []*model.DeviceInfo
	var err error
	if nodeID != "" {
		devices, err = m.GetNodeDevices(ctx, nodeID)
	} else {
		devices, err = m.GetAllDeviceStates(ctx)
	}
	if err != nil {
		return nil, err
	}
	idle := devices[:0]
	for _, d := range devices {
		if d.State == model.DeviceIdle {
			idle = append(idle, d)
		}
	}
	return idle, nil
}

// SetExecutionState writes the execution's live hash. Terminal executions get
// a TTL so finished state ages out of Redis on its own.
func (m *Manager) SetExecutionState(ctx context.Context, e *model.ExecutionState) error {
	key := livestore.ExecutionKey(e.ExecutionKey)
	if err := m.live.HSet(ctx, key, e.ToHash()); err != nil {
		return err
	}
	if e.Status.Terminal() {
		if err := m.live.Expire(ctx, key, TerminalExecutionTTL); err != nil {
			return err
		}
	}
	m.live.Publish(ctx, livestore.ChannelState, ChangeEvent{
		Type: string(bus.EventStateChange), ID: e.ExecutionKey, Data: e,
	})
	return nil
}

// GetExecutionState returns the execution's live state, or nil when unknown
// or already expired.
func (m *Manager) GetExecutionState(ctx context.Context, executionKey string) (*model.ExecutionState, error) {
	h, err := m.live.HGetAll(ctx, livestore.ExecutionKey(executionKey))
	if err != nil {
		return nil, err
	}
	return model.ExecutionStateFromHash(h), nil
}

func (m *Manager) readNode(ctx context.Context, nodeID string) (*model.NodeState, error) {
	h, err := m.live.HGetAll(ctx, livestore.NodeKey(nodeID))
	if err != nil {
		return nil, err
	}
	return model.NodeStateFromHash(h), nil
}

func (m *Manager) readDevice(ctx context.Context, deviceID string) (*model.DeviceInfo, error) {
	h, err := m.live.HGetAll(ctx, livestore.DeviceKey(deviceID))
	if err != nil {
		return nil, err
	}
	return model.DeviceInfoFromHash(h), nil
}
