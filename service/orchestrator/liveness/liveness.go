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

// Package liveness sweeps the heartbeat sorted-set and disconnects nodes
// that have gone quiet. An optional durable sweep fails running executions
// with no recent progress.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

// StaleExecutionStore is the durable hook for the optional execution sweep.
type StaleExecutionStore interface {
	FailStaleRunning(ctx context.Context, cutoff time.Time, reason string) ([]string, error)
}

// Config tunes the monitor.
type Config struct {
	// SweepInterval is how often the heartbeat set is scanned.
	SweepInterval time.Duration
	// HeartbeatTimeout is how long a node may stay silent before it is
	// disconnected.
	HeartbeatTimeout time.Duration
	// StaleExecutionAge enables the durable sweep when positive: running
	// executions untouched for this long are failed with reason "stale".
	StaleExecutionAge time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
	}
}

// Monitor runs the periodic sweeps.
type Monitor struct {
	live    *livestore.Store
	state   *state.Manager
	durable StaleExecutionStore
	logger  *slog.Logger
	cfg     Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Monitor. durable may be nil when the execution sweep is
// disabled.
func New(live *livestore.Store, stateMgr *state.Manager, durable StaleExecutionStore, logger *slog.Logger, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		live:    live,
		state:   stateMgr,
		durable: durable,
		logger:  logger,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Sweep disconnects every node whose heartbeat is older than the timeout and
// runs the optional stale-execution sweep. Exported so operators can trigger
// it on demand.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	stale, err := m.live.ZRangeByScore(ctx, livestore.HeartbeatKey, 0, float64(cutoff.UnixMilli()))
	if err != nil {
		m.logger.Warn("heartbeat sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, nodeID := range stale {
		m.logger.Warn("node heartbeat expired", slog.String("node", nodeID))
		if err := m.state.DisconnectNode(ctx, nodeID); err != nil {
			m.logger.Error("failed to disconnect stale node",
				slog.String("node", nodeID), slog.String("error", err.Error()))
		}
	}

	if m.durable == nil || m.cfg.StaleExecutionAge <= 0 {
		return
	}
	keys, err := m.durable.FailStaleRunning(ctx, time.Now().Add(-m.cfg.StaleExecutionAge), "stale")
	if err != nil {
		m.logger.Warn("stale execution sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, key := range keys {
		m.logger.Warn("execution failed as stale", slog.String("execution", key))
	}
}
