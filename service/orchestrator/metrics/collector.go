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

// Package metrics samples farm-wide gauges on a fixed cadence, retains a
// bounded history, mirrors the readings into a prometheus registry and feeds
// the alert manager's threshold rules.
package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

// Snapshot is one sampling of the farm.
type Snapshot struct {
	Timestamp      time.Time        `json:"timestamp"`
	OnlineNodes    int              `json:"online_nodes"`
	TotalDevices   int              `json:"total_devices"`
	DevicesByState map[string]int   `json:"devices_by_state"`
	QueueWaiting   map[string]int64 `json:"queue_waiting"`
	ActiveJobs     int64            `json:"active_jobs"`
	MemoryBytes    uint64           `json:"memory_bytes"`
	Goroutines     int              `json:"goroutines"`
}

// QueueStatsSource is the slice of the queue manager the collector uses.
type QueueStatsSource interface {
	GetQueueStats(ctx context.Context, queueName string) (*queue.Stats, error)
}

// Config tunes the collector.
type Config struct {
	Interval    time.Duration
	HistorySize int
	// Queues lists the singleton queues to sample; per-node workflow queues
	// are derived from the online node set.
	Queues []string
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		HistorySize: 1440,
		Queues: []string{
			queue.QueueVideoExecution,
			queue.QueueDeviceCommand,
			queue.QueueScheduledTask,
			queue.QueueCleanup,
		},
	}
}

// Collector samples and distributes snapshots.
type Collector struct {
	state  *state.Manager
	queues QueueStatsSource
	live   *livestore.Store
	broker *bus.Broker
	logger *slog.Logger
	cfg    Config

	mu      sync.RWMutex
	history []*Snapshot

	onlineNodes  prometheus.Gauge
	totalDevices prometheus.Gauge
	devicesState *prometheus.GaugeVec
	queueWaiting *prometheus.GaugeVec
	activeJobs   prometheus.Gauge
	memoryBytes  prometheus.Gauge

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a Collector and registers its gauges with reg.
func NewCollector(stateMgr *state.Manager, queues QueueStatsSource, live *livestore.Store, broker *bus.Broker, reg prometheus.Registerer, logger *slog.Logger, cfg Config) *Collector {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Queues == nil {
		cfg.Queues = def.Queues
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		state:  stateMgr,
		queues: queues,
		live:   live,
		broker: broker,
		logger: logger,
		cfg:    cfg,
		onlineNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicefarm_online_nodes",
			Help: "Worker nodes currently online.",
		}),
		totalDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicefarm_devices_total",
			Help: "Devices known to the live store.",
		}),
		devicesState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devicefarm_devices",
			Help: "Devices by lifecycle state.",
		}, []string{"state"}),
		queueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devicefarm_queue_waiting",
			Help: "Waiting jobs per queue.",
		}, []string{"queue"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicefarm_active_jobs",
			Help: "Jobs currently being processed.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicefarm_process_memory_bytes",
			Help: "Heap bytes in use by the orchestrator process.",
		}),
		stopCh: make(chan struct{}),
	}
	if reg != nil {
		reg.MustRegister(c.onlineNodes, c.totalDevices, c.devicesState,
			c.queueWaiting, c.activeJobs, c.memoryBytes)
	}
	return c
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Collect(context.Background()); err != nil {
					c.logger.Warn("metrics collection failed",
						slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop halts the loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples once, updates the gauges, appends to the history and
// publishes the snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp:      time.Now(),
		DevicesByState: make(map[string]int),
		QueueWaiting:   make(map[string]int64),
	}

	nodes, err := c.state.GetOnlineNodes(ctx)
	if err != nil {
		return nil, err
	}
	snap.OnlineNodes = len(nodes)

	devices, err := c.state.GetAllDeviceStates(ctx)
	if err != nil {
		return nil, err
	}
	snap.TotalDevices = len(devices)
	for _, d := range devices {
		snap.DevicesByState[string(d.State)]++
	}

	queueNames := make([]string, 0, len(c.cfg.Queues)+len(nodes))
	queueNames = append(queueNames, c.cfg.Queues...)
	for _, n := range nodes {
		queueNames = append(queueNames, queue.WorkflowQueue(n.ID))
	}
	for _, name := range queueNames {
		stats, err := c.queues.GetQueueStats(ctx, name)
		if err != nil {
			c.logger.Warn("failed to sample queue",
				slog.String("queue", name), slog.String("error", err.Error()))
			continue
		}
		snap.QueueWaiting[name] = stats.Waiting
		snap.ActiveJobs += stats.Active
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.MemoryBytes = mem.HeapInuse
	snap.Goroutines = runtime.NumGoroutine()

	c.onlineNodes.Set(float64(snap.OnlineNodes))
	c.totalDevices.Set(float64(snap.TotalDevices))
	for _, s := range []model.DeviceState{
		model.DeviceDisconnected, model.DeviceIdle, model.DeviceQueued,
		model.DeviceRunning, model.DeviceCompleted, model.DeviceError,
		model.DeviceQuarantine,
	} {
		c.devicesState.WithLabelValues(string(s)).Set(float64(snap.DevicesByState[string(s)]))
	}
	for name, waiting := range snap.QueueWaiting {
		c.queueWaiting.WithLabelValues(name).Set(float64(waiting))
	}
	c.activeJobs.Set(float64(snap.ActiveJobs))
	c.memoryBytes.Set(float64(snap.MemoryBytes))

	c.mu.Lock()
	c.history = append(c.history, snap)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
	c.mu.Unlock()

	c.live.Publish(ctx, livestore.ChannelMetrics, snap)
	c.broker.Publish(bus.EventMetricsSnapshot, snap)
	return snap, nil
}

// History returns the retained snapshots, oldest first.
func (c *Collector) History() []*Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Snapshot, len(c.history))
	copy(out, c.history)
	return out
}

// Latest returns the most recent snapshot, or nil before the first sample.
func (c *Collector) Latest() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return nil
	}
	return c.history[len(c.history)-1]
}
