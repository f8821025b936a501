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

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
)

// Gauge names usable in alert rules.
const (
	GaugeOnlineNodes       = "online_nodes"
	GaugeActiveJobs        = "active_jobs"
	GaugeQueueWaitingTotal = "queue_waiting_total"
	GaugeDevicesError      = "devices_error"
	GaugeDevicesQuarantine = "devices_quarantine"
	GaugeMemoryMB          = "memory_mb"
)

// Rule fires when a gauge breaches its threshold continuously for Duration.
type Rule struct {
	Name       string           `yaml:"name" json:"name"`
	Gauge      string           `yaml:"gauge" json:"gauge"`
	Comparator string           `yaml:"comparator" json:"comparator"` // one of < <= > >= ==
	Value      float64          `yaml:"value" json:"value"`
	Duration   time.Duration    `yaml:"duration" json:"duration"`
	Level      model.AlertLevel `yaml:"level" json:"level"`
	Message    string           `yaml:"message" json:"message"`
}

// DefaultRules covers the outages operators always want paged on.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "no-nodes-online",
			Gauge:      GaugeOnlineNodes,
			Comparator: "<",
			Value:      1,
			Duration:   2 * time.Minute,
			Level:      model.AlertCritical,
			Message:    "no worker nodes online",
		},
		{
			Name:       "quarantined-devices",
			Gauge:      GaugeDevicesQuarantine,
			Comparator: ">",
			Value:      0,
			Level:      model.AlertWarning,
			Message:    "devices are quarantined and need a manual reset",
		},
		{
			Name:       "queue-backlog",
			Gauge:      GaugeQueueWaitingTotal,
			Comparator: ">",
			Value:      100,
			Duration:   5 * time.Minute,
			Level:      model.AlertWarning,
			Message:    "workflow queue backlog above 100 jobs",
		},
	}
}

// AlertStore is the durable hook for fired alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *model.Alert) (int64, error)
}

// AlertManager evaluates threshold rules against each metrics snapshot and
// fires deduplicated alerts.
type AlertManager struct {
	broker  *bus.Broker
	live    *livestore.Store
	durable AlertStore
	logger  *slog.Logger
	rules   []Rule

	mu          sync.Mutex
	firstBreach map[string]time.Time
	fired       *expirable.LRU[string, int64]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAlertManager creates an AlertManager. durable may be nil in tests. With
// no rules the default set is used.
func NewAlertManager(broker *bus.Broker, live *livestore.Store, durable AlertStore, logger *slog.Logger, rules []Rule) *AlertManager {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertManager{
		broker:      broker,
		live:        live,
		durable:     durable,
		logger:      logger,
		rules:       rules,
		firstBreach: make(map[string]time.Time),
		fired:       expirable.NewLRU[string, int64](512, nil, time.Hour),
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to metrics snapshots and evaluates rules until Stop.
func (a *AlertManager) Start() {
	sub := a.broker.Subscribe(bus.EventMetricsSnapshot)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.broker.Unsubscribe(sub)
		for {
			select {
			case <-a.stopCh:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				snap, ok := ev.Payload.(*Snapshot)
				if !ok {
					continue
				}
				a.Evaluate(context.Background(), snap)
			}
		}
	}()
}

// Stop halts evaluation.
func (a *AlertManager) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Evaluate checks every rule against the snapshot and fires those whose
// breach has lasted at least the rule's duration.
func (a *AlertManager) Evaluate(ctx context.Context, snap *Snapshot) {
	now := snap.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	for _, r := range a.rules {
		value, ok := gaugeValue(snap, r.Gauge)
		if !ok {
			a.logger.Warn("alert rule references unknown gauge",
				slog.String("rule", r.Name), slog.String("gauge", r.Gauge))
			continue
		}
		if !compare(value, r.Comparator, r.Value) {
			a.mu.Lock()
			delete(a.firstBreach, r.Name)
			a.mu.Unlock()
			continue
		}

		a.mu.Lock()
		first, seen := a.firstBreach[r.Name]
		if !seen {
			first = now
			a.firstBreach[r.Name] = now
		}
		a.mu.Unlock()
		if now.Sub(first) < r.Duration {
			continue
		}
		a.fire(ctx, r, value)
	}
}

// Acknowledge clears the dedup entry so the alert may fire again if the
// condition persists.
func (a *AlertManager) Acknowledge(level model.AlertLevel, message string) {
	a.fired.Remove(dedupKey(level, message))
}

func (a *AlertManager) fire(ctx context.Context, r Rule, value float64) {
	key := dedupKey(r.Level, r.Message)
	if _, dup := a.fired.Get(key); dup {
		return
	}

	alert := &model.Alert{
		Level:   r.Level,
		Message: r.Message,
		Source:  "metrics:" + r.Name,
		Data: map[string]any{
			"gauge":     r.Gauge,
			"value":     value,
			"threshold": r.Value,
		},
		CreatedAt: time.Now(),
	}
	if a.durable != nil {
		id, err := a.durable.InsertAlert(ctx, alert)
		if err != nil {
			a.logger.Error("failed to persist alert",
				slog.String("rule", r.Name), slog.String("error", err.Error()))
		} else {
			alert.ID = id
		}
	}
	a.fired.Add(key, alert.ID)

	a.logger.Warn("alert fired",
		slog.String("rule", r.Name),
		slog.String("level", string(r.Level)),
		slog.String("message", r.Message),
		slog.Float64("value", value))

	if a.live != nil {
		a.live.Publish(ctx, livestore.ChannelAlerts, alert)
	}
	a.broker.Publish(bus.EventAlertFired, alert)
}

func gaugeValue(snap *Snapshot, gauge string) (float64, bool) {
	switch gauge {
	case GaugeOnlineNodes:
		return float64(snap.OnlineNodes), true
	case GaugeActiveJobs:
		return float64(snap.ActiveJobs), true
	case GaugeQueueWaitingTotal:
		var total int64
		for _, w := range snap.QueueWaiting {
			total += w
		}
		return float64(total), true
	case GaugeDevicesError:
		return float64(snap.DevicesByState[string(model.DeviceError)]), true
	case GaugeDevicesQuarantine:
		return float64(snap.DevicesByState[string(model.DeviceQuarantine)]), true
	case GaugeMemoryMB:
		return float64(snap.MemoryBytes) / (1 << 20), true
	}
	return 0, false
}

func compare(value float64, comparator string, threshold float64) bool {
	switch comparator {
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "==":
		return value == threshold
	}
	return false
}

func dedupKey(level model.AlertLevel, message string) string {
	return fmt.Sprintf("%s|%s", level, message)
}
