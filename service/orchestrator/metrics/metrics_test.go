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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

type fakeQueueStats struct {
	mu    sync.Mutex
	stats map[string]*queue.Stats
}

func (f *fakeQueueStats) GetQueueStats(_ context.Context, name string) (*queue.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stats[name]; ok {
		return s, nil
	}
	return &queue.Stats{Queue: name}, nil
}

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []*model.Alert
	nextID int64
}

func (f *fakeAlertStore) InsertAlert(_ context.Context, a *model.Alert) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *a
	stored.ID = f.nextID
	f.alerts = append(f.alerts, &stored)
	return f.nextID, nil
}

func (f *fakeAlertStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newCollectorEnv(t *testing.T, queues *fakeQueueStats) (*Collector, *state.Manager, *bus.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	live := livestore.New(rdb, nil)
	sm := state.NewManager(live, broker, nil)
	t.Cleanup(sm.Close)

	c := NewCollector(sm, queues, live, broker, prometheus.NewRegistry(), nil, Config{})
	return c, sm, broker
}

func TestCollectSamplesFarm(t *testing.T) {
	ctx := context.Background()
	queues := &fakeQueueStats{stats: map[string]*queue.Stats{
		queue.WorkflowQueue("node-1"): {Waiting: 3, Active: 1},
	}}
	c, sm, _ := newCollectorEnv(t, queues)

	if err := sm.RegisterNode(ctx, "node-1", []string{"d1", "d2"}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	running := model.DeviceRunning
	if _, err := sm.UpdateDeviceState(ctx, "d2", model.DevicePatch{State: &running}); err != nil {
		t.Fatalf("UpdateDeviceState: %v", err)
	}

	snap, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.OnlineNodes != 1 {
		t.Errorf("OnlineNodes = %d, want 1", snap.OnlineNodes)
	}
	if snap.TotalDevices != 2 {
		t.Errorf("TotalDevices = %d, want 2", snap.TotalDevices)
	}
	if snap.DevicesByState[string(model.DeviceIdle)] != 1 ||
		snap.DevicesByState[string(model.DeviceRunning)] != 1 {
		t.Errorf("DevicesByState = %v", snap.DevicesByState)
	}
	if snap.QueueWaiting[queue.WorkflowQueue("node-1")] != 3 {
		t.Errorf("QueueWaiting = %v, want 3 on the node queue", snap.QueueWaiting)
	}
	if snap.ActiveJobs != 1 {
		t.Errorf("ActiveJobs = %d, want 1", snap.ActiveJobs)
	}
	if snap.MemoryBytes == 0 || snap.Goroutines == 0 {
		t.Error("process stats were not sampled")
	}
}

func TestCollectPublishesSnapshot(t *testing.T) {
	queues := &fakeQueueStats{}
	c, _, broker := newCollectorEnv(t, queues)
	sub := broker.Subscribe(bus.EventMetricsSnapshot)
	defer broker.Unsubscribe(sub)

	if _, err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	select {
	case ev := <-sub:
		if _, ok := ev.Payload.(*Snapshot); !ok {
			t.Errorf("payload type = %T", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot event published")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	queues := &fakeQueueStats{}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	live := livestore.New(rdb, nil)
	sm := state.NewManager(live, broker, nil)
	t.Cleanup(sm.Close)

	c := NewCollector(sm, queues, live, broker, nil, nil, Config{HistorySize: 3})
	for range 5 {
		if _, err := c.Collect(context.Background()); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}
	if got := len(c.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
	if c.Latest() == nil {
		t.Error("Latest returned nil after collecting")
	}
}

func TestAlertFiresOnBreach(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	store := &fakeAlertStore{}

	rules := []Rule{{
		Name:       "no-nodes",
		Gauge:      GaugeOnlineNodes,
		Comparator: "<",
		Value:      1,
		Level:      model.AlertCritical,
		Message:    "no worker nodes online",
	}}
	am := NewAlertManager(broker, nil, store, nil, rules)
	sub := broker.Subscribe(bus.EventAlertFired)
	defer broker.Unsubscribe(sub)

	am.Evaluate(context.Background(), &Snapshot{Timestamp: time.Now()})

	if store.count() != 1 {
		t.Fatalf("persisted alerts = %d, want 1", store.count())
	}
	select {
	case ev := <-sub:
		alert, ok := ev.Payload.(*model.Alert)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if alert.Level != model.AlertCritical || alert.Message != "no worker nodes online" {
			t.Errorf("alert = %+v", alert)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert event published")
	}
}

func TestAlertDedupsUntilAcknowledged(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	store := &fakeAlertStore{}

	rules := []Rule{{
		Name:       "no-nodes",
		Gauge:      GaugeOnlineNodes,
		Comparator: "<",
		Value:      1,
		Level:      model.AlertCritical,
		Message:    "no worker nodes online",
	}}
	am := NewAlertManager(broker, nil, store, nil, rules)
	ctx := context.Background()

	am.Evaluate(ctx, &Snapshot{Timestamp: time.Now()})
	am.Evaluate(ctx, &Snapshot{Timestamp: time.Now()})
	if store.count() != 1 {
		t.Fatalf("persisted alerts = %d, want 1 (deduplicated)", store.count())
	}

	am.Acknowledge(model.AlertCritical, "no worker nodes online")
	am.Evaluate(ctx, &Snapshot{Timestamp: time.Now()})
	if store.count() != 2 {
		t.Errorf("persisted alerts = %d, want 2 after acknowledge", store.count())
	}
}

func TestAlertDurationRequiresSustainedBreach(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	store := &fakeAlertStore{}

	rules := []Rule{{
		Name:       "backlog",
		Gauge:      GaugeQueueWaitingTotal,
		Comparator: ">",
		Value:      10,
		Duration:   time.Minute,
		Level:      model.AlertWarning,
		Message:    "queue backlog",
	}}
	am := NewAlertManager(broker, nil, store, nil, rules)
	ctx := context.Background()

	base := time.Now()
	breach := map[string]int64{"q": 50}

	// Breach starts: duration not yet met.
	am.Evaluate(ctx, &Snapshot{Timestamp: base, QueueWaiting: breach})
	if store.count() != 0 {
		t.Fatalf("alert fired before duration elapsed")
	}

	// Recovery resets the breach clock.
	am.Evaluate(ctx, &Snapshot{Timestamp: base.Add(30 * time.Second)})
	am.Evaluate(ctx, &Snapshot{Timestamp: base.Add(40 * time.Second), QueueWaiting: breach})
	am.Evaluate(ctx, &Snapshot{Timestamp: base.Add(90 * time.Second), QueueWaiting: breach})
	if store.count() != 0 {
		t.Fatalf("alert fired although the breach was interrupted")
	}

	// Sustained past the duration.
	am.Evaluate(ctx, &Snapshot{Timestamp: base.Add(101 * time.Second), QueueWaiting: breach})
	if store.count() != 1 {
		t.Errorf("persisted alerts = %d, want 1 after sustained breach", store.count())
	}
}

func TestAlertManagerConsumesSnapshots(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	store := &fakeAlertStore{}

	rules := []Rule{{
		Name:       "no-nodes",
		Gauge:      GaugeOnlineNodes,
		Comparator: "<",
		Value:      1,
		Level:      model.AlertInfo,
		Message:    "farm empty",
	}}
	am := NewAlertManager(broker, nil, store, nil, rules)
	am.Start()
	t.Cleanup(am.Stop)

	broker.Publish(bus.EventMetricsSnapshot, &Snapshot{Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.count() != 1 {
		t.Errorf("persisted alerts = %d, want 1", store.count())
	}
}
