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

package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

type fakeStaleStore struct {
	cutoff time.Time
	reason string
	keys   []string
}

func (f *fakeStaleStore) FailStaleRunning(_ context.Context, cutoff time.Time, reason string) ([]string, error) {
	f.cutoff = cutoff
	f.reason = reason
	return f.keys, nil
}

func newEnv(t *testing.T) (*livestore.Store, *state.Manager) {
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
	return live, sm
}

func TestSweepDisconnectsStaleNodes(t *testing.T) {
	live, sm := newEnv(t)
	ctx := context.Background()

	if err := sm.RegisterNode(ctx, "fresh", []string{"d1"}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := sm.RegisterNode(ctx, "stale", []string{"d2"}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	// Age the stale node's heartbeat past the timeout.
	old := time.Now().Add(-2 * time.Minute)
	if err := live.ZAdd(ctx, livestore.HeartbeatKey, "stale", float64(old.UnixMilli())); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	m := New(live, sm, nil, nil, Config{})
	m.Sweep(ctx)

	staleNode, _ := sm.GetNodeState(ctx, "stale")
	if staleNode.Status != model.NodeOffline {
		t.Errorf("stale node status = %s, want offline", staleNode.Status)
	}
	d2, _ := sm.GetDeviceState(ctx, "d2")
	if d2.State != model.DeviceDisconnected {
		t.Errorf("stale node device = %s, want DISCONNECTED", d2.State)
	}

	freshNode, _ := sm.GetNodeState(ctx, "fresh")
	if freshNode.Status != model.NodeOnline {
		t.Errorf("fresh node status = %s, want online", freshNode.Status)
	}
}

func TestSweepRunsStaleExecutionSweepWhenEnabled(t *testing.T) {
	live, sm := newEnv(t)
	store := &fakeStaleStore{keys: []string{"exec_1"}}

	m := New(live, sm, store, nil, Config{StaleExecutionAge: 10 * time.Minute})
	m.Sweep(context.Background())

	if store.reason != "stale" {
		t.Errorf("reason = %q, want stale", store.reason)
	}
	if time.Since(store.cutoff) < 10*time.Minute-time.Second {
		t.Errorf("cutoff = %v, want about 10m ago", store.cutoff)
	}
}

func TestSweepSkipsDurableWhenDisabled(t *testing.T) {
	live, sm := newEnv(t)
	store := &fakeStaleStore{}

	m := New(live, sm, store, nil, Config{})
	m.Sweep(context.Background())

	if !store.cutoff.IsZero() {
		t.Error("durable sweep ran despite being disabled")
	}
}
