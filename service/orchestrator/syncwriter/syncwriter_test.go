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

package syncwriter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/coordinator"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/durablestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
)

type fakeDurable struct {
	mu         sync.Mutex
	executions map[string]*model.ExecutionState
	patches    []durablestore.ExecutionPatch
	logs       []*model.ExecutionLog
	devices    map[string]*model.DeviceInfo
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		executions: make(map[string]*model.ExecutionState),
		devices:    make(map[string]*model.DeviceInfo),
	}
}

func (f *fakeDurable) InsertExecution(_ context.Context, e *model.ExecutionState) (*model.ExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.executions[e.ExecutionKey]; ok {
		return existing, nil
	}
	stored := *e
	f.executions[e.ExecutionKey] = &stored
	return &stored, nil
}

func (f *fakeDurable) UpdateExecutionByKey(_ context.Context, key string, p durablestore.ExecutionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[key]
	if !ok {
		return durablestore.ErrNotFound
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.CurrentStep != nil {
		e.CurrentStep = *p.CurrentStep
	}
	if p.Progress != nil {
		e.Progress = *p.Progress
	}
	if p.Result != nil {
		e.Result = p.Result
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = *p.ErrorMessage
	}
	if p.CompletedAt != nil {
		e.CompletedAt = *p.CompletedAt
	}
	f.patches = append(f.patches, p)
	return nil
}

func (f *fakeDurable) InsertLog(_ context.Context, l *model.ExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *l
	f.logs = append(f.logs, &stored)
	return nil
}

func (f *fakeDurable) UpsertDeviceState(_ context.Context, info *model.DeviceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *info
	f.devices[info.ID] = &stored
	return nil
}

func (f *fakeDurable) execution(key string) *model.ExecutionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.executions[key]; ok {
		copied := *e
		return &copied
	}
	return nil
}

func (f *fakeDurable) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func newWriterEnv(t *testing.T) (*Writer, *fakeDurable, *bus.Broker) {
	t.Helper()
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	durable := newFakeDurable()
	w := New(broker, durable, nil, Config{})
	w.Start()
	t.Cleanup(w.Stop)
	return w, durable, broker
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartMirrorsExecutionRow(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventWorkflowStart, coordinator.StartEvent{
		JobID:      "exec_1",
		WorkflowID: "wf-1",
		NodeID:     "node-1",
		DeviceIDs:  []string{"d1", "d2"},
	})

	waitFor(t, func() bool { return durable.execution("exec_1") != nil })
	e := durable.execution("exec_1")
	if e.Status != model.ExecutionRunning {
		t.Errorf("status = %s, want running", e.Status)
	}
	if e.TotalDevices != 2 || e.NodeID != "node-1" {
		t.Errorf("row = %+v", e)
	}
	waitFor(t, func() bool { return durable.logCount() >= 1 })
}

func TestProgressPatchesExecution(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventWorkflowStart, coordinator.StartEvent{
		JobID: "exec_2", WorkflowID: "wf-1", DeviceIDs: []string{"d1"},
	})
	waitFor(t, func() bool { return durable.execution("exec_2") != nil })

	broker.Publish(bus.EventWorkflowProgress, coordinator.ProgressEvent{
		JobID:       "exec_2",
		DeviceID:    "d1",
		CurrentStep: "install",
		Progress:    40,
	})

	waitFor(t, func() bool {
		e := durable.execution("exec_2")
		return e != nil && e.Progress == 40
	})
	if e := durable.execution("exec_2"); e.CurrentStep != "install" {
		t.Errorf("current step = %q, want install", e.CurrentStep)
	}
}

func TestCompleteFinalizesExecution(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventWorkflowStart, coordinator.StartEvent{
		JobID: "exec_3", WorkflowID: "wf-1", DeviceIDs: []string{"d1"},
	})
	waitFor(t, func() bool { return durable.execution("exec_3") != nil })

	done := time.Now()
	broker.Publish(bus.EventWorkflowComplete, coordinator.CompleteEvent{
		JobID:       "exec_3",
		WorkflowID:  "wf-1",
		Status:      model.ExecutionPartial,
		Results:     []model.DeviceResult{{DeviceID: "d1", Success: false, Error: "tap failed"}},
		CompletedAt: done,
	})

	waitFor(t, func() bool {
		e := durable.execution("exec_3")
		return e != nil && e.Status == model.ExecutionPartial
	})
	e := durable.execution("exec_3")
	if e.Progress != 100 {
		t.Errorf("progress = %d, want 100", e.Progress)
	}
	if e.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}
}

func TestTimeoutCompleteRecordsErrorMessage(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventWorkflowStart, coordinator.StartEvent{
		JobID: "exec_6", WorkflowID: "wf-1", DeviceIDs: []string{"d1"},
	})
	waitFor(t, func() bool { return durable.execution("exec_6") != nil })

	// Shape of the deadline-expired aggregate: failed status plus an
	// execution-level error message naming the timeout.
	broker.Publish(bus.EventWorkflowComplete, coordinator.CompleteEvent{
		JobID:        "exec_6",
		WorkflowID:   "wf-1",
		Status:       model.ExecutionFailed,
		Results:      []model.DeviceResult{{DeviceID: "d1", Success: false, Error: "job-timeout"}},
		ErrorMessage: "job-timeout",
		CompletedAt:  time.Now(),
	})

	waitFor(t, func() bool {
		e := durable.execution("exec_6")
		return e != nil && e.Status == model.ExecutionFailed
	})
	if e := durable.execution("exec_6"); !strings.Contains(e.ErrorMessage, "timeout") {
		t.Errorf("error message = %q, want timeout", e.ErrorMessage)
	}
}

func TestErrorAppendsLog(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventWorkflowError, coordinator.ErrorEvent{
		JobID:    "exec_4",
		DeviceID: "d1",
		StepID:   "tap",
		Error:    "element not found",
	})

	waitFor(t, func() bool { return durable.logCount() == 1 })
	durable.mu.Lock()
	l := durable.logs[0]
	durable.mu.Unlock()
	if l.Level != model.LogError || l.Message != "element not found" || l.StepID != "tap" {
		t.Errorf("log = %+v", l)
	}
}

func TestJobFailedMarksExecutionFailed(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventWorkflowStart, coordinator.StartEvent{
		JobID: "exec_5", WorkflowID: "wf-1", DeviceIDs: []string{"d1"},
	})
	waitFor(t, func() bool { return durable.execution("exec_5") != nil })

	broker.Publish(bus.EventJobFailed, &queue.Job{
		JobID:     "exec_5",
		LastError: "node-not-connected",
	})

	waitFor(t, func() bool {
		e := durable.execution("exec_5")
		return e != nil && e.Status == model.ExecutionFailed
	})
	if e := durable.execution("exec_5"); e.ErrorMessage != "node-not-connected" {
		t.Errorf("error message = %q", e.ErrorMessage)
	}
}

func TestJobFailedWithoutRowIsIgnored(t *testing.T) {
	w, _, broker := newWriterEnv(t)

	broker.Publish(bus.EventJobFailed, &queue.Job{JobID: "exec_missing"})

	waitFor(t, func() bool {
		written, _ := w.Stats()
		return written >= 1
	})
}

func TestDeviceUpdatedMirrorsDevice(t *testing.T) {
	_, durable, broker := newWriterEnv(t)

	broker.Publish(bus.EventDeviceUpdated, &model.DeviceInfo{
		ID:    "d1",
		State: model.DeviceRunning,
	})

	waitFor(t, func() bool {
		durable.mu.Lock()
		defer durable.mu.Unlock()
		return durable.devices["d1"] != nil
	})
	durable.mu.Lock()
	d := durable.devices["d1"]
	durable.mu.Unlock()
	if d.State != model.DeviceRunning {
		t.Errorf("device state = %s, want RUNNING", d.State)
	}
}

func TestBurstOfEventsAllMirrored(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	durable := newFakeDurable()
	w := New(broker, durable, nil, Config{})
	w.Start()

	for i := range 10 {
		broker.Publish(bus.EventWorkflowError, coordinator.ErrorEvent{
			JobID: "exec_drain", Error: "e", RetryCount: i,
		})
	}
	waitFor(t, func() bool { return durable.logCount() == 10 })
	w.Stop()

	if got := durable.logCount(); got != 10 {
		t.Errorf("logs after Stop = %d, want 10", got)
	}
}
