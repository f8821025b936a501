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

package model

import (
	"strings"
	"testing"
	"time"
)

func TestLegacyDeviceStatus(t *testing.T) {
	tests := []struct {
		state DeviceState
		want  string
	}{
		{DeviceIdle, "online"},
		{DeviceQueued, "online"},
		{DeviceCompleted, "online"},
		{DeviceRunning, "busy"},
		{DeviceError, "error"},
		{DeviceQuarantine, "error"},
		{DeviceDisconnected, "offline"},
		{DeviceState("bogus"), "offline"},
	}
	for _, tt := range tests {
		if got := LegacyDeviceStatus(tt.state); got != tt.want {
			t.Errorf("LegacyDeviceStatus(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name    string
		results []DeviceResult
		want    ExecutionStatus
	}{
		{"all success", []DeviceResult{{Success: true}, {Success: true}}, ExecutionCompleted},
		{"all failed", []DeviceResult{{}, {}}, ExecutionFailed},
		{"mixed", []DeviceResult{{Success: true}, {}}, ExecutionPartial},
		{"empty", nil, ExecutionFailed},
	}
	for _, tt := range tests {
		if got := AggregateStatus(tt.results); got != tt.want {
			t.Errorf("%s: AggregateStatus = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionPartial}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecutionQueued, ExecutionPending, ExecutionRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPartitionSteps(t *testing.T) {
	wf := &Workflow{Steps: []Step{
		{ID: "a", Action: ActionCeleryTask},
		{ID: "b", Action: ActionAgentScript},
		{ID: "c", Action: ActionRemoteTask},
		{ID: "d", Action: ActionWait},
		{ID: "e", Action: ActionConditional},
	}}
	server, agent := wf.PartitionSteps()
	if len(server) != 2 || server[0].ID != "a" || server[1].ID != "c" {
		t.Errorf("server steps = %+v", server)
	}
	if len(agent) != 3 || agent[0].ID != "b" || agent[2].ID != "e" {
		t.Errorf("agent steps = %+v", agent)
	}
}

func TestStepDefaults(t *testing.T) {
	s := Step{}
	if got := s.EffectiveOnError(); got != OnErrorFail {
		t.Errorf("default on-error = %s", got)
	}
	if got := s.EffectiveTimeout(time.Minute); got != time.Minute {
		t.Errorf("default timeout = %v", got)
	}
	s.Timeout = 5 * time.Second
	if got := s.EffectiveTimeout(time.Minute); got != 5*time.Second {
		t.Errorf("explicit timeout = %v", got)
	}
}

func TestNewExecutionKeyShape(t *testing.T) {
	k1 := NewExecutionKey()
	k2 := NewExecutionKey()
	if !strings.HasPrefix(k1, "exec_") {
		t.Errorf("key = %s", k1)
	}
	if parts := strings.Split(k1, "_"); len(parts) != 3 || len(parts[2]) != 8 {
		t.Errorf("key shape = %s", k1)
	}
	if k1 == k2 {
		t.Error("consecutive keys collide")
	}
}

func TestDevicePatchLeavesUnsetFields(t *testing.T) {
	d := &DeviceInfo{ID: "d1", State: DeviceIdle, Battery: 90, Progress: 10}
	running := DeviceRunning
	progress := 55
	DevicePatch{State: &running, Progress: &progress}.Apply(d)
	if d.State != DeviceRunning || d.Progress != 55 {
		t.Errorf("patched = %+v", d)
	}
	if d.Battery != 90 || d.ID != "d1" {
		t.Errorf("untouched fields changed: %+v", d)
	}
}

func TestDeviceHashZeroTimesAreStable(t *testing.T) {
	d := &DeviceInfo{ID: "d1", State: DeviceIdle}
	back := DeviceInfoFromHash(d.ToHash())
	if !back.LastErrorAt.IsZero() || !back.LastHeartbeat.IsZero() {
		t.Errorf("zero instants decoded as %v / %v", back.LastErrorAt, back.LastHeartbeat)
	}
	if back.State != DeviceIdle || back.ID != "d1" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestExecutionHashKeepsDeviceList(t *testing.T) {
	e := &ExecutionState{
		ID:           "row-1",
		ExecutionKey: "exec_1_abcd1234",
		WorkflowID:   "wf-1",
		DeviceIDs:    []string{"d1", "d2"},
		Status:       ExecutionRunning,
		Params:       map[string]any{"fps": float64(30)},
		TotalDevices: 2,
	}
	back := ExecutionStateFromHash(e.ToHash())
	if len(back.DeviceIDs) != 2 || back.DeviceIDs[1] != "d2" {
		t.Errorf("device ids = %v", back.DeviceIDs)
	}
	if back.Params["fps"] != float64(30) {
		t.Errorf("params = %v", back.Params)
	}
	if back.Status != ExecutionRunning || back.TotalDevices != 2 {
		t.Errorf("round trip = %+v", back)
	}
}

func TestFromHashEmptyIsNil(t *testing.T) {
	if NodeStateFromHash(nil) != nil {
		t.Error("nil hash should decode to nil node")
	}
	if DeviceInfoFromHash(map[string]string{}) != nil {
		t.Error("empty hash should decode to nil device")
	}
	if ExecutionStateFromHash(nil) != nil {
		t.Error("nil hash should decode to nil execution")
	}
}
