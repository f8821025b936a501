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

package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

type testRig struct {
	gateway *Gateway
	state   *state.Manager
	server  *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sm := state.NewManager(livestore.New(rdb, nil), broker, nil)
	t.Cleanup(sm.Close)

	g := New(sm, nil)
	t.Cleanup(g.Close)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return &testRig{gateway: g, state: sm, server: srv}
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, nodeID string) {
	t.Helper()
	frame, err := messages.NewRegister(messages.RegisterPayload{NodeID: nodeID})
	if err != nil {
		t.Fatalf("NewRegister: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write REGISTER: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterTagsSession(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)

	if rig.gateway.IsConnected("node-1") {
		t.Fatal("connected before REGISTER")
	}
	register(t, conn, "node-1")

	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") },
		"session never registered")

	node, err := rig.state.GetNodeState(context.Background(), "node-1")
	if err != nil || node == nil || node.Status != model.NodeOnline {
		t.Errorf("node state = %+v err=%v, want online", node, err)
	}
}

func TestSendRequiresSession(t *testing.T) {
	rig := newTestRig(t)

	frame, _ := messages.NewCancelWorkflow("j1")
	_, err := rig.gateway.Send(context.Background(), "ghost", frame)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendWithAck(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	register(t, conn, "node-1")
	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") }, "no session")

	// Agent side: ack every command frame.
	go func() {
		for {
			var frame messages.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.NeedsAck {
				conn.WriteJSON(messages.NewAck(frame.UUID, messages.AckPayload{Received: true}))
			}
		}
	}()

	frame, err := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID:      "j1",
		WorkflowID: "wf1",
		DeviceIDs:  []string{"d1"},
	})
	if err != nil {
		t.Fatalf("NewExecuteWorkflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := rig.gateway.Send(ctx, "node-1", frame)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ack.Received {
		t.Error("ack.Received = false, want true")
	}
}

func TestSendAckTimeout(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	register(t, conn, "node-1")
	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") }, "no session")

	// The agent never acks.
	frame, _ := messages.NewCancelWorkflow("j1")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := rig.gateway.Send(ctx, "node-1", frame)
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("err = %v, want ErrAckTimeout", err)
	}
}

func TestDeviceStatusUpdatesState(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	register(t, conn, "node-1")
	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") }, "no session")

	frame, err := messages.NewDeviceStatus(messages.DeviceStatusPayload{
		NodeID: "node-1",
		Devices: []messages.DeviceReport{
			{ID: "dev-a", Model: "Pixel 6", Battery: 81, State: model.DeviceIdle},
		},
		System: &messages.SystemGauges{CPU: 42.5, Memory: 61.0},
	})
	if err != nil {
		t.Fatalf("NewDeviceStatus: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write DEVICE_STATUS: %v", err)
	}

	ctx := context.Background()
	waitFor(t, func() bool {
		d, _ := rig.state.GetDeviceState(ctx, "dev-a")
		return d != nil && d.Model == "Pixel 6"
	}, "device state never written")

	d, _ := rig.state.GetDeviceState(ctx, "dev-a")
	if d.Battery != 81 || d.NodeID != "node-1" || d.State != model.DeviceIdle {
		t.Errorf("device = %+v", d)
	}
	node, _ := rig.state.GetNodeState(ctx, "node-1")
	if node.CPU != 42.5 || node.Memory != 61.0 || node.DeviceCount != 1 {
		t.Errorf("node = %+v", node)
	}
}

func TestWorkflowEventsReachHandler(t *testing.T) {
	rig := newTestRig(t)

	got := make(chan messages.Frame, 1)
	rig.gateway.SetEventHandler(func(nodeID string, frame messages.Frame) {
		if nodeID == "node-1" {
			got <- frame
		}
	})

	conn := rig.dial(t)
	register(t, conn, "node-1")
	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") }, "no session")

	frame, _ := messages.NewWorkflowComplete(messages.WorkflowCompletePayload{
		JobID: "j1", DeviceID: "dev-a", Success: true, DurationMS: 1200,
	})
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-got:
		if f.Type != messages.EventWorkflowComplete {
			t.Errorf("frame type = %s", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
}

func TestLastWriterWinsOnReRegister(t *testing.T) {
	rig := newTestRig(t)

	first := rig.dial(t)
	register(t, first, "node-1")
	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") }, "no session")

	second := rig.dial(t)
	register(t, second, "node-1")

	// The first socket was closed by the replacement; a write eventually fails.
	waitFor(t, func() bool {
		return first.WriteJSON(messages.NewPing()) != nil
	}, "first session never closed")

	// Commands now land on the second socket.
	frame, _ := messages.New(messages.CmdPing, nil)
	waitFor(t, func() bool {
		if _, err := rig.gateway.Send(context.Background(), "node-1", frame); err != nil {
			return false
		}
		second.SetReadDeadline(time.Now().Add(time.Second))
		var f messages.Frame
		return second.ReadJSON(&f) == nil
	}, "second session never received commands")

	if !rig.gateway.IsConnected("node-1") {
		t.Error("node not connected after re-register")
	}
}

func TestDisconnectMarksNodeOffline(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	register(t, conn, "node-1")
	waitFor(t, func() bool { return rig.gateway.IsConnected("node-1") }, "no session")

	conn.Close()

	ctx := context.Background()
	waitFor(t, func() bool {
		n, _ := rig.state.GetNodeState(ctx, "node-1")
		return n != nil && n.Status == model.NodeOffline
	}, "node never marked offline")

	if rig.gateway.IsConnected("node-1") {
		t.Error("session still present after disconnect")
	}
}
