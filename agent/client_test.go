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

package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
)

// fakeServer plays the orchestrator side of the node channel.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan messages.Frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t, frames: make(chan messages.Frame, 128)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var f messages.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.frames <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) sendToLatest(f messages.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no connection to send on")
	}
	if err := s.conns[len(s.conns)-1].WriteJSON(f); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func (s *fakeServer) dropLatest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		s.conns[len(s.conns)-1].Close()
	}
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// expect returns the next frame of the wanted type, skipping heartbeats and
// other interleaved traffic.
func (s *fakeServer) expect(want messages.MessageType) messages.Frame {
	s.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Type == want {
				return f
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s frame", want)
		}
	}
}

type fakeExecutor struct {
	mu      sync.Mutex
	run     func(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, progress func(string, int, string)) (time.Duration, error)
	devices []string
}

func (f *fakeExecutor) Run(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, progress func(string, int, string)) (time.Duration, error) {
	f.mu.Lock()
	f.devices = append(f.devices, deviceID)
	fn := f.run
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID, job, progress)
	}
	return 100 * time.Millisecond, nil
}

func (f *fakeExecutor) ranOn() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.devices...)
}

func newClient(t *testing.T, s *fakeServer, exec Executor) *Client {
	t.Helper()
	c := New(Config{
		ServerURL:         s.url(),
		NodeID:            "node-1",
		HeartbeatInterval: 20 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		Devices: func() []messages.DeviceReport {
			return []messages.DeviceReport{{ID: "d1", Model: "Pixel 6"}}
		},
	}, exec, nil, nil)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestRegistersOnConnect(t *testing.T) {
	s := newFakeServer(t)
	newClient(t, s, &fakeExecutor{})

	f := s.expect(messages.EventRegister)
	var p messages.RegisterPayload
	if err := f.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.NodeID != "node-1" || p.DeviceCount != 1 {
		t.Errorf("register = %+v", p)
	}
}

func TestHeartbeatsCarryDevices(t *testing.T) {
	s := newFakeServer(t)
	newClient(t, s, &fakeExecutor{})

	f := s.expect(messages.EventDeviceStatus)
	var p messages.DeviceStatusPayload
	if err := f.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.NodeID != "node-1" || len(p.Devices) != 1 || p.Devices[0].Model != "Pixel 6" {
		t.Errorf("heartbeat = %+v", p)
	}
}

func TestPongEchoesPingUUID(t *testing.T) {
	s := newFakeServer(t)
	newClient(t, s, &fakeExecutor{})
	s.expect(messages.EventRegister)

	ping := messages.NewPing()
	s.sendToLatest(ping)

	pong := s.expect(messages.EventPong)
	if pong.UUID != ping.UUID {
		t.Errorf("pong uuid = %s, want %s", pong.UUID, ping.UUID)
	}
}

func TestExecuteWorkflowAcksAndRuns(t *testing.T) {
	s := newFakeServer(t)
	exec := &fakeExecutor{
		run: func(_ context.Context, _ string, _ messages.ExecuteWorkflowPayload, progress func(string, int, string)) (time.Duration, error) {
			progress("s1", 50, "halfway")
			return 1200 * time.Millisecond, nil
		},
	}
	newClient(t, s, exec)
	s.expect(messages.EventRegister)

	cmd, err := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID:      "exec_1",
		WorkflowID: "wf-1",
		DeviceIDs:  []string{"d1"},
	})
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	s.sendToLatest(cmd)

	ack := s.expect(messages.FrameAck)
	if ack.UUID != cmd.UUID {
		t.Errorf("ack uuid = %s, want %s", ack.UUID, cmd.UUID)
	}
	var ackP messages.AckPayload
	if err := ack.Decode(&ackP); err != nil || !ackP.Received {
		t.Errorf("ack payload = %+v err=%v", ackP, err)
	}

	prog := s.expect(messages.EventWorkflowProgress)
	var progP messages.WorkflowProgressPayload
	if err := prog.Decode(&progP); err != nil || progP.Progress != 50 {
		t.Errorf("progress = %+v err=%v", progP, err)
	}

	done := s.expect(messages.EventWorkflowComplete)
	var doneP messages.WorkflowCompletePayload
	if err := done.Decode(&doneP); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if !doneP.Success || doneP.DurationMS != 1200 || doneP.DeviceID != "d1" {
		t.Errorf("complete = %+v", doneP)
	}
}

func TestExecutorFailureReportsError(t *testing.T) {
	s := newFakeServer(t)
	exec := &fakeExecutor{
		run: func(context.Context, string, messages.ExecuteWorkflowPayload, func(string, int, string)) (time.Duration, error) {
			return 0, errors.New("adb: device unauthorized")
		},
	}
	newClient(t, s, exec)
	s.expect(messages.EventRegister)

	cmd, _ := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID: "exec_2", DeviceIDs: []string{"d1"},
	})
	s.sendToLatest(cmd)

	errFrame := s.expect(messages.EventWorkflowError)
	var errP messages.WorkflowErrorPayload
	if err := errFrame.Decode(&errP); err != nil || errP.Error != "adb: device unauthorized" {
		t.Errorf("error payload = %+v err=%v", errP, err)
	}

	done := s.expect(messages.EventWorkflowComplete)
	var doneP messages.WorkflowCompletePayload
	if err := done.Decode(&doneP); err != nil || doneP.Success {
		t.Errorf("complete = %+v err=%v", doneP, err)
	}
}

func TestCancelAbortsRunningJob(t *testing.T) {
	s := newFakeServer(t)
	started := make(chan struct{})
	exec := &fakeExecutor{
		run: func(ctx context.Context, _ string, _ messages.ExecuteWorkflowPayload, _ func(string, int, string)) (time.Duration, error) {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	newClient(t, s, exec)
	s.expect(messages.EventRegister)

	cmd, _ := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID: "exec_3", DeviceIDs: []string{"d1"},
	})
	s.sendToLatest(cmd)
	s.expect(messages.FrameAck)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	cancel, _ := messages.NewCancelWorkflow("exec_3")
	s.sendToLatest(cancel)

	ack := s.expect(messages.FrameAck)
	var ackP messages.AckPayload
	if err := ack.Decode(&ackP); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackP.Cancelled == nil || !*ackP.Cancelled {
		t.Errorf("ack = %+v, want cancelled", ackP)
	}

	done := s.expect(messages.EventWorkflowComplete)
	var doneP messages.WorkflowCompletePayload
	if err := done.Decode(&doneP); err != nil || doneP.Success {
		t.Errorf("complete = %+v err=%v", doneP, err)
	}
}

func TestReconnectReplaysBufferedEvents(t *testing.T) {
	s := newFakeServer(t)
	release := make(chan struct{})
	exec := &fakeExecutor{
		run: func(context.Context, string, messages.ExecuteWorkflowPayload, func(string, int, string)) (time.Duration, error) {
			<-release
			return 10 * time.Millisecond, nil
		},
	}
	newClient(t, s, exec)
	s.expect(messages.EventRegister)

	cmd, _ := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID: "exec_4", DeviceIDs: []string{"d1"},
	})
	s.sendToLatest(cmd)
	s.expect(messages.FrameAck)

	// Drop the session while the job is still running, then let it finish
	// so the completion has to be buffered.
	s.dropLatest()
	close(release)

	// The client reconnects on its own; the buffered completion follows the
	// new registration.
	deadline := time.Now().Add(3 * time.Second)
	for s.connCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.connCount() < 2 {
		t.Fatal("client never reconnected")
	}
	s.expect(messages.EventRegister)

	done := s.expect(messages.EventWorkflowComplete)
	var doneP messages.WorkflowCompletePayload
	if err := done.Decode(&doneP); err != nil || !doneP.Success || doneP.JobID != "exec_4" {
		t.Errorf("replayed complete = %+v err=%v", doneP, err)
	}
}

func TestMultiDeviceDispatchRunsEach(t *testing.T) {
	s := newFakeServer(t)
	exec := &fakeExecutor{}
	newClient(t, s, exec)
	s.expect(messages.EventRegister)

	cmd, _ := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID: "exec_5", DeviceIDs: []string{"d1", "d2", "d3"},
	})
	s.sendToLatest(cmd)
	s.expect(messages.FrameAck)

	seen := map[string]bool{}
	for range 3 {
		done := s.expect(messages.EventWorkflowComplete)
		var p messages.WorkflowCompletePayload
		if err := done.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seen[p.DeviceID] = true
	}
	if len(seen) != 3 {
		t.Errorf("devices completed = %v", seen)
	}
	if got := len(exec.ranOn()); got != 3 {
		t.Errorf("executor ran %d times, want 3", got)
	}
}
