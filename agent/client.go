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

// Package agent is the node-side client of the orchestrator. It keeps a
// websocket session to the server (reconnecting with backoff), reports
// device heartbeats, buffers dispatched workflows per device and drives the
// device executor, streaming progress and outcomes back upstream.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/devicefarm/agent/internalqueue"
	"go.corp.nvidia.com/devicefarm/pkg/messages"
	"go.corp.nvidia.com/devicefarm/utils"
)

// Executor runs the node-side steps of one workflow on one device.
type Executor interface {
	Run(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, progress func(step string, pct int, msg string)) (time.Duration, error)
}

// Config tunes the client.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:port/ws/node.
	ServerURL string
	NodeID    string
	Version   string
	// HeartbeatInterval is the DEVICE_STATUS cadence.
	HeartbeatInterval time.Duration
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
	// Devices supplies the current device inventory for heartbeats and
	// registration.
	Devices func() []messages.DeviceReport
	// System optionally supplies host gauges for heartbeats.
	System func() *messages.SystemGauges
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Client is the node agent.
type Client struct {
	cfg      Config
	executor Executor
	queue    *internalqueue.Queue
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	// outbox buffers workflow events produced while the session is down;
	// they are replayed after the next successful registration.
	outbox  []messages.Frame
	cancels map[string][]context.CancelFunc
	workers map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Client. queue may be pre-restored from disk.
func New(cfg Config, executor Executor, queue *internalqueue.Queue, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Devices == nil {
		cfg.Devices = func() []messages.DeviceReport { return nil }
	}
	if queue == nil {
		queue = internalqueue.New(nil, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		executor: executor,
		queue:    queue,
		logger:   logger,
		cancels:  make(map[string][]context.CancelFunc),
		workers:  make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the connect loop and resumes any restored buffered work.
func (c *Client) Start() {
	for _, dev := range c.queue.Devices() {
		c.ensureWorker(dev)
	}
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the session and flushes the internal queue to disk.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	for _, fns := range c.cancels {
		for _, cancel := range fns {
			cancel()
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
	if err := c.queue.Close(); err != nil {
		c.logger.Warn("failed to flush internal queue", slog.String("error", err.Error()))
	}
}

// runLoop dials, registers and pumps frames until Stop, reconnecting with
// exponential backoff on every drop.
func (c *Client) runLoop() {
	defer c.wg.Done()
	retries := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.ServerURL, nil)
		if err != nil {
			retries++
			delay := utils.CalculateBackoff(retries, c.cfg.MaxBackoff)
			c.logger.Warn("failed to connect, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay))
			select {
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}
		retries = 0

		if err := c.register(conn); err != nil {
			c.logger.Warn("failed to register", slog.String("error", err.Error()))
			conn.Close()
			continue
		}
		c.logger.Info("connected", slog.String("node", c.cfg.NodeID))

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		pending := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for _, f := range pending {
			c.send(f)
		}

		hbStop := make(chan struct{})
		c.wg.Add(1)
		go c.heartbeatLoop(hbStop)

		c.readLoop(conn)
		close(hbStop)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *Client) register(conn *websocket.Conn) error {
	frame, err := messages.NewRegister(messages.RegisterPayload{
		NodeID:      c.cfg.NodeID,
		Version:     c.cfg.Version,
		DeviceCount: len(c.cfg.Devices()),
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			payload := messages.DeviceStatusPayload{
				NodeID:  c.cfg.NodeID,
				Devices: c.cfg.Devices(),
			}
			if c.cfg.System != nil {
				payload.System = c.cfg.System()
			}
			frame, err := messages.NewDeviceStatus(payload)
			if err != nil {
				continue
			}
			// Heartbeats are not worth replaying; a stale one is noise.
			c.writeDirect(frame)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame messages.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Warn("session dropped", slog.String("error", err.Error()))
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame messages.Frame) {
	switch frame.Type {
	case messages.CmdPing:
		c.writeDirect(messages.NewPong(frame.UUID))

	case messages.CmdExecuteWorkflow:
		var p messages.ExecuteWorkflowPayload
		if err := frame.Decode(&p); err != nil {
			c.writeDirect(messages.NewAck(frame.UUID, messages.AckPayload{Error: err.Error()}))
			return
		}
		c.writeDirect(messages.NewAck(frame.UUID, messages.AckPayload{Received: true}))
		c.acceptJob(p)

	case messages.CmdCancelWorkflow:
		var p messages.CancelWorkflowPayload
		if err := frame.Decode(&p); err != nil {
			c.writeDirect(messages.NewAck(frame.UUID, messages.AckPayload{Error: err.Error()}))
			return
		}
		cancelled := c.cancelJob(p.JobID)
		c.writeDirect(messages.NewAck(frame.UUID, messages.AckPayload{
			Received:  true,
			Cancelled: &cancelled,
		}))

	case messages.FrameAck:
		// The server does not ack node events; nothing to resolve.

	default:
		c.logger.Warn("unexpected frame", slog.String("type", string(frame.Type)))
	}
}

// acceptJob fans a dispatched workflow out into the per-device buffers.
func (c *Client) acceptJob(p messages.ExecuteWorkflowPayload) {
	for _, dev := range p.DeviceIDs {
		c.queue.Enqueue(internalqueue.Job{
			ID:       p.JobID,
			DeviceID: dev,
			Payload:  p,
		})
		c.ensureWorker(dev)
	}
	c.logger.Info("accepted workflow job",
		slog.String("job", p.JobID),
		slog.Int("devices", len(p.DeviceIDs)))
}

// cancelJob drops buffered entries and aborts in-flight runs for the job.
// Returns whether anything was affected.
func (c *Client) cancelJob(jobID string) bool {
	any := false
	for c.queue.Remove(jobID) {
		any = true
	}
	c.mu.Lock()
	fns := c.cancels[jobID]
	delete(c.cancels, jobID)
	c.mu.Unlock()
	for _, cancel := range fns {
		cancel()
		any = true
	}
	return any
}

// ensureWorker spawns the device's run loop if one is not already draining
// its buffer.
func (c *Client) ensureWorker(deviceID string) {
	c.mu.Lock()
	if c.workers[deviceID] {
		c.mu.Unlock()
		return
	}
	c.workers[deviceID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			default:
			}
			job, ok := c.queue.Dequeue(deviceID)
			if !ok {
				c.mu.Lock()
				delete(c.workers, deviceID)
				c.mu.Unlock()
				return
			}
			c.runJob(deviceID, job)
		}
	}()
}

func (c *Client) runJob(deviceID string, job internalqueue.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[job.ID] = append(c.cancels[job.ID], cancel)
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		if fns := c.cancels[job.ID]; len(fns) > 1 {
			c.cancels[job.ID] = fns[1:]
		} else {
			delete(c.cancels, job.ID)
		}
		c.mu.Unlock()
	}()

	progress := func(step string, pct int, msg string) {
		frame, err := messages.NewWorkflowProgress(messages.WorkflowProgressPayload{
			JobID:       job.ID,
			DeviceID:    deviceID,
			CurrentStep: step,
			Progress:    pct,
			Message:     msg,
		})
		if err == nil {
			c.send(frame)
		}
	}

	duration, err := c.executor.Run(ctx, deviceID, job.Payload, progress)
	if err != nil {
		if errFrame, ferr := messages.NewWorkflowError(messages.WorkflowErrorPayload{
			JobID:    job.ID,
			DeviceID: deviceID,
			Error:    err.Error(),
		}); ferr == nil {
			c.send(errFrame)
		}
		if doneFrame, ferr := messages.NewWorkflowComplete(messages.WorkflowCompletePayload{
			JobID:      job.ID,
			DeviceID:   deviceID,
			Success:    false,
			DurationMS: duration.Milliseconds(),
			Error:      err.Error(),
		}); ferr == nil {
			c.send(doneFrame)
		}
		return
	}

	if doneFrame, ferr := messages.NewWorkflowComplete(messages.WorkflowCompletePayload{
		JobID:      job.ID,
		DeviceID:   deviceID,
		Success:    true,
		DurationMS: duration.Milliseconds(),
	}); ferr == nil {
		c.send(doneFrame)
	}
}

// send writes the frame, buffering it for replay when the session is down
// or the write fails.
func (c *Client) send(frame messages.Frame) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.outbox = append(c.outbox, frame)
		c.mu.Unlock()
		return
	}
	conn := c.conn
	err := conn.WriteJSON(frame)
	if err != nil {
		c.outbox = append(c.outbox, frame)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("failed to send frame, buffered for replay",
			slog.String("type", string(frame.Type)),
			slog.String("error", err.Error()))
	}
}

// writeDirect writes without buffering. Used for acks, pongs and heartbeats
// that lose their meaning once the session drops.
func (c *Client) writeDirect(frame messages.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.logger.Warn("failed to write frame",
			slog.String("type", string(frame.Type)),
			slog.String("error", err.Error()))
	}
}
