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

// Package coordinator turns queued workflow jobs into per-device outcomes.
// Server-side steps run sequentially through the remote task executor; the
// remaining steps are dispatched to the owning node over the gateway, and
// node events are folded into a pending-job entry until every target device
// has reported or the deadline fires.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/durablestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

// ErrNodeNotConnected fails a job fast when its node has no live session.
var ErrNodeNotConnected = errors.New("node-not-connected")

// ErrAgentAckMissing fails a job whose dispatch was never acknowledged.
var ErrAgentAckMissing = errors.New("agent-ack-missing")

// ErrJobTimeout rejects a pending job whose deadline fired.
var ErrJobTimeout = errors.New("job-timeout")

// ErrShutdown rejects pending jobs when the coordinator stops.
var ErrShutdown = errors.New("shutdown")

// ServerDeviceID is the placeholder device id on server-step progress events.
const ServerDeviceID = "server"

// NodeChannel is the slice of the gateway the coordinator uses.
type NodeChannel interface {
	IsConnected(nodeID string) bool
	Send(ctx context.Context, nodeID string, frame messages.Frame) (messages.AckPayload, error)
}

// DurableStore is the slice of the durable store the coordinator uses.
type DurableStore interface {
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, bool, error)
	IncrementExecutionDeviceCount(ctx context.Context, executionKey, countType string) (*durablestore.ExecutionCountResult, error)
	UpdateDeviceStatusWithError(ctx context.Context, deviceID, lastError string) (*durablestore.DeviceErrorResult, error)
}

// Config tunes the coordinator's deadlines.
type Config struct {
	JobTimeout      time.Duration
	AgentAckTimeout time.Duration
	StepTimeout     time.Duration
}

// DefaultConfig returns the production deadlines.
func DefaultConfig() Config {
	return Config{
		JobTimeout:      5 * time.Minute,
		AgentAckTimeout: 30 * time.Second,
		StepTimeout:     5 * time.Minute,
	}
}

// StartEvent is the workflow:start payload.
type StartEvent struct {
	JobID      string   `json:"job_id"`
	WorkflowID string   `json:"workflow_id"`
	NodeID     string   `json:"node_id,omitempty"`
	DeviceIDs  []string `json:"device_ids"`
}

// ProgressEvent is the workflow:progress payload.
type ProgressEvent struct {
	JobID       string `json:"job_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	DeviceID    string `json:"device_id"`
	CurrentStep string `json:"current_step,omitempty"`
	Progress    int    `json:"progress"`
	Message     string `json:"message,omitempty"`
}

// CompleteEvent is the workflow:complete payload: the aggregate outcome of
// one job across all its devices.
type CompleteEvent struct {
	JobID        string                `json:"job_id"`
	WorkflowID   string                `json:"workflow_id"`
	NodeID       string                `json:"node_id,omitempty"`
	Status       model.ExecutionStatus `json:"status"`
	Results      []model.DeviceResult  `json:"results"`
	Result       map[string]any        `json:"result,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at"`
}

// ErrorEvent is the workflow:error payload.
type ErrorEvent struct {
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id"`
	StepID     string `json:"step_id,omitempty"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// OrphanEvent is the node:job:orphaned payload.
type OrphanEvent struct {
	NodeID string `json:"node_id"`
	JobID  string `json:"job_id"`
}

// pendingJob accumulates device outcomes for one dispatched job.
type pendingJob struct {
	jobID  string
	nodeID string
	total  int

	mu      sync.Mutex
	results map[string]model.DeviceResult
	done    chan struct{}
}

// record stores a device outcome. Duplicates overwrite without recounting.
// Returns (first-time, all-reported).
func (p *pendingJob) record(res model.DeviceResult) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, dup := p.results[res.DeviceID]
	p.results[res.DeviceID] = res
	if dup {
		return false, false
	}
	if len(p.results) == p.total {
		close(p.done)
		return true, true
	}
	return true, false
}

// snapshot returns the collected results plus failed placeholders for
// devices that never reported.
func (p *pendingJob) snapshot(deviceIDs []string, missingErr string) []model.DeviceResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DeviceResult, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if res, ok := p.results[id]; ok {
			out = append(out, res)
			continue
		}
		out = append(out, model.DeviceResult{DeviceID: id, Success: false, Error: missingErr})
	}
	return out
}

// Coordinator drives workflow jobs end to end.
type Coordinator struct {
	gateway NodeChannel
	state   *state.Manager
	durable DurableStore
	broker  *bus.Broker
	remote  TaskExecutor
	logger  *slog.Logger
	cfg     Config

	wfCache *expirable.LRU[string, *model.Workflow]

	mu      sync.Mutex
	pending map[string]*pendingJob

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Coordinator. Zero config fields fall back to defaults.
func New(gw NodeChannel, stateMgr *state.Manager, durable DurableStore, broker *bus.Broker, remote TaskExecutor, logger *slog.Logger, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.AgentAckTimeout <= 0 {
		cfg.AgentAckTimeout = def.AgentAckTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gateway: gw,
		state:   stateMgr,
		durable: durable,
		broker:  broker,
		remote:  remote,
		logger:  logger,
		cfg:     cfg,
		wfCache: expirable.NewLRU[string, *model.Workflow](256, nil, 5*time.Minute),
		pending: make(map[string]*pendingJob),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the event watcher: pending jobs whose node disconnects are
// flagged so operators can see them before the deadline fires, and cancel
// requests for active jobs are forwarded to the owning node.
func (c *Coordinator) Start() {
	sub := c.broker.Subscribe(bus.EventNodeDisconnected, bus.EventJobCancelRequest)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.broker.Unsubscribe(sub)
		for {
			select {
			case <-c.stopCh:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch ev.Type {
				case bus.EventNodeDisconnected:
					if node, ok := ev.Payload.(*model.NodeState); ok {
						c.flagOrphans(node)
					}
				case bus.EventJobCancelRequest:
					req, ok := ev.Payload.(queue.CancelRequest)
					if !ok {
						continue
					}
					// Send blocks up to the ack timeout; keep the watcher
					// responsive.
					c.wg.Add(1)
					go func() {
						defer c.wg.Done()
						c.forwardCancel(req)
					}()
				}
			}
		}
	}()
}

func (c *Coordinator) flagOrphans(node *model.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.nodeID == node.ID {
			c.broker.Publish(bus.EventNodeJobOrphaned, OrphanEvent{
				NodeID: node.ID, JobID: p.jobID,
			})
			c.logger.Warn("job orphaned by node disconnect",
				slog.String("node", node.ID), slog.String("job", p.jobID))
		}
	}
}

// forwardCancel relays a queue-side cancel of an active job to its node so
// the agent stops executing. The pending entry names the node; once the
// cancelled worker context has already torn it down, the queue name still
// carries the node id.
func (c *Coordinator) forwardCancel(req queue.CancelRequest) {
	c.mu.Lock()
	pend, ok := c.pending[req.JobID]
	c.mu.Unlock()

	nodeID := ""
	if ok {
		nodeID = pend.nodeID
	} else {
		nodeID = queue.WorkflowQueueNode(req.Queue)
	}
	if nodeID == "" || !c.gateway.IsConnected(nodeID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AgentAckTimeout)
	defer cancel()
	cancelled, err := c.CancelWorkflow(ctx, nodeID, req.JobID)
	if err != nil {
		c.logger.Warn("cancel not delivered to node",
			slog.String("job", req.JobID),
			slog.String("node", nodeID),
			slog.String("error", err.Error()))
		return
	}
	if !cancelled {
		c.logger.Warn("node declined cancel, job already finished there",
			slog.String("job", req.JobID), slog.String("node", nodeID))
		return
	}
	c.logger.Info("cancel delivered to node",
		slog.String("job", req.JobID), slog.String("node", nodeID))
}

// Shutdown stops the watcher; in-flight ExecuteJob calls observe stopCh and
// reject their pending entries with shutdown.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// ExecuteJob is the queue handler: it runs one dequeued job to its aggregate
// outcome. The returned error is non-nil only for retryable infrastructure
// failures; business failures finish the job with a failed aggregate.
func (c *Coordinator) ExecuteJob(ctx context.Context, job *queue.Job) error {
	startedAt := time.Now()
	c.broker.Publish(bus.EventWorkflowStart, StartEvent{
		JobID:      job.JobID,
		WorkflowID: job.WorkflowID,
		NodeID:     job.NodeID,
		DeviceIDs:  job.DeviceIDs,
	})

	wf, err := c.resolveWorkflow(ctx, job)
	if err != nil {
		c.finalize(ctx, job, startedAt, model.ExecutionFailed,
			c.allFailed(job.DeviceIDs, err.Error()), nil)
		return nil
	}

	serverSteps, agentSteps := wf.PartitionSteps()

	serverResult, failErr := c.runServerSteps(ctx, job, wf, serverSteps)
	if failErr != nil {
		c.finalize(ctx, job, startedAt, model.ExecutionFailed,
			c.allFailed(job.DeviceIDs, failErr.Error()), serverResult)
		return nil
	}

	if len(agentSteps) == 0 {
		results := c.synthesizeFromServer(job.DeviceIDs, serverResult)
		c.finalize(ctx, job, startedAt, model.AggregateStatus(results), results, serverResult)
		return nil
	}

	if !c.gateway.IsConnected(job.NodeID) {
		return fmt.Errorf("job %s: %w", job.JobID, ErrNodeNotConnected)
	}

	pend := &pendingJob{
		jobID:   job.JobID,
		nodeID:  job.NodeID,
		total:   len(job.DeviceIDs),
		results: make(map[string]model.DeviceResult, len(job.DeviceIDs)),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.pending[job.JobID] = pend
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, job.JobID)
		c.mu.Unlock()
	}()

	frame, err := messages.NewExecuteWorkflow(messages.ExecuteWorkflowPayload{
		JobID:      job.JobID,
		WorkflowID: job.WorkflowID,
		Workflow:   wf.StripServerSteps(),
		DeviceIDs:  job.DeviceIDs,
		Params:     job.Params,
	})
	if err != nil {
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.AgentAckTimeout)
	ack, err := c.gateway.Send(ackCtx, job.NodeID, frame)
	cancel()
	if err != nil {
		return fmt.Errorf("job %s: %w: %w", job.JobID, ErrAgentAckMissing, err)
	}
	if !ack.Received {
		return fmt.Errorf("job %s: %w: %s", job.JobID, ErrAgentAckMissing, ack.Error)
	}

	deadline := wf.Timeout
	if deadline <= 0 {
		deadline = c.cfg.JobTimeout
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-pend.done:
		results := pend.snapshot(job.DeviceIDs, "missing")
		c.finalize(ctx, job, startedAt, model.AggregateStatus(results), results, serverResult)
		return nil

	case <-timer.C:
		results := pend.snapshot(job.DeviceIDs, ErrJobTimeout.Error())
		c.finalize(ctx, job, startedAt, model.AggregateStatus(results), results, serverResult)
		c.logger.Error("job deadline expired",
			slog.String("job", job.JobID), slog.Duration("deadline", deadline))
		return nil

	case <-c.stopCh:
		results := pend.snapshot(job.DeviceIDs, ErrShutdown.Error())
		c.finalize(context.Background(), job, startedAt, model.ExecutionFailed, results, serverResult)
		return ErrShutdown

	case <-ctx.Done():
		results := pend.snapshot(job.DeviceIDs, "cancelled")
		c.finalize(context.Background(), job, startedAt, model.ExecutionCancelled, results, serverResult)
		return ctx.Err()
	}
}

// runServerSteps executes the server-side prefix sequentially. The returned
// map records per-step outcomes; a non-nil error means a step with on-error
// fail aborted the job.
func (c *Coordinator) runServerSteps(ctx context.Context, job *queue.Job, wf *model.Workflow, steps []model.Step) (map[string]any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	stepResults := make(map[string]any, len(steps))

	for _, step := range steps {
		params := mergeParams(step.Params, job.Params)
		progress := func(p int) {
			c.broker.Publish(bus.EventWorkflowProgress, ProgressEvent{
				JobID:       job.JobID,
				WorkflowID:  wf.ID,
				DeviceID:    ServerDeviceID,
				CurrentStep: step.ID,
				Progress:    p,
			})
		}

		name := step.Name
		if name == "" {
			name = step.ID
		}
		result, err := c.remote.Execute(ctx, name, params, step.EffectiveTimeout(c.cfg.StepTimeout), progress)
		if err == nil {
			stepResults[step.ID] = result
			continue
		}

		c.broker.Publish(bus.EventWorkflowError, ErrorEvent{
			JobID: job.JobID, DeviceID: ServerDeviceID, StepID: step.ID, Error: err.Error(),
		})
		switch step.EffectiveOnError() {
		case model.OnErrorSkip, model.OnErrorContinue:
			stepResults[step.ID] = map[string]any{"error": err.Error()}
			c.logger.Warn("server step failed, continuing",
				slog.String("job", job.JobID),
				slog.String("step", step.ID),
				slog.String("error", err.Error()))
		default:
			return map[string]any{"steps": stepResults}, fmt.Errorf("step %s: %w", step.ID, err)
		}
	}
	return map[string]any{"steps": stepResults}, nil
}

// synthesizeFromServer derives device outcomes for a job with no agent
// steps. A recorded step error fails every device with that message.
func (c *Coordinator) synthesizeFromServer(deviceIDs []string, serverResult map[string]any) []model.DeviceResult {
	firstErr := ""
	if serverResult != nil {
		if steps, ok := serverResult["steps"].(map[string]any); ok {
			for _, v := range steps {
				if m, ok := v.(map[string]any); ok {
					if msg, ok := m["error"].(string); ok && firstErr == "" {
						firstErr = msg
					}
				}
			}
		}
	}
	results := make([]model.DeviceResult, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		results = append(results, model.DeviceResult{
			DeviceID: id,
			Success:  firstErr == "",
			Error:    firstErr,
		})
	}
	return results
}

func (c *Coordinator) allFailed(deviceIDs []string, msg string) []model.DeviceResult {
	results := make([]model.DeviceResult, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		results = append(results, model.DeviceResult{DeviceID: id, Success: false, Error: msg})
	}
	return results
}

// finalize publishes the aggregate outcome and writes the live execution
// hash. Durable mirroring happens downstream off the bus.
func (c *Coordinator) finalize(ctx context.Context, job *queue.Job, startedAt time.Time, status model.ExecutionStatus, results []model.DeviceResult, serverResult map[string]any) {
	completedAt := time.Now()
	completed, failed := 0, 0
	for _, r := range results {
		if r.Success {
			completed++
		} else {
			failed++
		}
	}

	// Executions that did not fully succeed surface the first device error
	// (job-timeout, cancelled, a step failure) at the execution level.
	errMsg := ""
	if status == model.ExecutionFailed || status == model.ExecutionCancelled {
		for _, r := range results {
			if !r.Success && r.Error != "" {
				errMsg = r.Error
				break
			}
		}
	}

	exec := &model.ExecutionState{
		ID:               job.JobID,
		ExecutionKey:     job.JobID,
		WorkflowID:       job.WorkflowID,
		NodeID:           job.NodeID,
		DeviceIDs:        job.DeviceIDs,
		Status:           status,
		Result:           serverResult,
		ErrorMessage:     errMsg,
		TotalDevices:     len(job.DeviceIDs),
		CompletedDevices: completed,
		FailedDevices:    failed,
		Progress:         100,
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
	}
	if err := c.state.SetExecutionState(ctx, exec); err != nil {
		c.logger.Warn("failed to write live execution state",
			slog.String("job", job.JobID), slog.String("error", err.Error()))
	}

	c.broker.Publish(bus.EventWorkflowComplete, CompleteEvent{
		JobID:        job.JobID,
		WorkflowID:   job.WorkflowID,
		NodeID:       job.NodeID,
		Status:       status,
		Results:      results,
		Result:       serverResult,
		ErrorMessage: errMsg,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	})
	c.logger.Info("job finished",
		slog.String("job", job.JobID),
		slog.String("status", string(status)),
		slog.Int("completed", completed),
		slog.Int("failed", failed))
}

// HandleNodeEvent is wired as the gateway's event handler.
func (c *Coordinator) HandleNodeEvent(nodeID string, frame messages.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Type {
	case messages.EventWorkflowProgress:
		var p messages.WorkflowProgressPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		running := model.DeviceRunning
		patch := model.DevicePatch{
			State:       &running,
			CurrentStep: &p.CurrentStep,
			Progress:    &p.Progress,
		}
		if _, err := c.state.UpdateDeviceState(ctx, p.DeviceID, patch); err != nil {
			c.logger.Warn("failed to apply progress to device",
				slog.String("device", p.DeviceID), slog.String("error", err.Error()))
		}
		c.broker.Publish(bus.EventWorkflowProgress, ProgressEvent{
			JobID:       p.JobID,
			DeviceID:    p.DeviceID,
			CurrentStep: p.CurrentStep,
			Progress:    p.Progress,
			Message:     p.Message,
		})

	case messages.EventWorkflowComplete:
		var p messages.WorkflowCompletePayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		c.recordDeviceResult(ctx, p.JobID, model.DeviceResult{
			DeviceID:   p.DeviceID,
			Success:    p.Success,
			DurationMS: p.DurationMS,
			Error:      p.Error,
		})

	case messages.EventWorkflowError:
		var p messages.WorkflowErrorPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		msg := p.Error
		if p.StepID != "" {
			msg = fmt.Sprintf("step %s: %s", p.StepID, p.Error)
		}
		if p.RetryCount > 0 {
			msg = fmt.Sprintf("%s (after %d retries)", msg, p.RetryCount)
		}
		c.broker.Publish(bus.EventWorkflowError, ErrorEvent{
			JobID:      p.JobID,
			DeviceID:   p.DeviceID,
			StepID:     p.StepID,
			Error:      p.Error,
			RetryCount: p.RetryCount,
		})
		c.recordDeviceResult(ctx, p.JobID, model.DeviceResult{
			DeviceID: p.DeviceID,
			Success:  false,
			Error:    msg,
		})
	}
}

// recordDeviceResult folds one device outcome into its pending job and runs
// the per-device side effects exactly once.
func (c *Coordinator) recordDeviceResult(ctx context.Context, jobID string, res model.DeviceResult) {
	c.mu.Lock()
	pend, ok := c.pending[jobID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("device result for unknown job",
			slog.String("job", jobID), slog.String("device", res.DeviceID))
		return
	}

	first, _ := pend.record(res)
	if !first {
		return
	}

	countType := "completed"
	if !res.Success {
		countType = "failed"
	}
	if _, err := c.durable.IncrementExecutionDeviceCount(ctx, jobID, countType); err != nil {
		c.logger.Warn("failed to increment execution counter",
			slog.String("job", jobID), slog.String("error", err.Error()))
	}

	if res.Success {
		completed := model.DeviceCompleted
		empty := ""
		zero := 0
		if _, err := c.state.UpdateDeviceState(ctx, res.DeviceID, model.DevicePatch{
			State: &completed, WorkflowID: &empty, CurrentStep: &empty, Progress: &zero,
		}); err != nil {
			c.logger.Warn("failed to mark device completed",
				slog.String("device", res.DeviceID), slog.String("error", err.Error()))
		}
		return
	}

	errState := model.DeviceError
	patch := model.DevicePatch{State: &errState, LastError: &res.Error}
	rpc, err := c.durable.UpdateDeviceStatusWithError(ctx, res.DeviceID, res.Error)
	if err != nil {
		c.logger.Warn("failed to record device error",
			slog.String("device", res.DeviceID), slog.String("error", err.Error()))
	} else {
		patch.ErrorCount = &rpc.ErrorCount
		if rpc.Status == string(model.DeviceQuarantine) {
			q := model.DeviceQuarantine
			patch.State = &q
		}
	}
	if _, err := c.state.UpdateDeviceState(ctx, res.DeviceID, patch); err != nil {
		c.logger.Warn("failed to mark device errored",
			slog.String("device", res.DeviceID), slog.String("error", err.Error()))
	}
}

// CancelWorkflow asks the node to abort a running job.
func (c *Coordinator) CancelWorkflow(ctx context.Context, nodeID, jobID string) (bool, error) {
	frame, err := messages.NewCancelWorkflow(jobID)
	if err != nil {
		return false, err
	}
	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.AgentAckTimeout)
	defer cancel()
	ack, err := c.gateway.Send(ackCtx, nodeID, frame)
	if err != nil {
		return false, err
	}
	return ack.Cancelled != nil && *ack.Cancelled, nil
}

// resolveWorkflow prefers the job's snapshot, then the cache, then the
// durable store.
func (c *Coordinator) resolveWorkflow(ctx context.Context, job *queue.Job) (*model.Workflow, error) {
	if job.WorkflowSnapshot != nil {
		return job.WorkflowSnapshot, nil
	}
	if wf, ok := c.wfCache.Get(job.WorkflowID); ok {
		return wf, nil
	}
	wf, found, err := c.durable.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", job.WorkflowID, err)
	}
	if !found {
		return nil, fmt.Errorf("workflow %s not found", job.WorkflowID)
	}
	c.wfCache.Add(job.WorkflowID, wf)
	return wf, nil
}

func mergeParams(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
