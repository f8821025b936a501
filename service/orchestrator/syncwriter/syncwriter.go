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

// Package syncwriter mirrors live workflow activity into the durable store.
// It consumes broker events on a single writer goroutine so the hot path
// never blocks on Postgres. Writes are fire-and-forget: a failed mirror is
// logged and skipped, never retried into the caller's latency.
package syncwriter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/coordinator"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/durablestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
)

// Durable is the slice of the durable store the writer needs.
type Durable interface {
	InsertExecution(ctx context.Context, e *model.ExecutionState) (*model.ExecutionState, error)
	UpdateExecutionByKey(ctx context.Context, key string, p durablestore.ExecutionPatch) error
	InsertLog(ctx context.Context, l *model.ExecutionLog) error
	UpsertDeviceState(ctx context.Context, info *model.DeviceInfo) error
}

// Config tunes the writer.
type Config struct {
	// BufferSize bounds the event backlog. Events beyond it are dropped
	// with a warning rather than blocking publishers.
	BufferSize int
	// WriteTimeout bounds each durable write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the production sizing.
func DefaultConfig() Config {
	return Config{BufferSize: 1024, WriteTimeout: 5 * time.Second}
}

// Writer is the fire-and-forget durable mirror.
type Writer struct {
	broker  *bus.Broker
	durable Durable
	logger  *slog.Logger
	cfg     Config

	events chan bus.Event

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	written int64
}

// New creates a Writer.
func New(broker *bus.Broker, durable Durable, logger *slog.Logger, cfg Config) *Writer {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		broker:  broker,
		durable: durable,
		logger:  logger,
		cfg:     cfg,
		events:  make(chan bus.Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to the mirrored events and launches the writer goroutine.
func (w *Writer) Start() {
	sub := w.broker.Subscribe(
		bus.EventWorkflowStart,
		bus.EventWorkflowProgress,
		bus.EventWorkflowComplete,
		bus.EventWorkflowError,
		bus.EventJobFailed,
		bus.EventDeviceUpdated,
	)

	// Pump: moves events off the broker's subscriber buffer into the
	// writer's own backlog, dropping when saturated.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.broker.Unsubscribe(sub)
		for {
			select {
			case <-w.stopCh:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				select {
				case w.events <- ev:
				default:
					w.mu.Lock()
					w.dropped++
					n := w.dropped
					w.mu.Unlock()
					w.logger.Warn("sync writer backlog full, dropping event",
						slog.String("event", string(ev.Type)),
						slog.Int64("dropped_total", n))
				}
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				// Drain what is already buffered before exiting.
				for {
					select {
					case ev := <-w.events:
						w.handle(ev)
					default:
						return
					}
				}
			case ev := <-w.events:
				w.handle(ev)
			}
		}
	}()
}

// Stop halts the writer after draining the buffered backlog.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Stats returns (written, dropped) event counts.
func (w *Writer) Stats() (int64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.dropped
}

func (w *Writer) handle(ev bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case bus.EventWorkflowStart:
		if p, ok := ev.Payload.(coordinator.StartEvent); ok {
			err = w.onStart(ctx, p)
		}
	case bus.EventWorkflowProgress:
		if p, ok := ev.Payload.(coordinator.ProgressEvent); ok {
			err = w.onProgress(ctx, p)
		}
	case bus.EventWorkflowComplete:
		if p, ok := ev.Payload.(coordinator.CompleteEvent); ok {
			err = w.onComplete(ctx, p)
		}
	case bus.EventWorkflowError:
		if p, ok := ev.Payload.(coordinator.ErrorEvent); ok {
			err = w.onError(ctx, p)
		}
	case bus.EventJobFailed:
		if p, ok := ev.Payload.(*queue.Job); ok {
			err = w.onJobFailed(ctx, p)
		}
	case bus.EventDeviceUpdated:
		if p, ok := ev.Payload.(*model.DeviceInfo); ok {
			err = w.durable.UpsertDeviceState(ctx, p)
		}
	}
	if err != nil {
		w.logger.Warn("durable mirror write failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.written++
	w.mu.Unlock()
}

func (w *Writer) onStart(ctx context.Context, p coordinator.StartEvent) error {
	now := time.Now()
	_, err := w.durable.InsertExecution(ctx, &model.ExecutionState{
		ID:           p.JobID,
		ExecutionKey: p.JobID,
		WorkflowID:   p.WorkflowID,
		NodeID:       p.NodeID,
		DeviceIDs:    p.DeviceIDs,
		Status:       model.ExecutionRunning,
		TotalDevices: len(p.DeviceIDs),
		StartedAt:    now,
	})
	if err != nil {
		return err
	}
	return w.durable.InsertLog(ctx, &model.ExecutionLog{
		ExecutionID: p.JobID,
		WorkflowID:  p.WorkflowID,
		Level:       model.LogInfo,
		Status:      model.LogStarted,
		Message:     "workflow started",
		Data:        map[string]any{"node_id": p.NodeID, "device_ids": p.DeviceIDs},
		CreatedAt:   now,
	})
}

func (w *Writer) onProgress(ctx context.Context, p coordinator.ProgressEvent) error {
	patch := durablestore.ExecutionPatch{Progress: &p.Progress}
	if p.CurrentStep != "" {
		patch.CurrentStep = &p.CurrentStep
	}
	if err := w.durable.UpdateExecutionByKey(ctx, p.JobID, patch); err != nil {
		return err
	}
	return w.durable.InsertLog(ctx, &model.ExecutionLog{
		ExecutionID: p.JobID,
		DeviceID:    p.DeviceID,
		WorkflowID:  p.WorkflowID,
		StepID:      p.CurrentStep,
		Level:       model.LogDebug,
		Status:      model.LogProgress,
		Message:     p.Message,
		Data:        map[string]any{"progress": p.Progress},
		CreatedAt:   time.Now(),
	})
}

func (w *Writer) onComplete(ctx context.Context, p coordinator.CompleteEvent) error {
	progress := 100
	completedAt := p.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	patch := durablestore.ExecutionPatch{
		Status:      &p.Status,
		Progress:    &progress,
		CompletedAt: &completedAt,
	}
	if p.Result != nil {
		patch.Result = p.Result
	}
	if p.ErrorMessage != "" {
		patch.ErrorMessage = &p.ErrorMessage
	}
	if err := w.durable.UpdateExecutionByKey(ctx, p.JobID, patch); err != nil {
		return err
	}

	level := model.LogInfo
	status := model.LogCompleted
	if p.Status == model.ExecutionFailed {
		level = model.LogError
		status = model.LogFailed
	}
	outcomes := make(map[string]any, len(p.Results))
	for _, r := range p.Results {
		outcomes[r.DeviceID] = map[string]any{"success": r.Success, "error": r.Error}
	}
	return w.durable.InsertLog(ctx, &model.ExecutionLog{
		ExecutionID: p.JobID,
		WorkflowID:  p.WorkflowID,
		Level:       level,
		Status:      status,
		Message:     "workflow finished with status " + string(p.Status),
		Data:        map[string]any{"devices": outcomes},
		CreatedAt:   completedAt,
	})
}

func (w *Writer) onError(ctx context.Context, p coordinator.ErrorEvent) error {
	return w.durable.InsertLog(ctx, &model.ExecutionLog{
		ExecutionID: p.JobID,
		DeviceID:    p.DeviceID,
		StepID:      p.StepID,
		Level:       model.LogError,
		Status:      model.LogFailed,
		Message:     p.Error,
		Data:        map[string]any{"retry_count": p.RetryCount},
		CreatedAt:   time.Now(),
	})
}

// onJobFailed covers jobs that exhausted their queue retries without ever
// finishing a dispatch, so no workflow:complete was published for them.
func (w *Writer) onJobFailed(ctx context.Context, job *queue.Job) error {
	failed := model.ExecutionFailed
	now := time.Now()
	msg := job.LastError
	if msg == "" {
		msg = "job failed after exhausting retries"
	}
	err := w.durable.UpdateExecutionByKey(ctx, job.JobID, durablestore.ExecutionPatch{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if errors.Is(err, durablestore.ErrNotFound) {
		// The execution row may not exist when the job never reached the
		// coordinator. Nothing durable to mirror onto.
		return nil
	}
	return err
}
