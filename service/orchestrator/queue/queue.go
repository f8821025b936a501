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

// Package queue implements the durable priority+FIFO job queues on Redis
// sorted sets. One logical queue exists per node (workflow:{node_id}) plus a
// small set of singleton queues. Jobs are idempotent by job id, retried with
// exponential backoff, and their lifecycle events flow over the in-process
// broker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
)

// Singleton queue names. Per-node queues are built with WorkflowQueue.
const (
	QueueVideoExecution = "video-execution"
	QueueDeviceCommand  = "device-command"
	QueueScheduledTask  = "scheduled-task"
	QueueCleanup        = "cleanup"
)

// WorkflowQueue returns the logical queue name for one node.
func WorkflowQueue(nodeID string) string { return "workflow:" + nodeID }

// WorkflowQueueNode is the inverse of WorkflowQueue. It returns "" for queue
// names that are not per-node workflow queues.
func WorkflowQueueNode(queueName string) string {
	if nodeID, ok := strings.CutPrefix(queueName, "workflow:"); ok {
		return nodeID
	}
	return ""
}

// JobStatus is the queue-side lifecycle of a job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDelayed   JobStatus = "delayed"
	StatusPaused    JobStatus = "paused"
	StatusCancelled JobStatus = "cancelled"
	StatusMissing   JobStatus = "missing"
)

// Job is one unit of work on a queue.
type Job struct {
	JobID            string          `json:"job_id"`
	WorkflowID       string          `json:"workflow_id,omitempty"`
	WorkflowSnapshot *model.Workflow `json:"workflow_snapshot,omitempty"`
	DeviceIDs        []string        `json:"device_ids,omitempty"`
	NodeID           string          `json:"node_id,omitempty"`
	Params           map[string]any  `json:"params,omitempty"`
	Priority         int             `json:"priority"`
	MaxAttempts      int             `json:"max_attempts,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`

	// Mutable bookkeeping, kept on the job hash.
	AttemptsMade int    `json:"attempts_made,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Handler processes one active job. A returned error triggers the retry
// policy; ctx is cancelled when the job is cancelled or the manager stops.
type Handler func(ctx context.Context, job *Job) error

// Stats is one queue's depth by lifecycle state.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
}

// RetentionRule bounds how long finished jobs stay around.
type RetentionRule struct {
	Count int
	Age   time.Duration
}

// Config tunes the queue manager.
type Config struct {
	Concurrency      int
	PollInterval     time.Duration
	DefaultAttempts  int
	RetryInitial     time.Duration
	RemoveOnComplete RetentionRule
	RemoveOnFail     RetentionRule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		PollInterval:     250 * time.Millisecond,
		DefaultAttempts:  3,
		RetryInitial:     5 * time.Second,
		RemoveOnComplete: RetentionRule{Count: 1000, Age: 24 * time.Hour},
		RemoveOnFail:     RetentionRule{Count: 5000, Age: 7 * 24 * time.Hour},
	}
}

// Manager owns the Redis-backed queues and their worker loops.
type Manager struct {
	rdb    *redis.Client
	broker *bus.Broker
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // active job id -> abort
	workers map[string]context.CancelFunc // queue name -> worker stop

	wg sync.WaitGroup
}

// NewManager creates a queue manager. Zero-value config fields fall back to
// the defaults.
func NewManager(rdb *redis.Client, broker *bus.Broker, logger *slog.Logger, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = def.DefaultAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RemoveOnComplete == (RetentionRule{}) {
		cfg.RemoveOnComplete = def.RemoveOnComplete
	}
	if cfg.RemoveOnFail == (RetentionRule{}) {
		cfg.RemoveOnFail = def.RemoveOnFail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rdb:     rdb,
		broker:  broker,
		logger:  logger,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
		workers: make(map[string]context.CancelFunc),
	}
}

func waitingKey(q string) string   { return "queue:" + q + ":waiting" }
func delayedKey(q string) string   { return "queue:" + q + ":delayed" }
func activeKey(q string) string    { return "queue:" + q + ":active" }
func completedKey(q string) string { return "queue:" + q + ":completed" }
func failedKey(q string) string    { return "queue:" + q + ":failed" }
func pausedKey(q string) string    { return "queue:" + q + ":paused" }
func jobKey(id string) string      { return "queue:job:" + id }

// waitingScore orders the waiting set by priority DESC then created_at ASC.
// Higher priority sorts lower, so ZPOPMIN pops the right job.
func waitingScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(createdAt.UnixMilli())
}

// AddWorkflowJob enqueues a job. Re-adding an existing job id is a no-op and
// returns false.
func (m *Manager) AddWorkflowJob(ctx context.Context, queueName string, job *Job) (bool, error) {
	if job.JobID == "" {
		return false, fmt.Errorf("job id required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = m.cfg.DefaultAttempts
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.JobID, err)
	}

	created, err := m.rdb.HSetNX(ctx, jobKey(job.JobID), "data", data).Result()
	if err != nil {
		return false, fmt.Errorf("store job %s: %w", job.JobID, err)
	}
	if !created {
		return false, nil
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.JobID), map[string]string{
			"queue": queueName,
			"state": string(StatusWaiting),
		})
		pipe.ZAdd(ctx, waitingKey(queueName), redis.Z{
			Score:  waitingScore(job.Priority, job.CreatedAt),
			Member: job.JobID,
		})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}

	m.broker.Publish(bus.EventJobAdded, job)
	m.logger.Info("job added",
		slog.String("queue", queueName),
		slog.String("job", job.JobID),
		slog.Int("priority", job.Priority))
	return true, nil
}

// GetJobStatus reports the queue-side lifecycle of a job.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	fields, err := m.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return "", fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return StatusMissing, nil
	}
	status := JobStatus(fields["state"])
	if status == StatusWaiting {
		paused, err := m.rdb.Exists(ctx, pausedKey(fields["queue"])).Result()
		if err != nil {
			return "", fmt.Errorf("read queue pause flag: %w", err)
		}
		if paused > 0 {
			return StatusPaused, nil
		}
	}
	return status, nil
}

// GetJob loads a job by id, or (nil, nil) when unknown.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := m.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeJob(fields)
}

func decodeJob(fields map[string]string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.LastError = fields["last_error"]
	return &job, nil
}

// CancelRequest is the job:cancel-request payload for an active job.
type CancelRequest struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
}

// CancelJob cancels a job. Waiting and delayed jobs are removed outright;
// an active job gets a job:cancel-request event for the node side and then
// its handler context cancelled. Returns whether anything was cancelled.
func (m *Manager) CancelJob(ctx context.Context, jobID, queueName string) (bool, error) {
	status, err := m.GetJobStatus(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch status {
	case StatusWaiting, StatusPaused, StatusDelayed:
		_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, waitingKey(queueName), jobID)
			pipe.ZRem(ctx, delayedKey(queueName), jobID)
			pipe.HSet(ctx, jobKey(jobID), "state", string(StatusCancelled))
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		return true, nil

	case StatusActive:
		// Publish before cancelling so the coordinator still sees the job
		// as pending when it forwards the cancel to the node.
		m.broker.Publish(bus.EventJobCancelRequest, CancelRequest{
			JobID: jobID, Queue: queueName,
		})
		m.mu.Lock()
		cancel, ok := m.cancels[jobID]
		m.mu.Unlock()
		if ok {
			cancel()
		}
		return true, nil

	default:
		return false, nil
	}
}

// RetryFailedJobs re-enqueues up to n failed jobs and returns how many moved.
func (m *Manager) RetryFailedJobs(ctx context.Context, queueName string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	ids, err := m.rdb.ZRange(ctx, failedKey(queueName), 0, int64(n-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}

	moved := 0
	for _, id := range ids {
		job, err := m.GetJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, failedKey(queueName), id)
			pipe.HSet(ctx, jobKey(id), map[string]string{
				"state":         string(StatusWaiting),
				"attempts_made": "0",
			})
			pipe.ZAdd(ctx, waitingKey(queueName), redis.Z{
				Score:  waitingScore(job.Priority, job.CreatedAt),
				Member: id,
			})
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("retry job %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

// CleanQueue deletes finished jobs older than grace, up to limit per finished
// set. Returns the number of jobs removed.
func (m *Manager) CleanQueue(ctx context.Context, queueName string, grace time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	cutoff := strconv.FormatInt(time.Now().Add(-grace).UnixMilli(), 10)

	removed := 0
	for _, key := range []string{completedKey(queueName), failedKey(queueName)} {
		ids, err := m.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: cutoff, Count: int64(limit),
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("list finished jobs: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = id
				pipe.Del(ctx, jobKey(id))
			}
			pipe.ZRem(ctx, key, members...)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("clean queue %s: %w", queueName, err)
		}
		removed += len(ids)
	}
	return removed, nil
}

// PauseQueue stops dispatch from the queue until ResumeQueue.
func (m *Manager) PauseQueue(ctx context.Context, queueName string) error {
	if err := m.rdb.Set(ctx, pausedKey(queueName), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause queue %s: %w", queueName, err)
	}
	return nil
}

// ResumeQueue re-enables dispatch.
func (m *Manager) ResumeQueue(ctx context.Context, queueName string) error {
	if err := m.rdb.Del(ctx, pausedKey(queueName)).Err(); err != nil {
		return fmt.Errorf("resume queue %s: %w", queueName, err)
	}
	return nil
}

// GetQueueStats returns the queue depth by state.
func (m *Manager) GetQueueStats(ctx context.Context, queueName string) (*Stats, error) {
	stats := &Stats{Queue: queueName}
	var counts [5]*redis.IntCmd
	var paused *redis.IntCmd
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		counts[0] = pipe.ZCard(ctx, waitingKey(queueName))
		counts[1] = pipe.SCard(ctx, activeKey(queueName))
		counts[2] = pipe.ZCard(ctx, delayedKey(queueName))
		counts[3] = pipe.ZCard(ctx, completedKey(queueName))
		counts[4] = pipe.ZCard(ctx, failedKey(queueName))
		paused = pipe.Exists(ctx, pausedKey(queueName))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats %s: %w", queueName, err)
	}
	stats.Waiting = counts[0].Val()
	stats.Active = counts[1].Val()
	stats.Delayed = counts[2].Val()
	stats.Completed = counts[3].Val()
	stats.Failed = counts[4].Val()
	stats.Paused = paused.Val() > 0
	return stats, nil
}

// ReportProgress publishes a job:progress event and stores the latest
// progress on the job hash.
func (m *Manager) ReportProgress(ctx context.Context, jobID string, progress int) {
	if err := m.rdb.HSet(ctx, jobKey(jobID), "progress", strconv.Itoa(progress)).Err(); err != nil {
		m.logger.Warn("failed to store job progress",
			slog.String("job", jobID), slog.String("error", err.Error()))
	}
	m.broker.Publish(bus.EventJobProgress, map[string]any{
		"job_id": jobID, "progress": progress,
	})
}

// Process starts the worker loop for a queue. One loop per queue; starting a
// second one for the same name replaces the first.
func (m *Manager) Process(queueName string, handler Handler) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if prev, ok := m.workers[queueName]; ok {
		prev()
	}
	m.workers[queueName] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runWorker(ctx, queueName, handler)
}

// Stop halts every worker loop and waits for in-flight handlers.
func (m *Manager) Stop() {
	m.mu.Lock()
	for name, cancel := range m.workers {
		cancel()
		delete(m.workers, name)
	}
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) runWorker(ctx context.Context, queueName string, handler Handler) {
	defer m.wg.Done()

	sem := make(chan struct{}, m.cfg.Concurrency)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := m.promoteDelayed(ctx, queueName); err != nil {
			m.logger.Warn("failed to promote delayed jobs",
				slog.String("queue", queueName), slog.String("error", err.Error()))
			continue
		}

		paused, err := m.rdb.Exists(ctx, pausedKey(queueName)).Result()
		if err != nil || paused > 0 {
			continue
		}

		for {
			acquired := false
			select {
			case sem <- struct{}{}:
				acquired = true
			default:
			}
			if !acquired {
				break
			}
			job, popped := m.popWaiting(ctx, queueName)
			if !popped {
				<-sem
				break
			}
			m.wg.Add(1)
			go func(job *Job) {
				defer m.wg.Done()
				defer func() { <-sem }()
				m.runJob(ctx, queueName, job, handler)
			}(job)
		}
	}
}

// promoteDelayed moves due delayed jobs back onto the waiting set.
func (m *Manager) promoteDelayed(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := m.rdb.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, id := range ids {
		job, err := m.GetJob(ctx, id)
		if err != nil || job == nil {
			m.rdb.ZRem(ctx, delayedKey(queueName), id)
			continue
		}
		_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, delayedKey(queueName), id)
			pipe.HSet(ctx, jobKey(id), "state", string(StatusWaiting))
			pipe.ZAdd(ctx, waitingKey(queueName), redis.Z{
				Score:  waitingScore(job.Priority, job.CreatedAt),
				Member: id,
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) popWaiting(ctx context.Context, queueName string) (*Job, bool) {
	entries, err := m.rdb.ZPopMin(ctx, waitingKey(queueName), 1).Result()
	if err != nil || len(entries) == 0 {
		return nil, false
	}
	jobID, _ := entries[0].Member.(string)

	job, err := m.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return nil, false
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, activeKey(queueName), jobID)
		pipe.HSet(ctx, jobKey(jobID), "state", string(StatusActive))
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to activate job",
			slog.String("job", jobID), slog.String("error", err.Error()))
		return nil, false
	}
	return job, true
}

func (m *Manager) runJob(ctx context.Context, queueName string, job *Job, handler Handler) {
	jobCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[job.JobID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, job.JobID)
		m.mu.Unlock()
	}()

	err := handler(jobCtx, job)
	if err == nil {
		m.finishJob(queueName, job, StatusCompleted, "")
		m.broker.Publish(bus.EventJobCompleted, job)
		return
	}

	if jobCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled by CancelJob, not by shutdown.
		m.finishJob(queueName, job, StatusCancelled, err.Error())
		return
	}

	job.AttemptsMade++
	job.LastError = err.Error()
	if job.AttemptsMade < job.MaxAttempts {
		m.scheduleRetry(queueName, job)
		return
	}

	m.finishJob(queueName, job, StatusFailed, err.Error())
	m.broker.Publish(bus.EventJobFailed, job)
	m.logger.Error("job failed",
		slog.String("queue", queueName),
		slog.String("job", job.JobID),
		slog.Int("attempts", job.AttemptsMade),
		slog.String("error", err.Error()))
}

// scheduleRetry parks the job on the delayed set with exponential backoff
// from the configured initial delay.
func (m *Manager) scheduleRetry(queueName string, job *Job) {
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()

	delay := m.cfg.RetryInitial << uint(job.AttemptsMade-1)
	readyAt := time.Now().Add(delay)

	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, activeKey(queueName), job.JobID)
		pipe.HSet(ctx, jobKey(job.JobID), map[string]string{
			"state":         string(StatusDelayed),
			"attempts_made": strconv.Itoa(job.AttemptsMade),
			"last_error":    job.LastError,
		})
		pipe.ZAdd(ctx, delayedKey(queueName), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: job.JobID,
		})
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to schedule retry",
			slog.String("job", job.JobID), slog.String("error", err.Error()))
		return
	}
	m.logger.Info("job retry scheduled",
		slog.String("queue", queueName),
		slog.String("job", job.JobID),
		slog.Int("attempt", job.AttemptsMade),
		slog.Duration("delay", delay))
}

func (m *Manager) finishJob(queueName string, job *Job, status JobStatus, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	var finishedSet string
	var retention RetentionRule
	switch status {
	case StatusCompleted:
		finishedSet = completedKey(queueName)
		retention = m.cfg.RemoveOnComplete
	case StatusFailed:
		finishedSet = failedKey(queueName)
		retention = m.cfg.RemoveOnFail
	}

	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, activeKey(queueName), job.JobID)
		pipe.HSet(ctx, jobKey(job.JobID), map[string]string{
			"state":         string(status),
			"attempts_made": strconv.Itoa(job.AttemptsMade),
			"last_error":    lastError,
		})
		if finishedSet != "" {
			pipe.ZAdd(ctx, finishedSet, redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: job.JobID,
			})
			pipe.ZRemRangeByScore(ctx, finishedSet, "-inf",
				strconv.FormatInt(now.Add(-retention.Age).UnixMilli(), 10))
			pipe.ZRemRangeByRank(ctx, finishedSet, 0, int64(-retention.Count-1))
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to finish job",
			slog.String("job", job.JobID), slog.String("error", err.Error()))
	}
}
