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

// Package internalqueue buffers workflow jobs on the node between the
// websocket channel and the device workers. Each device has its own ordered
// buffer so a slow device never starves the others. The buffer survives
// agent restarts through a pluggable persistence adapter.
package internalqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
)

// Event names emitted to the listener.
const (
	EventJobEnqueued = "job:enqueued"
	EventJobDequeued = "job:dequeued"
	EventJobRemoved  = "job:removed"
	EventQueueEmpty  = "queue:empty"
)

// Job is one buffered unit of device work.
type Job struct {
	ID         string                          `json:"id"`
	DeviceID   string                          `json:"device_id"`
	Priority   int                             `json:"priority"`
	EnqueuedAt time.Time                       `json:"enqueued_at"`
	Payload    messages.ExecuteWorkflowPayload `json:"payload"`
}

// Listener observes queue activity. event is one of the Event* names; for
// EventQueueEmpty the job carries only the DeviceID.
type Listener func(event string, job Job)

// Persister stores the queue contents. Implementations must tolerate being
// called from the debounce goroutine.
type Persister interface {
	Save(ctx context.Context, jobs []Job) error
	Load(ctx context.Context) ([]Job, error)
}

const persistDebounce = time.Second

// Queue is the per-device job buffer.
type Queue struct {
	logger    *slog.Logger
	persister Persister
	listener  Listener

	mu     sync.Mutex
	byDev  map[string][]Job
	timer  *time.Timer
	closed bool
}

// New creates a Queue. persister may be nil for a purely in-memory buffer.
func New(persister Persister, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:    logger,
		persister: persister,
		byDev:     make(map[string][]Job),
	}
}

// SetListener installs the event observer. Must be called before use.
func (q *Queue) SetListener(l Listener) { q.listener = l }

// Restore loads previously persisted jobs back into the buffer.
func (q *Queue) Restore(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	jobs, err := q.persister.Load(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	for _, j := range jobs {
		q.byDev[j.DeviceID] = append(q.byDev[j.DeviceID], j)
	}
	for dev := range q.byDev {
		q.sortLocked(dev)
	}
	q.mu.Unlock()
	if len(jobs) > 0 {
		q.logger.Info("restored buffered jobs", slog.Int("count", len(jobs)))
	}
	return nil
}

// Enqueue buffers a job for its device.
func (q *Queue) Enqueue(job Job) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.byDev[job.DeviceID] = append(q.byDev[job.DeviceID], job)
	q.sortLocked(job.DeviceID)
	q.schedulePersistLocked()
	q.mu.Unlock()
	q.emit(EventJobEnqueued, job)
}

// Dequeue pops the highest-priority, oldest job for the device. When the pop
// leaves the device's buffer empty a queue:empty event follows.
func (q *Queue) Dequeue(deviceID string) (Job, bool) {
	q.mu.Lock()
	jobs := q.byDev[deviceID]
	if len(jobs) == 0 {
		q.mu.Unlock()
		return Job{}, false
	}
	job := jobs[0]
	if len(jobs) == 1 {
		delete(q.byDev, deviceID)
	} else {
		q.byDev[deviceID] = jobs[1:]
	}
	empty := len(q.byDev[deviceID]) == 0
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.emit(EventJobDequeued, job)
	if empty {
		q.emit(EventQueueEmpty, Job{DeviceID: deviceID})
	}
	return job, true
}

// Remove drops a buffered job by id, searching every device. Returns whether
// anything was removed. Used for cancellations that arrive before dispatch.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	var removed *Job
	for dev, jobs := range q.byDev {
		for i, j := range jobs {
			if j.ID != jobID {
				continue
			}
			removed = &j
			rest := append(append([]Job(nil), jobs[:i]...), jobs[i+1:]...)
			if len(rest) == 0 {
				delete(q.byDev, dev)
			} else {
				q.byDev[dev] = rest
			}
			break
		}
		if removed != nil {
			break
		}
	}
	if removed != nil {
		q.schedulePersistLocked()
	}
	q.mu.Unlock()

	if removed == nil {
		return false
	}
	q.emit(EventJobRemoved, *removed)
	return true
}

// Len returns the number of buffered jobs for one device.
func (q *Queue) Len(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byDev[deviceID])
}

// Devices returns the device ids with at least one buffered job.
func (q *Queue) Devices() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.byDev))
	for dev := range q.byDev {
		out = append(out, dev)
	}
	sort.Strings(out)
	return out
}

// PersistNow writes the buffer synchronously, cancelling any pending
// debounced write. Called on shutdown.
func (q *Queue) PersistNow(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	jobs := q.snapshotLocked()
	q.mu.Unlock()
	return q.persister.Save(ctx, jobs)
}

// Close stops the debounce timer and flushes once.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.PersistNow(context.Background())
}

// Strict order: priority descending, then enqueue time ascending.
func (q *Queue) sortLocked(deviceID string) {
	jobs := q.byDev[deviceID]
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})
}

func (q *Queue) snapshotLocked() []Job {
	var out []Job
	for _, jobs := range q.byDev {
		out = append(out, jobs...)
	}
	return out
}

// schedulePersistLocked arms the debounced write. Bursts of queue activity
// collapse into one write a second after the last change.
func (q *Queue) schedulePersistLocked() {
	if q.persister == nil || q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(persistDebounce, func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		jobs := q.snapshotLocked()
		q.mu.Unlock()
		if err := q.persister.Save(context.Background(), jobs); err != nil {
			q.logger.Warn("failed to persist queue", slog.String("error", err.Error()))
		}
	})
}

func (q *Queue) emit(event string, job Job) {
	if q.listener != nil {
		q.listener(event, job)
	}
}

// FilePersister stores the buffer as JSON on disk, writing through a temp
// file and rename so a crash mid-write never corrupts the snapshot.
type FilePersister struct {
	path string
}

// NewFilePersister creates a FilePersister rooted at path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Save implements Persister.
func (p *FilePersister) Save(_ context.Context, jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	raw, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to swap snapshot: %w", err)
	}
	return nil
}

// Load implements Persister. A missing file is an empty queue.
func (p *FilePersister) Load(_ context.Context) ([]Job, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue snapshot: %w", err)
	}
	var jobs []Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode queue snapshot: %w", err)
	}
	return jobs, nil
}
