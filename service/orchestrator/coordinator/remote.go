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

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TaskState is the lifecycle of one remote task as reported by the task API.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskStarted TaskState = "STARTED"
	TaskRetry   TaskState = "RETRY"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
	TaskRevoked TaskState = "REVOKED"
)

// TaskExecutor runs one named server-side task to completion.
type TaskExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration, progress func(int)) (map[string]any, error)
}

// RemoteTaskExecutor submits tasks to the remote task service over HTTP and
// polls until a terminal state.
type RemoteTaskExecutor struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewRemoteTaskExecutor creates an executor against the task API base URL.
func NewRemoteTaskExecutor(baseURL string, logger *slog.Logger) *RemoteTaskExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteTaskExecutor{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

// SetPollInterval overrides the poll cadence. Test hook.
func (e *RemoteTaskExecutor) SetPollInterval(d time.Duration) { e.pollInterval = d }

type submitRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type taskStatus struct {
	State    TaskState      `json:"state"`
	Progress int            `json:"progress,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Execute submits the task and polls its status until SUCCESS, a failure
// state, the step timeout or ctx cancellation. The progress hook fires on
// every poll that reports a new progress value.
func (e *RemoteTaskExecutor) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration, progress func(int)) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskID, err := e.submit(ctx, name, params)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("remote task submitted",
		slog.String("task", name), slog.String("task_id", taskID))

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("remote task %s: %w", name, ctx.Err())
		case <-ticker.C:
		}

		status, err := e.poll(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if progress != nil && status.Progress != lastProgress {
			lastProgress = status.Progress
			progress(status.Progress)
		}

		switch status.State {
		case TaskSuccess:
			return status.Result, nil
		case TaskFailure, TaskRevoked:
			msg := status.Error
			if msg == "" {
				msg = string(status.State)
			}
			return nil, fmt.Errorf("remote task %s failed: %s", name, msg)
		case TaskPending, TaskStarted, TaskRetry:
			// Keep polling.
		default:
			return nil, fmt.Errorf("remote task %s: unknown state %q", name, status.State)
		}
	}
}

func (e *RemoteTaskExecutor) submit(ctx context.Context, name string, params map[string]any) (string, error) {
	body, err := json.Marshal(submitRequest{Name: name, Params: params})
	if err != nil {
		return "", fmt.Errorf("encode task request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit task %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit task %s: status %d: %s", name, resp.StatusCode, raw)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.TaskID == "" {
		return "", fmt.Errorf("submit task %s: empty task id", name)
	}
	return sr.TaskID, nil
}

func (e *RemoteTaskExecutor) poll(ctx context.Context, taskID string) (*taskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("poll task %s: status %d: %s", taskID, resp.StatusCode, raw)
	}

	var st taskStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode task status: %w", err)
	}
	return &st, nil
}
