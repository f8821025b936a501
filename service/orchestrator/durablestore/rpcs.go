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

package durablestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/utils"
)

// DeviceErrorResult is the post-image of a device error-count RPC.
type DeviceErrorResult struct {
	ErrorCount int
	Status     string
}

// ExecutionCountResult is the post-image of an execution counter RPC.
type ExecutionCountResult struct {
	CompletedDevices int
	FailedDevices    int
	Status           model.ExecutionStatus
}

// UpdateDeviceStatusWithError atomically increments the device error count,
// moves the device to ERROR (or QUARANTINE at the threshold) and records the
// error. Prefers the native database function; falls back to bounded
// compare-and-set when the function is missing.
func (s *Store) UpdateDeviceStatusWithError(ctx context.Context, deviceID, lastError string) (*DeviceErrorResult, error) {
	if !s.disableNativeRPCs {
		var res DeviceErrorResult
		err := s.pool.QueryRow(ctx,
			`SELECT out_error_count, out_status FROM update_device_status_with_error($1, $2, $3)`,
			deviceID, lastError, model.QuarantineThreshold,
		).Scan(&res.ErrorCount, &res.Status)
		if err == nil {
			return &res, nil
		}
		if noRows(err) {
			return nil, ErrNotFound
		}
		if !isUndefinedFunction(err) {
			return nil, fmt.Errorf("update_device_status_with_error %s: %w", deviceID, err)
		}
		s.logger.Warn("native RPC missing, using compare-and-set fallback",
			slog.String("rpc", "update_device_status_with_error"))
	}

	return s.casDeviceError(ctx, deviceID, lastError)
}

func (s *Store) casDeviceError(ctx context.Context, deviceID, lastError string) (*DeviceErrorResult, error) {
	for attempt := 1; attempt <= casMaxAttempts; attempt++ {
		var current int
		err := s.pool.QueryRow(ctx,
			`SELECT error_count FROM devices WHERE id = $1`, deviceID).Scan(&current)
		if err != nil {
			if noRows(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to read device error count %s: %w", deviceID, err)
		}

		newCount := current + 1
		newStatus := string(model.DeviceError)
		if newCount >= model.QuarantineThreshold {
			newStatus = string(model.DeviceQuarantine)
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE devices
			   SET error_count = $2, status = $3, last_error = $4,
			       last_error_at = now(), updated_at = now()
			 WHERE id = $1 AND error_count = $5`,
			deviceID, newCount, newStatus, lastError, current)
		if err != nil {
			return nil, fmt.Errorf("failed to update device error state %s: %w", deviceID, err)
		}
		if tag.RowsAffected() == 1 {
			return &DeviceErrorResult{ErrorCount: newCount, Status: newStatus}, nil
		}

		// Lost the race; re-read and retry.
		sleepBackoff(ctx, attempt)
	}
	return nil, fmt.Errorf("update_device_status_with_error %s: %w", deviceID, ErrConcurrencyExhausted)
}

// IncrementDeviceErrorCount atomically bumps the device error counter and
// returns the new count.
func (s *Store) IncrementDeviceErrorCount(ctx context.Context, deviceID string) (int, error) {
	if !s.disableNativeRPCs {
		var count *int
		err := s.pool.QueryRow(ctx,
			`SELECT increment_device_error_count($1)`, deviceID).Scan(&count)
		if err == nil {
			if count == nil {
				return 0, ErrNotFound
			}
			return *count, nil
		}
		if noRows(err) {
			return 0, ErrNotFound
		}
		if !isUndefinedFunction(err) {
			return 0, fmt.Errorf("increment_device_error_count %s: %w", deviceID, err)
		}
	}

	// The plain increment is expressible as a single statement everywhere.
	var count *int
	err := s.pool.QueryRow(ctx, `
		UPDATE devices SET error_count = error_count + 1, updated_at = now()
		 WHERE id = $1 RETURNING error_count`, deviceID).Scan(&count)
	if err != nil {
		if noRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment device error count %s: %w", deviceID, err)
	}
	return *count, nil
}

// IncrementExecutionDeviceCount atomically bumps completed_devices or
// failed_devices for the execution and derives the aggregate status once
// every device has reported. countType is "completed" or "failed".
func (s *Store) IncrementExecutionDeviceCount(ctx context.Context, executionKey, countType string) (*ExecutionCountResult, error) {
	if countType != "completed" && countType != "failed" {
		return nil, fmt.Errorf("invalid count type %q", countType)
	}

	if !s.disableNativeRPCs {
		var res ExecutionCountResult
		err := s.pool.QueryRow(ctx,
			`SELECT out_completed, out_failed, out_status FROM increment_execution_device_count($1, $2)`,
			executionKey, countType,
		).Scan(&res.CompletedDevices, &res.FailedDevices, &res.Status)
		if err == nil {
			return &res, nil
		}
		if noRows(err) {
			return nil, ErrNotFound
		}
		if !isUndefinedFunction(err) {
			return nil, fmt.Errorf("increment_execution_device_count %s: %w", executionKey, err)
		}
		s.logger.Warn("native RPC missing, using compare-and-set fallback",
			slog.String("rpc", "increment_execution_device_count"))
	}

	return s.casExecutionCount(ctx, executionKey, countType)
}

func (s *Store) casExecutionCount(ctx context.Context, executionKey, countType string) (*ExecutionCountResult, error) {
	for attempt := 1; attempt <= casMaxAttempts; attempt++ {
		var completed, failed, total int
		var status model.ExecutionStatus
		err := s.pool.QueryRow(ctx, `
			SELECT completed_devices, failed_devices, total_devices, status
			  FROM workflow_executions WHERE execution_id = $1`,
			executionKey).Scan(&completed, &failed, &total, &status)
		if err != nil {
			if noRows(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to read execution counters %s: %w", executionKey, err)
		}

		newCompleted, newFailed := completed, failed
		if countType == "completed" {
			newCompleted++
		} else {
			newFailed++
		}
		newStatus := status
		setCompletedAt := false
		if newCompleted+newFailed >= total && total > 0 {
			setCompletedAt = true
			switch {
			case newFailed == 0:
				newStatus = model.ExecutionCompleted
			case newCompleted == 0:
				newStatus = model.ExecutionFailed
			default:
				newStatus = model.ExecutionPartial
			}
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE workflow_executions
			   SET completed_devices = $2, failed_devices = $3, status = $4,
			       completed_at = CASE WHEN $5 THEN now() ELSE completed_at END,
			       updated_at = now()
			 WHERE execution_id = $1
			   AND completed_devices = $6 AND failed_devices = $7`,
			executionKey, newCompleted, newFailed, newStatus, setCompletedAt,
			completed, failed)
		if err != nil {
			return nil, fmt.Errorf("failed to update execution counters %s: %w", executionKey, err)
		}
		if tag.RowsAffected() == 1 {
			return &ExecutionCountResult{
				CompletedDevices: newCompleted,
				FailedDevices:    newFailed,
				Status:           newStatus,
			}, nil
		}

		sleepBackoff(ctx, attempt)
	}
	return nil, fmt.Errorf("increment_execution_device_count %s: %w", executionKey, ErrConcurrencyExhausted)
}

// IncrementWorkflowVersion atomically bumps the workflow version and returns
// the new value. No two concurrent calls observe the same pre-image.
func (s *Store) IncrementWorkflowVersion(ctx context.Context, workflowID string) (int, error) {
	if !s.disableNativeRPCs {
		var version *int
		err := s.pool.QueryRow(ctx,
			`SELECT increment_workflow_version($1)`, workflowID).Scan(&version)
		if err == nil {
			if version == nil {
				return 0, ErrNotFound
			}
			return *version, nil
		}
		if noRows(err) {
			return 0, ErrNotFound
		}
		if !isUndefinedFunction(err) {
			return 0, fmt.Errorf("increment_workflow_version %s: %w", workflowID, err)
		}
	}

	var version int
	err := s.pool.QueryRow(ctx, `
		UPDATE workflows SET version = version + 1, updated_at = now()
		 WHERE id = $1 RETURNING version`, workflowID).Scan(&version)
	if err != nil {
		if noRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment workflow version %s: %w", workflowID, err)
	}
	return version, nil
}

func sleepBackoff(ctx context.Context, attempt int) {
	t := time.NewTimer(utils.RetryBackoff(attempt))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
