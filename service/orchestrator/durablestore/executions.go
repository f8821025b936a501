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
	"encoding/json"
	"fmt"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/model"
)

const executionColumns = `id, execution_id, workflow_id, workflow_version,
	device_ids, node_id, status, params, result, error_message, current_step,
	progress, total_devices, completed_devices, failed_devices, started_at,
	completed_at`

// InsertExecution inserts an execution row and returns the post-image.
// Inserting an already-present execution_id updates nothing and returns the
// existing row, which keeps enqueue idempotent by key.
func (s *Store) InsertExecution(ctx context.Context, e *model.ExecutionState) (*model.ExecutionState, error) {
	params, err := json.Marshal(orEmptyMap(e.Params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution params: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (id, execution_id, workflow_id,
			workflow_version, device_ids, node_id, status, params,
			total_devices, started_at)
		VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		e.ID, e.ExecutionKey, e.WorkflowID, e.WorkflowVersion, e.DeviceIDs,
		nullString(e.NodeID), e.Status, params, e.TotalDevices,
		nullTime(e.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution %s: %w", e.ExecutionKey, err)
	}

	row, found, err := s.GetExecutionByKey(ctx, e.ExecutionKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("execution %s vanished after insert", e.ExecutionKey)
	}
	return row, nil
}

// ExecutionPatch is a latest-wins partial update of an execution row.
type ExecutionPatch struct {
	Status       *model.ExecutionStatus
	CurrentStep  *string
	Progress     *int
	Result       map[string]any
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// UpdateExecutionByKey applies a patch to the row with the given
// execution_id. Counter columns are excluded; they only move through
// IncrementExecutionDeviceCount.
func (s *Store) UpdateExecutionByKey(ctx context.Context, key string, p ExecutionPatch) error {
	var result []byte
	if p.Result != nil {
		raw, err := json.Marshal(p.Result)
		if err != nil {
			return fmt.Errorf("failed to encode execution result: %w", err)
		}
		result = raw
	}

	query := `
		UPDATE workflow_executions SET
			status = COALESCE($2, status),
			current_step = COALESCE($3, current_step),
			progress = COALESCE($4, progress),
			result = COALESCE($5, result),
			error_message = COALESCE($6, error_message),
			started_at = COALESCE($7, started_at),
			completed_at = COALESCE($8, completed_at),
			updated_at = now()
		WHERE execution_id = $1`

	tag, err := s.pool.Exec(ctx, query, key,
		p.Status, p.CurrentStep, p.Progress, result, p.ErrorMessage,
		p.StartedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecutionByKey returns the execution row by its user-visible key, or
// (nil, false, nil) when absent.
func (s *Store) GetExecutionByKey(ctx context.Context, key string) (*model.ExecutionState, bool, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE execution_id = $1`
	row, err := s.scanExecution(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}

// ListExecutions returns executions filtered by optional status, newest
// first, bounded by limit.
func (s *Store) ListExecutions(ctx context.Context, status model.ExecutionStatus, limit int) ([]*model.ExecutionState, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var result []*model.ExecutionState
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// FailStaleRunning marks running executions with no update since the cutoff
// as failed with the given reason, returning the affected execution keys.
// Used by the optional liveness sweep.
func (s *Store) FailStaleRunning(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	query := `
		UPDATE workflow_executions
		   SET status = 'failed', error_message = $2, completed_at = now(),
		       updated_at = now()
		 WHERE status = 'running' AND updated_at < $1
		RETURNING execution_id`

	rows, err := s.pool.Query(ctx, query, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale executions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan execution key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) scanExecution(r rowScanner) (*model.ExecutionState, error) {
	var e model.ExecutionState
	var workflowVersion *int
	var nodeID, errorMessage, currentStep *string
	var params, result []byte
	var startedAt, completedAt *time.Time
	err := r.Scan(&e.ID, &e.ExecutionKey, &e.WorkflowID, &workflowVersion,
		&e.DeviceIDs, &nodeID, &e.Status, &params, &result, &errorMessage,
		&currentStep, &e.Progress, &e.TotalDevices, &e.CompletedDevices,
		&e.FailedDevices, &startedAt, &completedAt)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution row: %w", err)
	}
	if workflowVersion != nil {
		e.WorkflowVersion = *workflowVersion
	}
	e.NodeID = derefString(nodeID)
	e.ErrorMessage = derefString(errorMessage)
	e.CurrentStep = derefString(currentStep)
	e.StartedAt = deref(startedAt)
	e.CompletedAt = deref(completedAt)
	if len(params) > 0 {
		_ = json.Unmarshal(params, &e.Params)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &e.Result)
	}
	return &e, nil
}
