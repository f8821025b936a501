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

// InsertLog appends one execution log row.
func (s *Store) InsertLog(ctx context.Context, l *model.ExecutionLog) error {
	data, err := json.Marshal(orEmptyMap(l.Data))
	if err != nil {
		return fmt.Errorf("failed to encode log data: %w", err)
	}

	query := `
		INSERT INTO execution_logs (execution_id, device_id, workflow_id,
			step_id, level, status, message, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.pool.Exec(ctx, query,
		l.ExecutionID, nullString(l.DeviceID), nullString(l.WorkflowID),
		nullString(l.StepID), l.Level, nullString(string(l.Status)),
		nullString(l.Message), data)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

// ListLogsByExecution returns the audit trail for one execution in insertion
// order.
func (s *Store) ListLogsByExecution(ctx context.Context, executionKey string) ([]*model.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, device_id, workflow_id, step_id, level,
		       status, message, data, created_at
		  FROM execution_logs
		 WHERE execution_id = $1
		 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, executionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var result []*model.ExecutionLog
	for rows.Next() {
		var l model.ExecutionLog
		var deviceID, workflowID, stepID, status, message *string
		var data []byte
		var createdAt *time.Time
		err := rows.Scan(&l.ID, &l.ExecutionID, &deviceID, &workflowID,
			&stepID, &l.Level, &status, &message, &data, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		l.DeviceID = derefString(deviceID)
		l.WorkflowID = derefString(workflowID)
		l.StepID = derefString(stepID)
		l.Status = model.LogStatus(derefString(status))
		l.Message = derefString(message)
		l.CreatedAt = deref(createdAt)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &l.Data)
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

// InsertAlert persists a fired alert and returns its id.
func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) (int64, error) {
	data, err := json.Marshal(orEmptyMap(a.Data))
	if err != nil {
		return 0, fmt.Errorf("failed to encode alert data: %w", err)
	}

	query := `
		INSERT INTO alerts (level, message, source, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err = s.pool.QueryRow(ctx, query,
		a.Level, a.Message, nullString(a.Source), data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}
	return id, nil
}

// AcknowledgeAlert marks an alert acknowledged. Returns ErrNotFound for an
// unknown id.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, by string) error {
	query := `
		UPDATE alerts
		   SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now()
		 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, by)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlerts returns alerts, optionally only unacknowledged ones, newest
// first, bounded by limit.
func (s *Store) ListAlerts(ctx context.Context, activeOnly bool, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, level, message, source, data, acknowledged,
		       acknowledged_by, acknowledged_at, created_at
		  FROM alerts`
	if activeOnly {
		query += ` WHERE NOT acknowledged`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var result []*model.Alert
	for rows.Next() {
		var a model.Alert
		var source, ackBy *string
		var ackAt, createdAt *time.Time
		var data []byte
		err := rows.Scan(&a.ID, &a.Level, &a.Message, &source, &data,
			&a.Acknowledged, &ackBy, &ackAt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Source = derefString(source)
		a.AcknowledgedBy = derefString(ackBy)
		a.AcknowledgedAt = deref(ackAt)
		a.CreatedAt = deref(createdAt)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &a.Data)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// GetSetting reads one settings row into v, or returns found=false.
func (s *Store) GetSetting(ctx context.Context, key string, v any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if noRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

// PutSetting upserts one settings row.
func (s *Store) PutSetting(ctx context.Context, key string, v any, description string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	query := `
		INSERT INTO settings (key, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = COALESCE(EXCLUDED.description, settings.description),
			updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, key, raw, nullString(description)); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
