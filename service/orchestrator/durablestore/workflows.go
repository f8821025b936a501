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

const workflowColumns = `id, name, description, category, version, steps,
	tags, is_active, created_at, updated_at`

// CreateWorkflow inserts a workflow at version 1 and returns the post-image.
func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) (*model.Workflow, error) {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow steps: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, description, category, version, steps, tags, is_active)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		RETURNING ` + workflowColumns

	return s.scanWorkflow(s.pool.QueryRow(ctx, query,
		w.ID, w.Name, nullString(w.Description), nullString(w.Category),
		steps, w.Tags, w.IsActive))
}

// UpdateWorkflow replaces the mutable fields of a workflow. The version is
// bumped through IncrementWorkflowVersion by the caller; this statement never
// touches it.
func (s *Store) UpdateWorkflow(ctx context.Context, w *model.Workflow) (*model.Workflow, error) {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow steps: %w", err)
	}

	query := `
		UPDATE workflows
		   SET name = $2, description = $3, category = $4, steps = $5,
		       tags = $6, is_active = $7, updated_at = now()
		 WHERE id = $1
		RETURNING ` + workflowColumns

	row, err := s.scanWorkflow(s.pool.QueryRow(ctx, query,
		w.ID, w.Name, nullString(w.Description), nullString(w.Category),
		steps, w.Tags, w.IsActive))
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row, nil
}

// GetWorkflow returns the workflow, or (nil, false, nil) when absent.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, bool, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	row, err := s.scanWorkflow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}

// ListWorkflows returns workflows, optionally only active ones.
func (s *Store) ListWorkflows(ctx context.Context, activeOnly bool) ([]*model.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var result []*model.Workflow
	for rows.Next() {
		w, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (s *Store) scanWorkflow(r rowScanner) (*model.Workflow, error) {
	var w model.Workflow
	var description, category *string
	var steps []byte
	var createdAt, updatedAt *time.Time
	err := r.Scan(&w.ID, &w.Name, &description, &category, &w.Version,
		&steps, &w.Tags, &w.IsActive, &createdAt, &updatedAt)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan workflow row: %w", err)
	}
	w.Description = derefString(description)
	w.Category = derefString(category)
	w.CreatedAt = deref(createdAt)
	w.UpdatedAt = deref(updatedAt)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &w.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode workflow steps: %w", err)
		}
	}
	return &w, nil
}
