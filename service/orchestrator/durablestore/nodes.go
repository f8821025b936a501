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

// NodeRow is one row of the nodes table.
type NodeRow struct {
	ID               string           `json:"id"`
	Label            string           `json:"label"`
	Status           model.NodeStatus `json:"status"`
	NetworkAddr      string           `json:"network_addr"`
	CPU              float64          `json:"cpu"`
	Memory           float64          `json:"memory"`
	DeviceCapacity   int              `json:"device_capacity"`
	ConnectedDevices int              `json:"connected_devices"`
	LastSeen         time.Time        `json:"last_seen,omitzero"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at,omitzero"`
	UpdatedAt        time.Time        `json:"updated_at,omitzero"`
}

const nodeColumns = `id, label, status, network_addr, cpu, memory,
	device_capacity, connected_devices, last_seen, metadata, created_at, updated_at`

// UpsertNode inserts or updates a node row keyed by id and returns the
// post-image.
func (s *Store) UpsertNode(ctx context.Context, row *NodeRow) (*NodeRow, error) {
	metadata, err := json.Marshal(orEmptyMap(row.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}

	query := `
		INSERT INTO nodes (id, label, status, network_addr, cpu, memory,
			device_capacity, connected_devices, last_seen, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			status = EXCLUDED.status,
			network_addr = EXCLUDED.network_addr,
			cpu = EXCLUDED.cpu,
			memory = EXCLUDED.memory,
			device_capacity = EXCLUDED.device_capacity,
			connected_devices = EXCLUDED.connected_devices,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING ` + nodeColumns

	return s.scanNode(s.pool.QueryRow(ctx, query,
		row.ID, row.Label, row.Status, row.NetworkAddr, row.CPU, row.Memory,
		row.DeviceCapacity, row.ConnectedDevices, nullTime(row.LastSeen), metadata))
}

// GetNode returns the node row, or (nil, false, nil) when absent.
func (s *Store) GetNode(ctx context.Context, id string) (*NodeRow, bool, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	row, err := s.scanNode(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}

// ListNodes returns all node rows ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]*NodeRow, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var result []*NodeRow
	for rows.Next() {
		node, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, node)
	}
	return result, rows.Err()
}

// UpdateNodeStatus updates only the status and last_seen columns;
// latest-wins, no compare-and-set.
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status model.NodeStatus, lastSeen time.Time) error {
	query := `UPDATE nodes SET status = $2, last_seen = $3, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, status, nullTime(lastSeen)); err != nil {
		return fmt.Errorf("failed to update node status %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanNode(r rowScanner) (*NodeRow, error) {
	var row NodeRow
	var lastSeen, createdAt, updatedAt *time.Time
	var metadata []byte
	err := r.Scan(&row.ID, &row.Label, &row.Status, &row.NetworkAddr,
		&row.CPU, &row.Memory, &row.DeviceCapacity, &row.ConnectedDevices,
		&lastSeen, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node row: %w", err)
	}
	row.LastSeen = deref(lastSeen)
	row.CreatedAt = deref(createdAt)
	row.UpdatedAt = deref(updatedAt)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &row.Metadata)
	}
	return &row, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
