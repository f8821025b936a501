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

// DeviceRow is one row of the devices table. The status column keeps the
// legacy short vocabulary for pre-existing consumers; state lives in
// device_states with the long vocabulary.
type DeviceRow struct {
	ID             string         `json:"id"`
	PCID           string         `json:"pc_id,omitempty"`
	DeviceNumber   int            `json:"device_number,omitempty"`
	SerialNumber   string         `json:"serial_number"`
	Model          string         `json:"model"`
	AndroidVersion string         `json:"android_version"`
	Battery        int            `json:"battery"`
	IPAddress      string         `json:"ip_address"`
	ConnectionType string         `json:"connection_type"`
	USBPort        string         `json:"usb_port"`
	Status         string         `json:"status"`
	ErrorCount     int            `json:"error_count"`
	LastError      string         `json:"last_error,omitempty"`
	LastErrorAt    time.Time      `json:"last_error_at,omitzero"`
	LastHeartbeat  time.Time      `json:"last_heartbeat,omitzero"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitzero"`
	UpdatedAt      time.Time      `json:"updated_at,omitzero"`
}

const deviceColumns = `id, pc_id, device_number, serial_number, model,
	android_version, battery, ip_address, connection_type, usb_port, status,
	error_count, last_error, last_error_at, last_heartbeat, metadata,
	created_at, updated_at`

// UpsertDevice inserts or updates a device row keyed by id and returns the
// post-image. The error counter columns are never decremented here; counter
// changes go through the atomic RPCs.
func (s *Store) UpsertDevice(ctx context.Context, row *DeviceRow) (*DeviceRow, error) {
	metadata, err := json.Marshal(orEmptyMap(row.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode device metadata: %w", err)
	}

	query := `
		INSERT INTO devices (id, pc_id, device_number, serial_number, model,
			android_version, battery, ip_address, connection_type, usb_port,
			status, last_heartbeat, metadata)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			pc_id = EXCLUDED.pc_id,
			serial_number = EXCLUDED.serial_number,
			model = EXCLUDED.model,
			android_version = EXCLUDED.android_version,
			battery = EXCLUDED.battery,
			ip_address = EXCLUDED.ip_address,
			connection_type = EXCLUDED.connection_type,
			usb_port = EXCLUDED.usb_port,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING ` + deviceColumns

	return s.scanDevice(s.pool.QueryRow(ctx, query,
		row.ID, nullString(row.PCID), row.DeviceNumber, row.SerialNumber,
		row.Model, row.AndroidVersion, row.Battery, row.IPAddress,
		row.ConnectionType, row.USBPort, row.Status,
		nullTime(row.LastHeartbeat), metadata))
}

// GetDevice returns the device row, or (nil, false, nil) when absent.
func (s *Store) GetDevice(ctx context.Context, id string) (*DeviceRow, bool, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	row, err := s.scanDevice(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}

// ListDevices returns devices, optionally filtered by owning node.
func (s *Store) ListDevices(ctx context.Context, nodeID string) ([]*DeviceRow, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	args := []any{}
	if nodeID != "" {
		query += ` WHERE pc_id = $1`
		args = append(args, nodeID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var result []*DeviceRow
	for rows.Next() {
		device, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, device)
	}
	return result, rows.Err()
}

// ResetDeviceErrors zeroes the error counter and clears the last error.
// Called on an operator reset or an ERROR -> IDLE transition.
func (s *Store) ResetDeviceErrors(ctx context.Context, id string) error {
	query := `
		UPDATE devices
		   SET error_count = 0, last_error = NULL, last_error_at = NULL,
		       status = 'online', updated_at = now()
		 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to reset device errors %s: %w", id, err)
	}
	return nil
}

// NextDeviceNumber returns MAX(device_number)+1 for the node. Freed numbers
// are not reused.
func (s *Store) NextDeviceNumber(ctx context.Context, nodeID string) (int, error) {
	query := `SELECT COALESCE(MAX(device_number), 0) + 1 FROM devices WHERE pc_id = $1`
	var n int
	if err := s.pool.QueryRow(ctx, query, nodeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to compute next device number: %w", err)
	}
	return n, nil
}

// UpsertDeviceState writes one row of device_states. Latest-wins: the live
// store is the ordering authority, this table only mirrors it.
func (s *Store) UpsertDeviceState(ctx context.Context, info *model.DeviceInfo) error {
	query := `
		INSERT INTO device_states (device_id, node_id, state, workflow_id,
			current_step, progress, battery, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			state = EXCLUDED.state,
			workflow_id = EXCLUDED.workflow_id,
			current_step = EXCLUDED.current_step,
			progress = EXCLUDED.progress,
			battery = EXCLUDED.battery,
			last_heartbeat = EXCLUDED.last_heartbeat`
	_, err := s.pool.Exec(ctx, query,
		info.ID, nullString(info.NodeID), info.State, nullString(info.WorkflowID),
		nullString(info.CurrentStep), info.Progress, info.Battery,
		nullTime(info.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("failed to upsert device state %s: %w", info.ID, err)
	}
	return nil
}

func (s *Store) scanDevice(r rowScanner) (*DeviceRow, error) {
	var row DeviceRow
	var pcID, lastError *string
	var deviceNumber *int
	var lastErrorAt, lastHeartbeat, createdAt, updatedAt *time.Time
	var metadata []byte
	err := r.Scan(&row.ID, &pcID, &deviceNumber, &row.SerialNumber, &row.Model,
		&row.AndroidVersion, &row.Battery, &row.IPAddress, &row.ConnectionType,
		&row.USBPort, &row.Status, &row.ErrorCount, &lastError, &lastErrorAt,
		&lastHeartbeat, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device row: %w", err)
	}
	row.PCID = derefString(pcID)
	if deviceNumber != nil {
		row.DeviceNumber = *deviceNumber
	}
	row.LastError = derefString(lastError)
	row.LastErrorAt = deref(lastErrorAt)
	row.LastHeartbeat = deref(lastHeartbeat)
	row.CreatedAt = deref(createdAt)
	row.UpdatedAt = deref(updatedAt)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &row.Metadata)
	}
	return &row, nil
}
