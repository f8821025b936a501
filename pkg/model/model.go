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

// Package model defines the entities shared between the orchestrator
// services: nodes, devices, workflows, executions, logs and alerts, plus the
// string codecs used to store them as Redis hashes.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle status of a worker host.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeError   NodeStatus = "error"
)

// DeviceState is the lifecycle state of one Android handset.
type DeviceState string

const (
	DeviceDisconnected DeviceState = "DISCONNECTED"
	DeviceIdle         DeviceState = "IDLE"
	DeviceQueued       DeviceState = "QUEUED"
	DeviceRunning      DeviceState = "RUNNING"
	DeviceCompleted    DeviceState = "COMPLETED"
	DeviceError        DeviceState = "ERROR"
	DeviceQuarantine   DeviceState = "QUARANTINE"
)

// QuarantineThreshold is the error count at which a device is pulled from
// dispatch until an operator resets it.
const QuarantineThreshold = 3

// LegacyDeviceStatus maps the long device state vocabulary onto the legacy
// short set kept in the devices.status column.
func LegacyDeviceStatus(state DeviceState) string {
	switch state {
	case DeviceIdle, DeviceCompleted, DeviceQueued:
		return "online"
	case DeviceRunning:
		return "busy"
	case DeviceError, DeviceQuarantine:
		return "error"
	default:
		return "offline"
	}
}

// ExecutionStatus is the status of one workflow execution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPartial   ExecutionStatus = "partial"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionPartial:
		return true
	}
	return false
}

// LogLevel is the severity of one execution log row.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogFatal LogLevel = "fatal"
)

// LogStatus annotates a log row with the step outcome it records.
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogProgress  LogStatus = "progress"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
	LogRetrying  LogStatus = "retrying"
)

// AlertLevel is the severity of an operator alert.
type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertInfo     AlertLevel = "info"
)

// NodeState is the live view of one worker host.
type NodeState struct {
	ID          string         `json:"id"`
	Label       string         `json:"label,omitempty"`
	Status      NodeStatus     `json:"status"`
	Address     string         `json:"address,omitempty"`
	CPU         float64        `json:"cpu"`
	Memory      float64        `json:"memory"`
	DeviceCount int            `json:"device_count"`
	ActiveJobs  int            `json:"active_jobs"`
	LastSeen    time.Time      `json:"last_seen"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NodeStatePatch is a partial update of NodeState. Nil fields are left
// untouched.
type NodeStatePatch struct {
	Label       *string
	Status      *NodeStatus
	Address     *string
	CPU         *float64
	Memory      *float64
	DeviceCount *int
	ActiveJobs  *int
	LastSeen    *time.Time
	Metadata    map[string]any
}

// Apply merges the patch into the state.
func (p NodeStatePatch) Apply(s *NodeState) {
	if p.Label != nil {
		s.Label = *p.Label
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Address != nil {
		s.Address = *p.Address
	}
	if p.CPU != nil {
		s.CPU = *p.CPU
	}
	if p.Memory != nil {
		s.Memory = *p.Memory
	}
	if p.DeviceCount != nil {
		s.DeviceCount = *p.DeviceCount
	}
	if p.ActiveJobs != nil {
		s.ActiveJobs = *p.ActiveJobs
	}
	if p.LastSeen != nil {
		s.LastSeen = *p.LastSeen
	}
	if p.Metadata != nil {
		s.Metadata = p.Metadata
	}
}

// DeviceInfo is the live view of one device.
type DeviceInfo struct {
	ID             string      `json:"id"`
	NodeID         string      `json:"node_id,omitempty"`
	Model          string      `json:"model,omitempty"`
	AndroidVersion string      `json:"android_version,omitempty"`
	Battery        int         `json:"battery"`
	IPAddress      string      `json:"ip_address,omitempty"`
	USBPort        string      `json:"usb_port,omitempty"`
	State          DeviceState `json:"state"`
	WorkflowID     string      `json:"workflow_id,omitempty"`
	CurrentStep    string      `json:"current_step,omitempty"`
	Progress       int         `json:"progress"`
	ErrorCount     int         `json:"error_count"`
	LastError      string      `json:"last_error,omitempty"`
	LastErrorAt    time.Time   `json:"last_error_at,omitzero"`
	LastHeartbeat  time.Time   `json:"last_heartbeat,omitzero"`
}

// DevicePatch is a partial update of DeviceInfo. Nil fields are left
// untouched.
type DevicePatch struct {
	NodeID         *string
	Model          *string
	AndroidVersion *string
	Battery        *int
	IPAddress      *string
	USBPort        *string
	State          *DeviceState
	WorkflowID     *string
	CurrentStep    *string
	Progress       *int
	ErrorCount     *int
	LastError      *string
	LastErrorAt    *time.Time
	LastHeartbeat  *time.Time
}

// Apply merges the patch into the device info.
func (p DevicePatch) Apply(d *DeviceInfo) {
	if p.NodeID != nil {
		d.NodeID = *p.NodeID
	}
	if p.Model != nil {
		d.Model = *p.Model
	}
	if p.AndroidVersion != nil {
		d.AndroidVersion = *p.AndroidVersion
	}
	if p.Battery != nil {
		d.Battery = *p.Battery
	}
	if p.IPAddress != nil {
		d.IPAddress = *p.IPAddress
	}
	if p.USBPort != nil {
		d.USBPort = *p.USBPort
	}
	if p.State != nil {
		d.State = *p.State
	}
	if p.WorkflowID != nil {
		d.WorkflowID = *p.WorkflowID
	}
	if p.CurrentStep != nil {
		d.CurrentStep = *p.CurrentStep
	}
	if p.Progress != nil {
		d.Progress = *p.Progress
	}
	if p.ErrorCount != nil {
		d.ErrorCount = *p.ErrorCount
	}
	if p.LastError != nil {
		d.LastError = *p.LastError
	}
	if p.LastErrorAt != nil {
		d.LastErrorAt = *p.LastErrorAt
	}
	if p.LastHeartbeat != nil {
		d.LastHeartbeat = *p.LastHeartbeat
	}
}

// ExecutionState is the live view of one workflow execution.
type ExecutionState struct {
	ID               string          `json:"id"`
	ExecutionKey     string          `json:"execution_key"`
	WorkflowID       string          `json:"workflow_id"`
	WorkflowVersion  int             `json:"workflow_version,omitempty"`
	NodeID           string          `json:"node_id,omitempty"`
	DeviceIDs        []string        `json:"device_ids"`
	Status           ExecutionStatus `json:"status"`
	Params           map[string]any  `json:"params,omitempty"`
	Result           map[string]any  `json:"result,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CurrentStep      string          `json:"current_step,omitempty"`
	Progress         int             `json:"progress"`
	TotalDevices     int             `json:"total_devices"`
	CompletedDevices int             `json:"completed_devices"`
	FailedDevices    int             `json:"failed_devices"`
	StartedAt        time.Time       `json:"started_at,omitzero"`
	CompletedAt      time.Time       `json:"completed_at,omitzero"`
}

// ExecutionLog is one append-only audit row for an execution.
type ExecutionLog struct {
	ID          int64          `json:"id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	DeviceID    string         `json:"device_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Level       LogLevel       `json:"level"`
	Status      LogStatus      `json:"status,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitzero"`
}

// Alert is one operator-visible notification.
type Alert struct {
	ID             int64          `json:"id,omitempty"`
	Level          AlertLevel     `json:"level"`
	Message        string         `json:"message"`
	Source         string         `json:"source,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time      `json:"acknowledged_at,omitzero"`
	CreatedAt      time.Time      `json:"created_at,omitzero"`
}

// DeviceResult is the per-device outcome of one execution.
type DeviceResult struct {
	DeviceID   string `json:"device_id"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AggregateStatus derives the final execution status from per-device
// outcomes: all success -> completed, none -> failed, otherwise partial.
func AggregateStatus(results []DeviceResult) ExecutionStatus {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	switch {
	case len(results) == 0 || succeeded == 0:
		return ExecutionFailed
	case succeeded == len(results):
		return ExecutionCompleted
	default:
		return ExecutionPartial
	}
}

// NewExecutionKey returns a user-visible execution key of the form
// exec_<unix-ms>_<rand>.
func NewExecutionKey() string {
	return fmt.Sprintf("exec_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
