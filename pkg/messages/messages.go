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

// Package messages defines the JSON frames exchanged between the
// orchestrator and node agents over the persistent websocket channel.
//
// Every frame carries a type, a uuid and an opaque JSON payload. Frames
// whose NeedsAck flag is set are answered with an ACK frame echoing the
// uuid; events from the node do not request acks.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.corp.nvidia.com/devicefarm/pkg/model"
)

// MessageType discriminates the frames on the node channel.
type MessageType string

const (
	// Commands, server -> node.
	CmdExecuteWorkflow MessageType = "EXECUTE_WORKFLOW"
	CmdCancelWorkflow  MessageType = "CANCEL_WORKFLOW"
	CmdPing            MessageType = "PING"

	// Events, node -> server.
	EventRegister         MessageType = "REGISTER"
	EventDeviceStatus     MessageType = "DEVICE_STATUS"
	EventWorkflowProgress MessageType = "WORKFLOW_PROGRESS"
	EventWorkflowComplete MessageType = "WORKFLOW_COMPLETE"
	EventWorkflowError    MessageType = "WORKFLOW_ERROR"
	EventPong             MessageType = "PONG"

	// Acknowledgement, either direction.
	FrameAck MessageType = "ACK"
)

// Frame is one message on the wire.
type Frame struct {
	Type     MessageType     `json:"type"`
	UUID     string          `json:"uuid"`
	NeedsAck bool            `json:"needs_ack,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at,omitzero"`
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

// New builds a frame of the given type with a fresh uuid and the payload
// JSON-encoded. Payloads are small; the encode error only fires on
// unmarshalable values, which is a programming error.
func New(t MessageType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Frame{
		Type:    t,
		UUID:    uuid.NewString(),
		Payload: raw,
		SentAt:  time.Now(),
	}, nil
}

// RegisterPayload announces a node on connect.
type RegisterPayload struct {
	NodeID      string `json:"node_id"`
	Version     string `json:"version,omitempty"`
	DeviceCount int    `json:"device_count,omitempty"`
}

// SystemGauges carries host-level resource readings.
type SystemGauges struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// DeviceReport is one device entry in a heartbeat.
type DeviceReport struct {
	ID             string            `json:"id"`
	Model          string            `json:"model,omitempty"`
	AndroidVersion string            `json:"android_version,omitempty"`
	Battery        int               `json:"battery,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	USBPort        string            `json:"usb_port,omitempty"`
	State          model.DeviceState `json:"state,omitempty"`
}

// DeviceStatusPayload is the periodic node heartbeat.
type DeviceStatusPayload struct {
	NodeID  string         `json:"node_id"`
	Devices []DeviceReport `json:"devices"`
	System  *SystemGauges  `json:"system,omitempty"`
}

// ExecuteWorkflowPayload dispatches the node-side part of a job.
type ExecuteWorkflowPayload struct {
	JobID      string          `json:"job_id"`
	WorkflowID string          `json:"workflow_id"`
	Workflow   *model.Workflow `json:"workflow"`
	DeviceIDs  []string        `json:"device_ids"`
	Params     map[string]any  `json:"params,omitempty"`
}

// CancelWorkflowPayload asks the node to abort a running job.
type CancelWorkflowPayload struct {
	JobID string `json:"job_id"`
}

// WorkflowProgressPayload reports per-device step progress.
type WorkflowProgressPayload struct {
	JobID       string `json:"job_id"`
	DeviceID    string `json:"device_id"`
	CurrentStep string `json:"current_step,omitempty"`
	Progress    int    `json:"progress"`
	Message     string `json:"message,omitempty"`
}

// WorkflowCompletePayload reports one device's terminal outcome.
type WorkflowCompletePayload struct {
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorkflowErrorPayload reports a step failure on one device.
type WorkflowErrorPayload struct {
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id"`
	StepID     string `json:"step_id,omitempty"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// AckPayload answers a command frame.
type AckPayload struct {
	Received  bool   `json:"received"`
	Cancelled *bool  `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewExecuteWorkflow builds an EXECUTE_WORKFLOW command requiring an ack.
func NewExecuteWorkflow(p ExecuteWorkflowPayload) (Frame, error) {
	f, err := New(CmdExecuteWorkflow, p)
	if err != nil {
		return Frame{}, err
	}
	f.NeedsAck = true
	return f, nil
}

// NewCancelWorkflow builds a CANCEL_WORKFLOW command requiring an ack.
func NewCancelWorkflow(jobID string) (Frame, error) {
	f, err := New(CmdCancelWorkflow, CancelWorkflowPayload{JobID: jobID})
	if err != nil {
		return Frame{}, err
	}
	f.NeedsAck = true
	return f, nil
}

// NewPing builds a PING command.
func NewPing() Frame {
	return Frame{Type: CmdPing, UUID: uuid.NewString(), SentAt: time.Now()}
}

// NewPong answers a PING, echoing its uuid.
func NewPong(pingUUID string) Frame {
	return Frame{Type: EventPong, UUID: pingUUID, SentAt: time.Now()}
}

// NewAck answers the frame with the given uuid.
func NewAck(forUUID string, p AckPayload) Frame {
	raw, _ := json.Marshal(p)
	return Frame{Type: FrameAck, UUID: forUUID, Payload: raw, SentAt: time.Now()}
}

// NewRegister builds a REGISTER event.
func NewRegister(p RegisterPayload) (Frame, error) {
	return New(EventRegister, p)
}

// NewDeviceStatus builds a DEVICE_STATUS heartbeat event.
func NewDeviceStatus(p DeviceStatusPayload) (Frame, error) {
	return New(EventDeviceStatus, p)
}

// NewWorkflowProgress builds a WORKFLOW_PROGRESS event.
func NewWorkflowProgress(p WorkflowProgressPayload) (Frame, error) {
	return New(EventWorkflowProgress, p)
}

// NewWorkflowComplete builds a WORKFLOW_COMPLETE event.
func NewWorkflowComplete(p WorkflowCompletePayload) (Frame, error) {
	return New(EventWorkflowComplete, p)
}

// NewWorkflowError builds a WORKFLOW_ERROR event.
func NewWorkflowError(p WorkflowErrorPayload) (Frame, error) {
	return New(EventWorkflowError, p)
}
