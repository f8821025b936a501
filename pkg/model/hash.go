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

package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Redis hash codecs. Scalars serialise as strings, objects as JSON, and
// instants as Unix milliseconds. A zero instant serialises as "0" and decodes
// back to the zero time so round trips are stable.

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ToHash serialises the node state for live:node:{id}.
func (s *NodeState) ToHash() map[string]string {
	h := map[string]string{
		"id":           s.ID,
		"label":        s.Label,
		"status":       string(s.Status),
		"address":      s.Address,
		"cpu":          strconv.FormatFloat(s.CPU, 'f', -1, 64),
		"memory":       strconv.FormatFloat(s.Memory, 'f', -1, 64),
		"device_count": strconv.Itoa(s.DeviceCount),
		"active_jobs":  strconv.Itoa(s.ActiveJobs),
		"last_seen":    strconv.FormatInt(timeToMS(s.LastSeen), 10),
	}
	if len(s.Metadata) > 0 {
		if raw, err := json.Marshal(s.Metadata); err == nil {
			h["metadata"] = string(raw)
		}
	}
	return h
}

// NodeStateFromHash decodes a live:node:{id} hash.
func NodeStateFromHash(h map[string]string) *NodeState {
	if len(h) == 0 {
		return nil
	}
	s := &NodeState{
		ID:          h["id"],
		Label:       h["label"],
		Status:      NodeStatus(h["status"]),
		Address:     h["address"],
		CPU:         parseFloat(h["cpu"]),
		Memory:      parseFloat(h["memory"]),
		DeviceCount: parseInt(h["device_count"]),
		ActiveJobs:  parseInt(h["active_jobs"]),
		LastSeen:    msToTime(parseInt64(h["last_seen"])),
	}
	if raw, ok := h["metadata"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Metadata)
	}
	return s
}

// ToHash serialises the device info for live:device:{id}.
func (d *DeviceInfo) ToHash() map[string]string {
	return map[string]string{
		"id":              d.ID,
		"node_id":         d.NodeID,
		"model":           d.Model,
		"android_version": d.AndroidVersion,
		"battery":         strconv.Itoa(d.Battery),
		"ip_address":      d.IPAddress,
		"usb_port":        d.USBPort,
		"state":           string(d.State),
		"workflow_id":     d.WorkflowID,
		"current_step":    d.CurrentStep,
		"progress":        strconv.Itoa(d.Progress),
		"error_count":     strconv.Itoa(d.ErrorCount),
		"last_error":      d.LastError,
		"last_error_at":   strconv.FormatInt(timeToMS(d.LastErrorAt), 10),
		"last_heartbeat":  strconv.FormatInt(timeToMS(d.LastHeartbeat), 10),
	}
}

// DeviceInfoFromHash decodes a live:device:{id} hash.
func DeviceInfoFromHash(h map[string]string) *DeviceInfo {
	if len(h) == 0 {
		return nil
	}
	return &DeviceInfo{
		ID:             h["id"],
		NodeID:         h["node_id"],
		Model:          h["model"],
		AndroidVersion: h["android_version"],
		Battery:        parseInt(h["battery"]),
		IPAddress:      h["ip_address"],
		USBPort:        h["usb_port"],
		State:          DeviceState(h["state"]),
		WorkflowID:     h["workflow_id"],
		CurrentStep:    h["current_step"],
		Progress:       parseInt(h["progress"]),
		ErrorCount:     parseInt(h["error_count"]),
		LastError:      h["last_error"],
		LastErrorAt:    msToTime(parseInt64(h["last_error_at"])),
		LastHeartbeat:  msToTime(parseInt64(h["last_heartbeat"])),
	}
}

// ToHash serialises the execution state for live:execution:{id}.
func (e *ExecutionState) ToHash() map[string]string {
	h := map[string]string{
		"id":                e.ID,
		"execution_key":     e.ExecutionKey,
		"workflow_id":       e.WorkflowID,
		"workflow_version":  strconv.Itoa(e.WorkflowVersion),
		"node_id":           e.NodeID,
		"status":            string(e.Status),
		"error_message":     e.ErrorMessage,
		"current_step":      e.CurrentStep,
		"progress":          strconv.Itoa(e.Progress),
		"total_devices":     strconv.Itoa(e.TotalDevices),
		"completed_devices": strconv.Itoa(e.CompletedDevices),
		"failed_devices":    strconv.Itoa(e.FailedDevices),
		"started_at":        strconv.FormatInt(timeToMS(e.StartedAt), 10),
		"completed_at":      strconv.FormatInt(timeToMS(e.CompletedAt), 10),
	}
	if len(e.DeviceIDs) > 0 {
		if raw, err := json.Marshal(e.DeviceIDs); err == nil {
			h["device_ids"] = string(raw)
		}
	}
	if len(e.Params) > 0 {
		if raw, err := json.Marshal(e.Params); err == nil {
			h["params"] = string(raw)
		}
	}
	if len(e.Result) > 0 {
		if raw, err := json.Marshal(e.Result); err == nil {
			h["result"] = string(raw)
		}
	}
	return h
}

// ExecutionStateFromHash decodes a live:execution:{id} hash.
func ExecutionStateFromHash(h map[string]string) *ExecutionState {
	if len(h) == 0 {
		return nil
	}
	e := &ExecutionState{
		ID:               h["id"],
		ExecutionKey:     h["execution_key"],
		WorkflowID:       h["workflow_id"],
		WorkflowVersion:  parseInt(h["workflow_version"]),
		NodeID:           h["node_id"],
		Status:           ExecutionStatus(h["status"]),
		ErrorMessage:     h["error_message"],
		CurrentStep:      h["current_step"],
		Progress:         parseInt(h["progress"]),
		TotalDevices:     parseInt(h["total_devices"]),
		CompletedDevices: parseInt(h["completed_devices"]),
		FailedDevices:    parseInt(h["failed_devices"]),
		StartedAt:        msToTime(parseInt64(h["started_at"])),
		CompletedAt:      msToTime(parseInt64(h["completed_at"])),
	}
	if raw := h["device_ids"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.DeviceIDs)
	}
	if raw := h["params"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.Params)
	}
	if raw := h["result"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.Result)
	}
	return e
}
