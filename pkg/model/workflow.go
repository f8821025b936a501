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

import "time"

// StepAction selects where and how a workflow step runs.
type StepAction string

const (
	// ActionRemoteTask runs on the orchestrator through the remote task
	// executor service.
	ActionRemoteTask StepAction = "remote-task"
	// ActionCeleryTask is the legacy alias for ActionRemoteTask.
	ActionCeleryTask StepAction = "celery-task"
	// ActionAgentScript runs on the node against its devices.
	ActionAgentScript StepAction = "agent-script"
	// ActionWait pauses the node-side run for the configured duration.
	ActionWait StepAction = "wait"
	// ActionConditional branches the node-side run on a device predicate.
	ActionConditional StepAction = "conditional"
)

// ServerSide reports whether the action executes on the orchestrator rather
// than on the node.
func (a StepAction) ServerSide() bool {
	return a == ActionRemoteTask || a == ActionCeleryTask
}

// OnErrorPolicy selects how a step failure affects the rest of the job.
type OnErrorPolicy string

const (
	OnErrorFail     OnErrorPolicy = "fail"
	OnErrorContinue OnErrorPolicy = "continue"
	OnErrorSkip     OnErrorPolicy = "skip"
)

// RetryPolicy bounds per-step retries.
type RetryPolicy struct {
	Max   int           `json:"max"`
	Delay time.Duration `json:"delay"`
}

// Step is one entry of a workflow's ordered step list.
type Step struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Action  StepAction     `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty"`
	Retry   RetryPolicy    `json:"retry,omitzero"`
	OnError OnErrorPolicy  `json:"on_error,omitempty"`
}

// EffectiveTimeout returns the step timeout, falling back to the given
// default when unset.
func (s Step) EffectiveTimeout(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return def
}

// EffectiveOnError returns the step's on-error policy, defaulting to fail.
func (s Step) EffectiveOnError() OnErrorPolicy {
	switch s.OnError {
	case OnErrorContinue, OnErrorSkip:
		return s.OnError
	default:
		return OnErrorFail
	}
}

// Workflow is a versioned, ordered sequence of steps. Published versions are
// immutable; edits go through the durable store's atomic version increment.
type Workflow struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Category    string        `json:"category,omitempty"`
	Version     int           `json:"version"`
	Steps       []Step        `json:"steps"`
	Tags        []string      `json:"tags,omitempty"`
	IsActive    bool          `json:"is_active"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"created_at,omitzero"`
	UpdatedAt   time.Time     `json:"updated_at,omitzero"`
}

// PartitionSteps splits the workflow's steps into the server-executed prefix
// set and the node-executed remainder, preserving order within each group.
func (w *Workflow) PartitionSteps() (server, agent []Step) {
	for _, s := range w.Steps {
		if s.Action.ServerSide() {
			server = append(server, s)
		} else {
			agent = append(agent, s)
		}
	}
	return server, agent
}

// StripServerSteps returns a copy of the workflow containing only the
// node-executed steps, as dispatched to the agent.
func (w *Workflow) StripServerSteps() *Workflow {
	_, agent := w.PartitionSteps()
	clone := *w
	clone.Steps = agent
	return &clone
}
