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

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
	"go.corp.nvidia.com/devicefarm/pkg/model"
)

// ErrNoWorkflow rejects a dispatch whose payload carries no workflow snapshot.
var ErrNoWorkflow = errors.New("no workflow in payload")

// ScriptExecutor runs the node-side steps of a workflow by shelling out.
// An agent-script step's "script" param is passed to the shell with
// DEVICE_ID and JOB_ID in the environment; wait steps sleep; conditional
// steps run their script only when the device matches the "device_id"
// glob pattern.
type ScriptExecutor struct {
	// Shell is the interpreter, default /bin/sh.
	Shell string
	// StepTimeout bounds steps that set none of their own, default 5m.
	StepTimeout time.Duration

	logger *slog.Logger
}

// NewScriptExecutor creates a ScriptExecutor with the default shell.
func NewScriptExecutor(logger *slog.Logger) *ScriptExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptExecutor{
		Shell:       "/bin/sh",
		StepTimeout: 5 * time.Minute,
		logger:      logger,
	}
}

// Run implements Executor. Steps execute in order; a failing step consults
// its on-error policy before aborting the device run.
func (e *ScriptExecutor) Run(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, progress func(step string, pct int, msg string)) (time.Duration, error) {
	start := time.Now()
	if job.Workflow == nil {
		return 0, ErrNoWorkflow
	}
	_, steps := job.Workflow.PartitionSteps()
	for i, step := range steps {
		name := step.Name
		if name == "" {
			name = step.ID
		}
		pct := i * 100 / max(len(steps), 1)
		progress(name, pct, "running")

		err := e.runStep(ctx, deviceID, job, step)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return time.Since(start), ctx.Err()
		}
		switch step.EffectiveOnError() {
		case model.OnErrorContinue, model.OnErrorSkip:
			e.logger.Warn("step failed, continuing",
				slog.String("device", deviceID),
				slog.String("step", name),
				slog.String("error", err.Error()))
		default:
			return time.Since(start), fmt.Errorf("step %s: %w", name, err)
		}
	}
	return time.Since(start), nil
}

func (e *ScriptExecutor) runStep(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, step model.Step) error {
	attempts := step.Retry.Max + 1
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && step.Retry.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.Retry.Delay):
			}
		}
		err = e.runOnce(ctx, deviceID, job, step)
		if err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (e *ScriptExecutor) runOnce(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, step model.Step) error {
	switch step.Action {
	case model.ActionWait:
		return e.wait(ctx, step)
	case model.ActionConditional:
		pattern, _ := step.Params["device_id"].(string)
		if pattern != "" {
			if ok, _ := path.Match(pattern, deviceID); !ok {
				return nil
			}
		}
		return e.shellOut(ctx, deviceID, job, step)
	case model.ActionAgentScript:
		return e.shellOut(ctx, deviceID, job, step)
	default:
		return fmt.Errorf("unsupported action %q", step.Action)
	}
}

func (e *ScriptExecutor) wait(ctx context.Context, step model.Step) error {
	d := time.Second
	switch v := step.Params["duration"].(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("bad wait duration %q: %w", v, err)
		}
		d = parsed
	case float64:
		d = time.Duration(v * float64(time.Second))
	case int:
		d = time.Duration(v) * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (e *ScriptExecutor) shellOut(ctx context.Context, deviceID string, job messages.ExecuteWorkflowPayload, step model.Step) error {
	script, _ := step.Params["script"].(string)
	if script == "" {
		return errors.New("step has no script param")
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout(e.StepTimeout))
	defer cancel()

	cmd := exec.CommandContext(stepCtx, e.Shell, "-c", script)
	cmd.Env = append(os.Environ(),
		"DEVICE_ID="+deviceID,
		"JOB_ID="+job.JobID,
		"WORKFLOW_ID="+job.WorkflowID,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("script failed: %w: %s", err, truncate(string(out), 512))
	}
	e.logger.Debug("step script done",
		slog.String("device", deviceID),
		slog.String("step", step.ID))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
