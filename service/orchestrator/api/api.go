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

// Package api exposes the orchestrator's admin surface: workflow CRUD,
// enqueueing executions, live node and device state, metrics, alerts and
// settings. The node websocket endpoint is mounted on the same router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/durablestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/metrics"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
)

// Durable is the slice of the durable store the admin surface needs.
type Durable interface {
	CreateWorkflow(ctx context.Context, w *model.Workflow) (*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *model.Workflow) (*model.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, bool, error)
	ListWorkflows(ctx context.Context, activeOnly bool) ([]*model.Workflow, error)
	IncrementWorkflowVersion(ctx context.Context, workflowID string) (int, error)

	InsertExecution(ctx context.Context, e *model.ExecutionState) (*model.ExecutionState, error)
	GetExecutionByKey(ctx context.Context, key string) (*model.ExecutionState, bool, error)
	ListExecutions(ctx context.Context, status model.ExecutionStatus, limit int) ([]*model.ExecutionState, error)
	ListLogsByExecution(ctx context.Context, executionKey string) ([]*model.ExecutionLog, error)

	ListAlerts(ctx context.Context, activeOnly bool, limit int) ([]*model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64, by string) error

	ResetDeviceErrors(ctx context.Context, id string) error

	GetSetting(ctx context.Context, key string, v any) (bool, error)
	PutSetting(ctx context.Context, key string, v any, description string) error
}

// Config tunes the server.
type Config struct {
	// AllowedOrigins feeds the CORS middleware. Empty allows any origin,
	// which suits a dashboard served from a separate dev host.
	AllowedOrigins []string
	// DefaultPriority applies when an enqueue request omits priority.
	DefaultPriority int
}

// Server is the admin HTTP surface.
type Server struct {
	state     *state.Manager
	queue     *queue.Manager
	durable   Durable
	collector *metrics.Collector
	alerts    *metrics.AlertManager
	node      http.Handler
	logger    *slog.Logger
	cfg       Config
	router    chi.Router
}

// New assembles the router. collector, alerts and node may be nil; their
// routes then answer 404.
func New(stateMgr *state.Manager, q *queue.Manager, durable Durable, collector *metrics.Collector, alerts *metrics.AlertManager, node http.Handler, reg *prometheus.Registry, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		state:     stateMgr,
		queue:     q,
		durable:   durable,
		collector: collector,
		alerts:    alerts,
		node:      node,
		logger:    logger,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)
	if reg != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	if node != nil {
		r.Handle("/ws/node", node)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Put("/{id}", s.handleUpdateWorkflow)
			r.Post("/{id}/publish", s.handlePublishWorkflow)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Post("/", s.handleEnqueue)
			r.Get("/{key}", s.handleGetExecution)
			r.Get("/{key}/logs", s.handleExecutionLogs)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{id}", s.handleJobStatus)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Route("/queues/{name}", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Post("/pause", s.handlePauseQueue)
			r.Post("/resume", s.handleResumeQueue)
			r.Post("/retry-failed", s.handleRetryFailed)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Get("/{id}", s.handleGetNode)
			r.Get("/{id}/devices", s.handleNodeDevices)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
			r.Post("/{id}/reset", s.handleResetDevice)
		})

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/current", s.handleMetricsCurrent)
			r.Get("/history", s.handleMetricsHistory)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/{id}/ack", s.handleAckAlert)
		})

		r.Route("/settings/{key}", func(r chi.Router) {
			r.Get("/", s.handleGetSetting)
			r.Put("/", s.handlePutSetting)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Warn("failed to encode response", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, slog.String("error", err.Error()))
	s.respondError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// --- workflows ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rows, err := s.durable.ListWorkflows(r.Context(), activeOnly)
	if err != nil {
		s.internalError(w, "list workflows", err)
		return
	}
	if rows == nil {
		rows = []*model.Workflow{}
	}
	s.respond(w, http.StatusOK, rows)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid workflow body")
		return
	}
	if wf.Name == "" || len(wf.Steps) == 0 {
		s.respondError(w, http.StatusBadRequest, "workflow needs a name and at least one step")
		return
	}
	created, err := s.durable.CreateWorkflow(r.Context(), &wf)
	if err != nil {
		s.internalError(w, "create workflow", err)
		return
	}
	s.respond(w, http.StatusOK, created)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, found, err := s.durable.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get workflow", err)
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	s.respond(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid workflow body")
		return
	}
	wf.ID = chi.URLParam(r, "id")
	updated, err := s.durable.UpdateWorkflow(r.Context(), &wf)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.internalError(w, "update workflow", err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := s.durable.IncrementWorkflowVersion(r.Context(), id)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.internalError(w, "publish workflow", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"id": id, "version": version})
}

// --- executions ---

type enqueueRequest struct {
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id"`
	DeviceIDs  []string       `json:"device_ids"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// handleEnqueue creates the durable execution row and the queue job in one
// request. The generated execution key doubles as the job id.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid enqueue body")
		return
	}
	if req.WorkflowID == "" || req.NodeID == "" || len(req.DeviceIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "workflow_id, node_id and device_ids are required")
		return
	}

	wf, found, err := s.durable.GetWorkflow(r.Context(), req.WorkflowID)
	if err != nil {
		s.internalError(w, "resolve workflow", err)
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}

	key := model.NewExecutionKey()
	if _, err := s.durable.InsertExecution(r.Context(), &model.ExecutionState{
		ID:              key,
		ExecutionKey:    key,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		NodeID:          req.NodeID,
		DeviceIDs:       req.DeviceIDs,
		Status:          model.ExecutionQueued,
		Params:          req.Params,
		TotalDevices:    len(req.DeviceIDs),
	}); err != nil {
		s.internalError(w, "insert execution", err)
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	created, err := s.queue.AddWorkflowJob(r.Context(), queue.WorkflowQueue(req.NodeID), &queue.Job{
		JobID:            key,
		WorkflowID:       wf.ID,
		WorkflowSnapshot: wf,
		DeviceIDs:        req.DeviceIDs,
		NodeID:           req.NodeID,
		Params:           req.Params,
		Priority:         priority,
	})
	if err != nil {
		s.internalError(w, "enqueue job", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"execution_key": key,
		"queued":        created,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	rows, err := s.durable.ListExecutions(r.Context(), model.ExecutionStatus(q.Get("status")), limit)
	if err != nil {
		s.internalError(w, "list executions", err)
		return
	}
	if rows == nil {
		rows = []*model.ExecutionState{}
	}
	s.respond(w, http.StatusOK, rows)
}

// handleGetExecution prefers the live view and falls back to the durable row
// once the live key has expired.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if live, err := s.state.GetExecutionState(r.Context(), key); err == nil && live != nil {
		s.respond(w, http.StatusOK, live)
		return
	}
	row, found, err := s.durable.GetExecutionByKey(r.Context(), key)
	if err != nil {
		s.internalError(w, "get execution", err)
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	s.respond(w, http.StatusOK, row)
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.durable.ListLogsByExecution(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.internalError(w, "list logs", err)
		return
	}
	if logs == nil {
		logs = []*model.ExecutionLog{}
	}
	s.respond(w, http.StatusOK, logs)
}

// --- jobs and queues ---

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.queue.GetJobStatus(r.Context(), id)
	if err != nil {
		s.internalError(w, "job status", err)
		return
	}
	if status == queue.StatusMissing {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": status, "job": job})
}

type cancelJobRequest struct {
	Queue string `json:"queue"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Queue == "" {
		s.respondError(w, http.StatusBadRequest, "queue is required")
		return
	}
	cancelled, err := s.queue.CancelJob(r.Context(), chi.URLParam(r, "id"), req.Queue)
	if err != nil {
		s.internalError(w, "cancel job", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.internalError(w, "queue stats", err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.PauseQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.internalError(w, "pause queue", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ResumeQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.internalError(w, "resume queue", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	count, err := s.queue.RetryFailedJobs(r.Context(), chi.URLParam(r, "name"), n)
	if err != nil {
		s.internalError(w, "retry failed jobs", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"retried": count})
}

// --- nodes and devices ---

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.state.GetOnlineNodes(r.Context())
	if err != nil {
		s.internalError(w, "list nodes", err)
		return
	}
	if nodes == nil {
		nodes = []*model.NodeState{}
	}
	s.respond(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.state.GetNodeState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get node", err)
		return
	}
	if node == nil {
		s.respondError(w, http.StatusNotFound, "node not found")
		return
	}
	s.respond(w, http.StatusOK, node)
}

func (s *Server) handleNodeDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.state.GetNodeDevices(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "node devices", err)
		return
	}
	if devices == nil {
		devices = []*model.DeviceInfo{}
	}
	s.respond(w, http.StatusOK, devices)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []*model.DeviceInfo
	var err error
	if nodeID := r.URL.Query().Get("node"); nodeID != "" {
		devices, err = s.state.GetNodeDevices(r.Context(), nodeID)
	} else {
		devices, err = s.state.GetAllDeviceStates(r.Context())
	}
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []*model.DeviceInfo{}
	}
	s.respond(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.state.GetDeviceState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get device", err)
		return
	}
	if device == nil {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	s.respond(w, http.StatusOK, device)
}

// handleResetDevice is the manual quarantine exit. It clears the live error
// counters and mirrors the reset into the durable row.
func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.state.GetDeviceState(r.Context(), id)
	if err != nil {
		s.internalError(w, "reset device", err)
		return
	}
	if existing == nil {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	device, err := s.state.ResetDevice(r.Context(), id)
	if err != nil {
		s.internalError(w, "reset device", err)
		return
	}
	if err := s.durable.ResetDeviceErrors(r.Context(), id); err != nil && !errors.Is(err, durablestore.ErrNotFound) {
		s.logger.Warn("failed to reset durable device errors",
			slog.String("device", id), slog.String("error", err.Error()))
	}
	s.respond(w, http.StatusOK, device)
}

// --- metrics and alerts ---

func (s *Server) handleMetricsCurrent(w http.ResponseWriter, _ *http.Request) {
	if s.collector == nil {
		s.respondError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	snap := s.collector.Latest()
	if snap == nil {
		s.respondError(w, http.StatusNotFound, "no samples yet")
		return
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, _ *http.Request) {
	if s.collector == nil {
		s.respondError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.respond(w, http.StatusOK, s.collector.History())
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	activeOnly := q.Get("active") == "true"
	alerts, err := s.durable.ListAlerts(r.Context(), activeOnly, limit)
	if err != nil {
		s.internalError(w, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	s.respond(w, http.StatusOK, alerts)
}

type ackAlertRequest struct {
	By      string           `json:"by"`
	Level   model.AlertLevel `json:"level,omitempty"`
	Message string           `json:"message,omitempty"`
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req ackAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		s.respondError(w, http.StatusBadRequest, "by is required")
		return
	}
	if err := s.durable.AcknowledgeAlert(r.Context(), id, req.By); err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.internalError(w, "acknowledge alert", err)
		return
	}
	// Clearing the dedup entry lets the rule fire again if the condition
	// persists after the operator acknowledged it.
	if s.alerts != nil && req.Message != "" {
		s.alerts.Acknowledge(req.Level, req.Message)
	}
	s.respond(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// --- settings ---

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var value any
	found, err := s.durable.GetSetting(r.Context(), key, &value)
	if err != nil {
		s.internalError(w, "get setting", err)
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "setting not found")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

type putSettingRequest struct {
	Value       any    `json:"value"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req putSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid setting body")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.durable.PutSetting(r.Context(), key, req.Value, req.Description); err != nil {
		s.internalError(w, "put setting", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
}
