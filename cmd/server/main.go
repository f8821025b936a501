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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.corp.nvidia.com/devicefarm/pkg/model"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/api"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/bus"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/coordinator"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/durablestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/gateway"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/liveness"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/livestore"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/metrics"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/queue"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/state"
	"go.corp.nvidia.com/devicefarm/service/orchestrator/syncwriter"
	"go.corp.nvidia.com/devicefarm/utils"
	"go.corp.nvidia.com/devicefarm/utils/logging"
	pgutil "go.corp.nvidia.com/devicefarm/utils/postgres"
	redisutil "go.corp.nvidia.com/devicefarm/utils/redis"
)

const shutdownGrace = 15 * time.Second

var (
	host       = flag.String("host", utils.GetEnv("HOST", "0.0.0.0"), "Listen address")
	port       = flag.Int("port", utils.GetEnvInt("WORKFLOW_PORT", 8000), "Listen port")
	taskAPIURL = flag.String("task-api-url",
		utils.GetEnv("CELERY_API_URL", "http://localhost:8001"),
		"Base URL of the server-side task service")
	corsOrigins = flag.String("cors-origins",
		utils.GetEnv("DFARM_CORS_ORIGINS", ""),
		"Comma-separated list of allowed CORS origins (empty allows any)")
	heartbeatTimeout = flag.Duration("heartbeat-timeout", 60*time.Second,
		"How long a node may stay silent before it is marked disconnected")
	metricsInterval = flag.Duration("metrics-interval", time.Minute,
		"Farm metrics sampling interval")

	logFlagPtrs      = logging.RegisterFlags()
	redisFlagPtrs    = redisutil.RegisterRedisFlags()
	postgresFlagPtrs = pgutil.RegisterPostgresFlags()
)

func main() {
	flag.Parse()

	if *port <= 0 || *port > 65535 {
		log.Fatalf("port must be in 1..65535 (got %d)", *port)
	}
	if *heartbeatTimeout <= 0 {
		log.Fatalf("heartbeat-timeout must be > 0 (got %v)", *heartbeatTimeout)
	}

	logger := logging.InitLogger("orchestrator", logFlagPtrs.ToConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := redisutil.NewRedisClient(ctx, redisFlagPtrs.ToRedisConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	pgClient, err := pgutil.NewPostgresClient(ctx, postgresFlagPtrs.ToPostgresConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgClient.Close()

	durable := durablestore.New(pgClient.Pool(), logger)
	if err := durable.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	live := livestore.New(redisClient.Client(), logger)
	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	stateMgr := state.NewManager(live, broker, logger)
	defer stateMgr.Close()

	qm := queue.NewManager(redisClient.Client(), broker, logger, queue.Config{})
	defer qm.Stop()

	gw := gateway.New(stateMgr, logger)
	defer gw.Close()

	remote := coordinator.NewRemoteTaskExecutor(*taskAPIURL, logger)
	coord := coordinator.New(gw, stateMgr, durable, broker, remote, logger, coordinator.Config{})
	gw.SetEventHandler(coord.HandleNodeEvent)
	coord.Start()
	defer coord.Shutdown()

	startWorkflowWorkers(ctx, stateMgr, broker, qm, coord, logger)

	monitor := liveness.New(live, stateMgr, durable, logger, liveness.Config{
		HeartbeatTimeout: *heartbeatTimeout,
	})
	monitor.Start()
	defer monitor.Stop()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(stateMgr, qm, live, broker, registry, logger, metrics.Config{
		Interval: *metricsInterval,
	})
	collector.Start()
	defer collector.Stop()

	alerts := metrics.NewAlertManager(broker, live, durable, logger, metrics.DefaultRules())
	alerts.Start()
	defer alerts.Stop()

	writer := syncwriter.New(broker, durable, logger, syncwriter.Config{})
	writer.Start()
	defer writer.Stop()

	var origins []string
	if *corsOrigins != "" {
		origins = strings.Split(*corsOrigins, ",")
	}
	apiServer := api.New(stateMgr, qm, durable, collector, alerts, gw, registry, logger, api.Config{
		AllowedOrigins: origins,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", *host, *port),
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening",
			slog.String("addr", httpServer.Addr),
			slog.String("task_api", *taskAPIURL))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
}

// startWorkflowWorkers attaches the coordinator to every node workflow queue:
// the ones already known at boot, then every node that registers later.
func startWorkflowWorkers(ctx context.Context, stateMgr *state.Manager, broker *bus.Broker, qm *queue.Manager, coord *coordinator.Coordinator, logger *slog.Logger) {
	nodes, err := stateMgr.GetOnlineNodes(ctx)
	if err != nil {
		logger.Warn("failed to list online nodes at boot", slog.String("error", err.Error()))
	}
	for _, node := range nodes {
		qm.Process(queue.WorkflowQueue(node.ID), coord.ExecuteJob)
	}

	sub := broker.Subscribe(bus.EventNodeRegistered)
	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				node, ok := ev.Payload.(*model.NodeState)
				if !ok {
					continue
				}
				qm.Process(queue.WorkflowQueue(node.ID), coord.ExecuteJob)
			}
		}
	}()
}
