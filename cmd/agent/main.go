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
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.corp.nvidia.com/devicefarm/agent"
	"go.corp.nvidia.com/devicefarm/agent/internalqueue"
	"go.corp.nvidia.com/devicefarm/pkg/messages"
	"go.corp.nvidia.com/devicefarm/utils"
	"go.corp.nvidia.com/devicefarm/utils/logging"
)

// version is stamped by the build.
var version = "dev"

var (
	nodeID = flag.String("node-id",
		utils.GetEnv("NODE_ID", ""),
		"Unique node identifier (defaults to the hostname)")
	serverURL = flag.String("server-url",
		utils.GetEnv("DFARM_SERVER_URL", "ws://localhost:8000/ws/node"),
		"Orchestrator websocket endpoint")
	devicesFile = flag.String("devices-file",
		utils.GetEnv("DFARM_AGENT_DEVICES_FILE", ""),
		"YAML device inventory file (empty announces no devices)")
	queueFile = flag.String("queue-file",
		utils.GetEnv("DFARM_AGENT_QUEUE_FILE", "agent-queue.json"),
		"Snapshot file for the internal job queue")
	heartbeatInterval = flag.Duration("heartbeat-interval",
		utils.GetEnvDuration("DFARM_AGENT_HEARTBEAT", 10*time.Second),
		"Device status heartbeat cadence")

	logFlagPtrs = logging.RegisterFlags()
)

func main() {
	flag.Parse()

	if *nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("node-id not set and hostname unavailable: %v", err)
		}
		*nodeID = hostname
	}
	if *serverURL == "" {
		log.Fatal("server-url must not be empty")
	}

	logger := logging.InitLogger("agent", logFlagPtrs.ToConfig())
	logger = logger.With(slog.String("node", *nodeID))

	devices := func() []messages.DeviceReport { return nil }
	if *devicesFile != "" {
		inv, err := agent.LoadInventory(*devicesFile)
		if err != nil {
			log.Fatalf("Failed to load device inventory: %v", err)
		}
		reports := inv.Reports()
		devices = func() []messages.DeviceReport { return reports }
		logger.Info("device inventory loaded", slog.Int("devices", len(reports)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := internalqueue.New(internalqueue.NewFilePersister(*queueFile), logger)
	if err := queue.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore queue snapshot: %v", err)
	}

	client := agent.New(agent.Config{
		ServerURL:         *serverURL,
		NodeID:            *nodeID,
		Version:           version,
		HeartbeatInterval: *heartbeatInterval,
		Devices:           devices,
	}, agent.NewScriptExecutor(logger), queue, logger)

	client.Start()
	logger.Info("agent started", slog.String("server", *serverURL))

	<-ctx.Done()
	logger.Info("shutdown signal received")
	client.Stop()
}
