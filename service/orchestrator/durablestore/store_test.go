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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"go.corp.nvidia.com/devicefarm/pkg/model"
)

var (
	poolOnce sync.Once
	testPool *pgxpool.Pool
	poolErr  error
)

// testStore starts one shared postgres container for the package. Tests use
// unique row ids, so they share the database safely.
func testStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	poolOnce.Do(func() {
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("devicefarm"),
			tcpostgres.WithUsername("farm"),
			tcpostgres.WithPassword("farm"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			poolErr = err
			return
		}
		connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			poolErr = err
			return
		}
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			poolErr = err
			return
		}
		if err := New(pool, nil).EnsureSchema(ctx); err != nil {
			poolErr = err
			return
		}
		testPool = pool
	})
	if poolErr != nil {
		t.Skipf("postgres unavailable: %v", poolErr)
	}
	return New(testPool, nil)
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func insertTestDevice(t *testing.T, s *Store) string {
	t.Helper()
	id := uniqueID("dev")
	_, err := s.UpsertDevice(context.Background(), &DeviceRow{
		ID:             id,
		SerialNumber:   "SN" + id,
		Model:          "Pixel 6",
		AndroidVersion: "14",
		Status:         "online",
	})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	return id
}

func insertTestExecution(t *testing.T, s *Store, totalDevices int) string {
	t.Helper()
	key := model.NewExecutionKey()
	_, err := s.InsertExecution(context.Background(), &model.ExecutionState{
		ID:           uuid.NewString(),
		ExecutionKey: key,
		WorkflowID:   uniqueID("wf"),
		DeviceIDs:    []string{"d1", "d2"},
		Status:       model.ExecutionRunning,
		TotalDevices: totalDevices,
	})
	if err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}
	return key
}

func TestExecutionInsertIsIdempotentByKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := &model.ExecutionState{
		ID:           uuid.NewString(),
		ExecutionKey: model.NewExecutionKey(),
		WorkflowID:   uniqueID("wf"),
		DeviceIDs:    []string{"d1"},
		Status:       model.ExecutionQueued,
		TotalDevices: 1,
	}
	first, err := s.InsertExecution(ctx, e)
	if err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}

	dup := *e
	dup.ID = uuid.NewString()
	dup.Status = model.ExecutionRunning
	second, err := s.InsertExecution(ctx, &dup)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if second.ID != first.ID || second.Status != model.ExecutionQueued {
		t.Errorf("re-insert changed the row: %+v", second)
	}
}

func TestExecutionPatchAndFetch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := insertTestExecution(t, s, 2)

	status := model.ExecutionCompleted
	progress := 100
	step := "cleanup"
	done := time.Now()
	err := s.UpdateExecutionByKey(ctx, key, ExecutionPatch{
		Status:      &status,
		Progress:    &progress,
		CurrentStep: &step,
		Result:      map[string]any{"frames": float64(42)},
		CompletedAt: &done,
	})
	if err != nil {
		t.Fatalf("UpdateExecutionByKey: %v", err)
	}

	row, found, err := s.GetExecutionByKey(ctx, key)
	if err != nil || !found {
		t.Fatalf("GetExecutionByKey: found=%v err=%v", found, err)
	}
	if row.Status != model.ExecutionCompleted || row.Progress != 100 || row.CurrentStep != "cleanup" {
		t.Errorf("patched row = %+v", row)
	}
	if row.Result["frames"] != float64(42) {
		t.Errorf("result = %+v", row.Result)
	}
	if row.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}

	if err := s.UpdateExecutionByKey(ctx, "exec_missing", ExecutionPatch{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Errorf("patch of missing row = %v, want ErrNotFound", err)
	}
}

func TestFailStaleRunning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := insertTestExecution(t, s, 2)

	keys, err := s.FailStaleRunning(ctx, time.Now().Add(time.Minute), "heartbeat lost")
	if err != nil {
		t.Fatalf("FailStaleRunning: %v", err)
	}
	var found bool
	for _, k := range keys {
		if k == key {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale execution %s not swept (got %v)", key, keys)
	}

	row, _, err := s.GetExecutionByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetExecutionByKey: %v", err)
	}
	if row.Status != model.ExecutionFailed || row.ErrorMessage != "heartbeat lost" {
		t.Errorf("swept row = %+v", row)
	}
}

func deviceErrorEscalation(t *testing.T, s *Store) {
	ctx := context.Background()
	id := insertTestDevice(t, s)

	for i := 1; i <= model.QuarantineThreshold; i++ {
		res, err := s.UpdateDeviceStatusWithError(ctx, id, "adb timeout")
		if err != nil {
			t.Fatalf("UpdateDeviceStatusWithError #%d: %v", i, err)
		}
		if res.ErrorCount != i {
			t.Errorf("count after #%d = %d", i, res.ErrorCount)
		}
		want := string(model.DeviceError)
		if i >= model.QuarantineThreshold {
			want = string(model.DeviceQuarantine)
		}
		if res.Status != want {
			t.Errorf("status after #%d = %s, want %s", i, res.Status, want)
		}
	}

	if err := s.ResetDeviceErrors(ctx, id); err != nil {
		t.Fatalf("ResetDeviceErrors: %v", err)
	}
	row, _, err := s.GetDevice(ctx, id)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if row.ErrorCount != 0 || row.LastError != "" {
		t.Errorf("after reset = %+v", row)
	}

	if _, err := s.UpdateDeviceStatusWithError(ctx, "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing device = %v, want ErrNotFound", err)
	}
}

func TestDeviceErrorEscalation(t *testing.T) {
	deviceErrorEscalation(t, testStore(t))
}

func TestDeviceErrorEscalationCompareAndSet(t *testing.T) {
	s := testStore(t)
	s.disableNativeRPCs = true
	deviceErrorEscalation(t, s)
}

func executionCountAggregation(t *testing.T, s *Store) {
	ctx := context.Background()

	// One failure among three devices yields partial.
	key := insertTestExecution(t, s, 3)
	for _, countType := range []string{"completed", "failed"} {
		if _, err := s.IncrementExecutionDeviceCount(ctx, key, countType); err != nil {
			t.Fatalf("increment %s: %v", countType, err)
		}
	}
	res, err := s.IncrementExecutionDeviceCount(ctx, key, "completed")
	if err != nil {
		t.Fatalf("final increment: %v", err)
	}
	if res.CompletedDevices != 2 || res.FailedDevices != 1 || res.Status != model.ExecutionPartial {
		t.Errorf("aggregate = %+v", res)
	}
	row, _, _ := s.GetExecutionByKey(ctx, key)
	if row.CompletedAt.IsZero() {
		t.Error("completed_at not set at aggregation")
	}

	// All devices succeeding yields completed.
	key = insertTestExecution(t, s, 2)
	s.IncrementExecutionDeviceCount(ctx, key, "completed")
	res, err = s.IncrementExecutionDeviceCount(ctx, key, "completed")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res.Status != model.ExecutionCompleted {
		t.Errorf("all-success status = %s", res.Status)
	}

	// All devices failing yields failed.
	key = insertTestExecution(t, s, 1)
	res, err = s.IncrementExecutionDeviceCount(ctx, key, "failed")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res.Status != model.ExecutionFailed {
		t.Errorf("all-failed status = %s", res.Status)
	}

	if _, err := s.IncrementExecutionDeviceCount(ctx, "exec_missing", "completed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing execution = %v, want ErrNotFound", err)
	}
	if _, err := s.IncrementExecutionDeviceCount(ctx, key, "bogus"); err == nil {
		t.Error("bogus count type accepted")
	}
}

func TestExecutionCountAggregation(t *testing.T) {
	executionCountAggregation(t, testStore(t))
}

func TestExecutionCountAggregationCompareAndSet(t *testing.T) {
	s := testStore(t)
	s.disableNativeRPCs = true
	executionCountAggregation(t, s)
}

func TestConcurrentDeviceErrorsLoseNoIncrements(t *testing.T) {
	s := testStore(t)
	s.disableNativeRPCs = true
	ctx := context.Background()
	id := insertTestDevice(t, s)

	const writers = 3
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateDeviceStatusWithError(ctx, id, "race"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		// Bounded retries may legitimately exhaust under contention; anything
		// else is a bug.
		if !errors.Is(err, ErrConcurrencyExhausted) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	row, _, err := s.GetDevice(ctx, id)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if row.ErrorCount < 1 || row.ErrorCount > writers {
		t.Errorf("error_count = %d", row.ErrorCount)
	}
}

func TestWorkflowVersioning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	wf, err := s.CreateWorkflow(ctx, &model.Workflow{
		ID:   uniqueID("wf"),
		Name: "record video",
		Steps: []model.Step{
			{ID: "s1", Action: model.ActionAgentScript, Params: map[string]any{"script": "true"}},
		},
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if wf.Version != 1 {
		t.Errorf("initial version = %d", wf.Version)
	}

	for want := 2; want <= 4; want++ {
		v, err := s.IncrementWorkflowVersion(ctx, wf.ID)
		if err != nil {
			t.Fatalf("IncrementWorkflowVersion: %v", err)
		}
		if v != want {
			t.Errorf("version = %d, want %d", v, want)
		}
	}

	if _, err := s.IncrementWorkflowVersion(ctx, "wf-ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing workflow = %v, want ErrNotFound", err)
	}

	// CAS-free fallback statement behaves the same.
	s.disableNativeRPCs = true
	v, err := s.IncrementWorkflowVersion(ctx, wf.ID)
	if err != nil {
		t.Fatalf("fallback increment: %v", err)
	}
	if v != 5 {
		t.Errorf("fallback version = %d, want 5", v)
	}
}

func TestNextDeviceNumberNeverReuses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	nodeID := uniqueID("pc")
	if _, err := s.UpsertNode(ctx, &NodeRow{ID: nodeID, Status: model.NodeOnline}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	n, err := s.NextDeviceNumber(ctx, nodeID)
	if err != nil {
		t.Fatalf("NextDeviceNumber: %v", err)
	}
	if n != 1 {
		t.Errorf("first number = %d", n)
	}

	for _, num := range []int{1, 2, 3} {
		_, err := s.UpsertDevice(ctx, &DeviceRow{
			ID:           uniqueID("dev"),
			PCID:         nodeID,
			DeviceNumber: num,
			Status:       "online",
		})
		if err != nil {
			t.Fatalf("UpsertDevice #%d: %v", num, err)
		}
	}
	n, err = s.NextDeviceNumber(ctx, nodeID)
	if err != nil {
		t.Fatalf("NextDeviceNumber: %v", err)
	}
	if n != 4 {
		t.Errorf("next number = %d, want 4", n)
	}
}

func TestDeviceStateMirror(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestDevice(t, s)

	info := &model.DeviceInfo{
		ID:            id,
		NodeID:        "pc-1",
		State:         model.DeviceRunning,
		WorkflowID:    "wf-1",
		CurrentStep:   "record",
		Progress:      40,
		Battery:       81,
		LastHeartbeat: time.Now(),
	}
	if err := s.UpsertDeviceState(ctx, info); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	// Latest write wins.
	info.State = model.DeviceIdle
	info.Progress = 0
	if err := s.UpsertDeviceState(ctx, info); err != nil {
		t.Fatalf("second UpsertDeviceState: %v", err)
	}

	var state string
	var progress int
	err := s.Pool().QueryRow(ctx,
		`SELECT state, progress FROM device_states WHERE device_id = $1`, id).
		Scan(&state, &progress)
	if err != nil {
		t.Fatalf("read device_states: %v", err)
	}
	if state != string(model.DeviceIdle) || progress != 0 {
		t.Errorf("mirrored state = %s/%d", state, progress)
	}
}

func TestLogsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := insertTestExecution(t, s, 1)

	entries := []*model.ExecutionLog{
		{ExecutionID: key, Level: model.LogInfo, Status: model.LogStarted, Message: "dispatched"},
		{ExecutionID: key, DeviceID: "d1", Level: model.LogDebug, Status: model.LogProgress, Message: "50%",
			Data: map[string]any{"progress": float64(50)}},
		{ExecutionID: key, Level: model.LogError, Status: model.LogFailed, Message: "device lost"},
	}
	for _, l := range entries {
		if err := s.InsertLog(ctx, l); err != nil {
			t.Fatalf("InsertLog: %v", err)
		}
	}

	logs, err := s.ListLogsByExecution(ctx, key)
	if err != nil {
		t.Fatalf("ListLogsByExecution: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("logs = %d", len(logs))
	}
	if logs[0].Status != model.LogStarted || logs[2].Level != model.LogError {
		t.Errorf("order wrong: %+v", logs)
	}
	if logs[1].Data["progress"] != float64(50) {
		t.Errorf("data = %+v", logs[1].Data)
	}
}

func TestAlertAcknowledgement(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := uniqueID("no nodes online")
	id, err := s.InsertAlert(ctx, &model.Alert{
		Level:   model.AlertCritical,
		Message: msg,
		Source:  "metrics",
	})
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if id == 0 {
		t.Fatal("alert id not assigned")
	}

	active, err := s.ListAlerts(ctx, true, 500)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	var seen bool
	for _, a := range active {
		if a.ID == id {
			seen = true
		}
	}
	if !seen {
		t.Error("fresh alert not listed as active")
	}

	if err := s.AcknowledgeAlert(ctx, id, "oncall"); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	active, _ = s.ListAlerts(ctx, true, 500)
	for _, a := range active {
		if a.ID == id {
			t.Error("acknowledged alert still active")
		}
	}

	if err := s.AcknowledgeAlert(ctx, 1<<40, "oncall"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing alert = %v, want ErrNotFound", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	type retention struct {
		Days int `json:"days"`
	}
	key := uniqueID("retention")

	var out retention
	found, err := s.GetSetting(ctx, key, &out)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if found {
		t.Error("setting found before write")
	}

	if err := s.PutSetting(ctx, key, retention{Days: 30}, "log retention"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutSetting(ctx, key, retention{Days: 7}, ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	found, err = s.GetSetting(ctx, key, &out)
	if err != nil || !found {
		t.Fatalf("GetSetting after write: found=%v err=%v", found, err)
	}
	if out.Days != 7 {
		t.Errorf("value = %+v", out)
	}
}
