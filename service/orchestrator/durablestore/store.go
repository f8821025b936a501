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

// Package durablestore adapts PostgreSQL into the orchestrator's store of
// record: nodes, devices, workflows, executions, logs, alerts and settings.
//
// Counter updates (device error count, execution device counts, workflow
// version) go through atomic single-statement RPCs. When the database lacks
// the native function the adapter falls back to a bounded compare-and-set
// retry (3 attempts, 10ms x attempt backoff) and reports
// ErrConcurrencyExhausted after exhaustion.
package durablestore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound reports a missing row where the caller asked for exactly one.
	ErrNotFound = errors.New("row not found")
	// ErrFunctionNotFound reports a missing native database function; callers
	// branch to the compare-and-set fallback on it.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrConcurrencyExhausted reports a compare-and-set retry loop that ran
	// out of attempts.
	ErrConcurrencyExhausted = errors.New("concurrency exhausted")
)

const (
	casMaxAttempts = 3
)

// Store is the durable-store adapter.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// Set by tests to force the compare-and-set path.
	disableNativeRPCs bool
}

// New creates a Store over an already-connected pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// EnsureSchema applies the embedded DDL. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("durable store schema ensured")
	return nil
}

// isUndefinedFunction reports SQLSTATE 42883 (undefined_function).
func isUndefinedFunction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42883"
}

// noRows reports the pgx no-rows sentinel.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
