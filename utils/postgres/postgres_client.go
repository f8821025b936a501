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

package postgres

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go.corp.nvidia.com/devicefarm/utils"
)

// PostgresConfig holds PostgreSQL connection configuration. When URL is set
// it takes precedence over the discrete fields.
type PostgresConfig struct {
	URL             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	SSLMode         string
}

// PostgresClient handles PostgreSQL database operations
type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresClient creates a new PostgreSQL client with connection pooling
func NewPostgresClient(ctx context.Context, config PostgresConfig, logger *slog.Logger) (*PostgresClient, error) {
	connURL := config.URL
	if connURL == "" {
		connURL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.User,
			config.Password,
			config.Host,
			config.Port,
			config.Database,
			config.SSLMode,
		)
	}

	// Parse config to get a pgxpool.Config
	poolConfig, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	// Configure connection pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping to verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("postgres client connected successfully",
		slog.String("database", poolConfig.ConnConfig.Database),
	)

	return &PostgresClient{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (c *PostgresClient) Close() {
	c.logger.Info("closing postgres client")
	c.pool.Close()
}

// Pool returns the underlying pgxpool.Pool for direct database access
func (c *PostgresClient) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping verifies the database connection is still alive
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// PostgresFlagPointers holds pointers to flag values for PostgreSQL configuration
type PostgresFlagPointers struct {
	url      *string
	host     *string
	port     *int
	database *string
	user     *string
	password *string
	maxConns *int
	minConns *int
	sslMode  *string
}

// RegisterPostgresFlags registers PostgreSQL-related command-line flags
func RegisterPostgresFlags() *PostgresFlagPointers {
	return &PostgresFlagPointers{
		url: flag.String("postgres-url",
			utils.GetEnv("DATABASE_URL", ""),
			"PostgreSQL connection URL (postgres://...); takes precedence over host/port"),
		host: flag.String("postgres-host",
			utils.GetEnv("DFARM_POSTGRES_HOST", "localhost"),
			"PostgreSQL host"),
		port: flag.Int("postgres-port",
			utils.GetEnvInt("DFARM_POSTGRES_PORT", 5432),
			"PostgreSQL port"),
		database: flag.String("postgres-database",
			utils.GetEnv("DFARM_POSTGRES_DATABASE", "devicefarm"),
			"PostgreSQL database name"),
		user: flag.String("postgres-user",
			utils.GetEnv("DFARM_POSTGRES_USER", "devicefarm"),
			"PostgreSQL user"),
		password: flag.String("postgres-password",
			utils.GetEnvOrConfig("DFARM_POSTGRES_PASSWORD", "postgres_password", ""),
			"PostgreSQL password"),
		maxConns: flag.Int("postgres-max-conns",
			utils.GetEnvInt("DFARM_POSTGRES_MAX_CONNS", 10),
			"Maximum number of pooled connections"),
		minConns: flag.Int("postgres-min-conns",
			utils.GetEnvInt("DFARM_POSTGRES_MIN_CONNS", 2),
			"Minimum number of pooled connections"),
		sslMode: flag.String("postgres-ssl-mode",
			utils.GetEnv("DFARM_POSTGRES_SSL_MODE", "disable"),
			"PostgreSQL SSL mode (disable, require, verify-full)"),
	}
}

// ToPostgresConfig converts flag pointers to PostgresConfig
// This should be called after flag.Parse()
func (p *PostgresFlagPointers) ToPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:             *p.url,
		Host:            *p.host,
		Port:            *p.port,
		Database:        *p.database,
		User:            *p.user,
		Password:        *p.password,
		MaxConns:        int32(*p.maxConns),
		MinConns:        int32(*p.minConns),
		MaxConnLifetime: time.Hour,
		SSLMode:         *p.sslMode,
	}
}
