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

// Package livestore adapts Redis into the orchestrator's volatile state
// store: string values, hashes, sorted sets, sets and pub/sub under the
// live:* key namespace. All writes are idempotent given identical arguments;
// go-redis reconnects transparently underneath.
package livestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespace.
const (
	HeartbeatKey = "live:heartbeat"

	ChannelState   = "channel:state"
	ChannelMetrics = "channel:metrics"
	ChannelAlerts  = "channel:alerts"
)

// NodeKey returns the hash key for one node's live state.
func NodeKey(nodeID string) string { return "live:node:" + nodeID }

// DeviceKey returns the hash key for one device's live state.
func DeviceKey(deviceID string) string { return "live:device:" + deviceID }

// NodeDevicesKey returns the set key holding a node's device ids.
func NodeDevicesKey(nodeID string) string { return "live:node:" + nodeID + ":devices" }

// ExecutionKey returns the hash key for one execution's live state.
func ExecutionKey(executionID string) string { return "live:execution:" + executionID }

// Store is the live-store adapter.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Store over an already-connected Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger}
}

// Client returns the underlying client for callers that need pipelines.
func (s *Store) Client() *redis.Client { return s.rdb }

// Get returns the string value at key, or "" with found=false when absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("live store get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores a string value with an optional TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("live store set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("live store delete: %w", err)
	}
	return nil
}

// HSet writes hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("live store hset %s: %w", key, err)
	}
	return nil
}

// HGet reads one hash field; found=false when the field is absent.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("live store hget %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

// HGetAll reads a whole hash. An absent key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("live store hgetall %s: %w", key, err)
	}
	return v, nil
}

// ZAdd adds or updates one sorted-set member.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("live store zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("live store zrangebyscore %s: %w", key, err)
	}
	return v, nil
}

// ZScore returns the member's score; found=false when absent.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("live store zscore %s: %w", key, err)
	}
	return v, true, nil
}

// ZRem removes sorted-set members.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("live store zrem %s: %w", key, err)
	}
	return nil
}

// SAdd adds set members.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("live store sadd %s: %w", key, err)
	}
	return nil
}

// SMembers lists set members.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("live store smembers %s: %w", key, err)
	}
	return v, nil
}

// SRem removes set members.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("live store srem %s: %w", key, err)
	}
	return nil
}

// Expire sets a TTL on a key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("live store expire %s: %w", key, err)
	}
	return nil
}

// Keys lists keys matching a pattern. Intended for the low-cardinality live
// namespaces only.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	v, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("live store keys %s: %w", pattern, err)
	}
	return v, nil
}

// Publish JSON-encodes the payload and publishes it on the channel.
// Fire-and-forget: marshal or publish failures are logged, not returned.
func (s *Store) Publish(ctx context.Context, channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode pubsub payload",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}
	if err := s.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		s.logger.Warn("failed to publish pubsub message",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
}

// Subscribe opens a subscription on the given channels. The caller owns the
// returned PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// Pipeline runs fn against a transaction pipeline and commits it as one
// atomic multi-op.
func (s *Store) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	if _, err := s.rdb.TxPipelined(ctx, fn); err != nil {
		return fmt.Errorf("live store pipeline: %w", err)
	}
	return nil
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
