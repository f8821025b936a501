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

// Package bus provides the in-process event broker connecting the
// orchestrator components. Publishing never blocks: events flow through a
// buffered channel and subscribers with full buffers are skipped, so a slow
// consumer (the sync writer, the alert manager) cannot stall a producer.
package bus

import (
	"sync"
	"time"
)

// EventType names the events on the broker.
type EventType string

const (
	EventNodeRegistered   EventType = "node:registered"
	EventNodeDisconnected EventType = "node:disconnected"
	EventNodeJobOrphaned  EventType = "node:job:orphaned"
	EventDeviceUpdated    EventType = "device:updated"
	EventStateChange      EventType = "state:change"
	EventJobAdded         EventType = "job:added"
	EventJobCompleted     EventType = "job:completed"
	EventJobFailed        EventType = "job:failed"
	EventJobProgress      EventType = "job:progress"
	EventJobCancelRequest EventType = "job:cancel-request"
	EventWorkflowStart    EventType = "workflow:start"
	EventWorkflowProgress EventType = "workflow:progress"
	EventWorkflowComplete EventType = "workflow:complete"
	EventWorkflowError    EventType = "workflow:error"
	EventAlertFired       EventType = "alert:fired"
	EventMetricsSnapshot  EventType = "metrics:snapshot"
)

// Event is one message on the broker. Payload shape is event-specific.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[EventType]bool // nil set = all events
	eventCh     chan Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker (idempotent).
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription for the given event types. With no types
// the subscriber receives every event.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers. Non-blocking once
// the broker buffer is drained by the run loop; drops on a stopped broker.
func (b *Broker) Publish(t EventType, payload any) {
	ev := Event{Type: t, Timestamp: time.Now(), Payload: payload}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !filter[ev.Type] {
			continue
		}
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
