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

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
)

// session is one websocket connection. nodeID is set exactly once, by the
// REGISTER frame; until then the session accepts nothing else.
type session struct {
	gateway *Gateway
	conn    wsConn
	nodeID  string

	sendCh  chan messages.Frame
	closeCh chan struct{}

	ackMu sync.Mutex
	acks  map[string]chan messages.AckPayload

	lastPong  atomic.Int64
	closeOnce sync.Once
}

// wsConn is the subset of *websocket.Conn the session uses.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.conn.Close()
		s.ackMu.Lock()
		for id, ch := range s.acks {
			close(ch)
			delete(s.acks, id)
		}
		s.ackMu.Unlock()
	})
}

// send queues a frame and, when it requires one, waits for its ACK.
func (s *session) send(ctx context.Context, frame messages.Frame) (messages.AckPayload, error) {
	var ackCh chan messages.AckPayload
	if frame.NeedsAck {
		ackCh = make(chan messages.AckPayload, 1)
		s.ackMu.Lock()
		s.acks[frame.UUID] = ackCh
		s.ackMu.Unlock()
		defer func() {
			s.ackMu.Lock()
			delete(s.acks, frame.UUID)
			s.ackMu.Unlock()
		}()
	}

	select {
	case s.sendCh <- frame:
	case <-s.closeCh:
		return messages.AckPayload{}, ErrNotConnected
	case <-ctx.Done():
		return messages.AckPayload{}, ctx.Err()
	}

	if ackCh == nil {
		return messages.AckPayload{}, nil
	}
	select {
	case ack, ok := <-ackCh:
		if !ok {
			return messages.AckPayload{}, ErrNotConnected
		}
		return ack, nil
	case <-s.closeCh:
		return messages.AckPayload{}, ErrNotConnected
	case <-ctx.Done():
		return messages.AckPayload{}, fmt.Errorf("%s %s: %w", frame.Type, frame.UUID, ErrAckTimeout)
	}
}

func (s *session) resolveAck(uuid string, p messages.AckPayload) {
	s.ackMu.Lock()
	ch, ok := s.acks[uuid]
	if ok {
		delete(s.acks, uuid)
	}
	s.ackMu.Unlock()
	if ok {
		ch <- p
	}
}

func (s *session) readPump() {
	defer func() {
		s.close()
		s.gateway.unregister(s)
	}()

	for {
		var frame messages.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}

		if s.nodeID == "" {
			if frame.Type != messages.EventRegister {
				s.gateway.logger.Warn("frame before REGISTER, dropping session",
					slog.String("type", string(frame.Type)))
				return
			}
			var p messages.RegisterPayload
			if err := frame.Decode(&p); err != nil || p.NodeID == "" {
				s.gateway.logger.Warn("bad REGISTER payload")
				return
			}
			s.nodeID = p.NodeID
			s.gateway.register(s, p)
			continue
		}

		switch frame.Type {
		case messages.EventPong:
			s.lastPong.Store(time.Now().UnixMilli())

		case messages.FrameAck:
			var p messages.AckPayload
			if err := frame.Decode(&p); err == nil {
				s.resolveAck(frame.UUID, p)
			}

		case messages.EventDeviceStatus:
			var p messages.DeviceStatusPayload
			if err := frame.Decode(&p); err != nil {
				s.gateway.logger.Warn("bad DEVICE_STATUS payload",
					slog.String("node", s.nodeID))
				continue
			}
			if p.NodeID == "" {
				p.NodeID = s.nodeID
			}
			s.gateway.handleDeviceStatus(s.nodeID, p)

		case messages.EventWorkflowProgress, messages.EventWorkflowComplete, messages.EventWorkflowError:
			s.gateway.dispatchEvent(s.nodeID, frame)

		case messages.EventRegister:
			// Duplicate REGISTER on a live session refreshes liveness only.
			s.lastPong.Store(time.Now().UnixMilli())

		default:
			s.gateway.logger.Warn("unknown frame type",
				slog.String("node", s.nodeID),
				slog.String("type", string(frame.Type)))
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case frame := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			if time.Since(time.UnixMilli(s.lastPong.Load())) > pongTimeout {
				s.gateway.logger.Warn("pong timeout, closing session",
					slog.String("node", s.nodeID))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(messages.NewPing()); err != nil {
				return
			}

		case <-s.closeCh:
			return
		}
	}
}
