/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package session holds the server-side record of each device socket.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/devicehub/pkg/models"
)

// Transport is the outbound half of a client connection.
type Transport interface {
	Send(msg *models.Message) error
	Close() error
	RemoteAddr() string
}

// Session binds one transport connection to zero or more device ids.
type Session struct {
	id          string
	transport   Transport
	connectedAt time.Time

	mu           sync.RWMutex
	deviceIDs    []string
	lastActivity time.Time
}

// NewSession allocates a session with a fresh id and an empty binding.
func NewSession(transport Transport) *Session {
	now := time.Now()

	return &Session{
		id:           uuid.New().String(),
		transport:    transport,
		connectedAt:  now,
		lastActivity: now,
		deviceIDs:    []string{},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	if s.transport == nil {
		return ""
	}

	return s.transport.RemoteAddr()
}

// Bind replaces the bound device list. Duplicates are dropped, first occurrence wins.
func (s *Session) Bind(deviceIDs []string) []string {
	seen := make(map[string]struct{}, len(deviceIDs))
	bound := make([]string, 0, len(deviceIDs))

	for _, id := range deviceIDs {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		bound = append(bound, id)
	}

	s.mu.Lock()
	s.deviceIDs = bound
	s.mu.Unlock()

	return append([]string(nil), bound...)
}

// DeviceIDs returns a copy of the bound device ids.
func (s *Session) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.deviceIDs...)
}

func (s *Session) HasDevices() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.deviceIDs) > 0
}

func (s *Session) IsBound(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.deviceIDs {
		if id == deviceID {
			return true
		}
	}

	return false
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.touchAt(time.Now())
}

func (s *Session) touchAt(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastActivity
}

// Send forwards msg to the transport.
func (s *Session) Send(msg *models.Message) error {
	return s.transport.Send(msg)
}

// Close closes the underlying transport.
func (s *Session) Close() error {
	return s.transport.Close()
}

// Info returns the API view of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return models.SessionInfo{
		ID:             s.id,
		RemoteAddr:     s.RemoteAddr(),
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivity,
		DeviceIDs:      append([]string{}, s.deviceIDs...),
	}
}
