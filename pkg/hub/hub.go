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

// Package hub implements the server side of the device socket protocol: it owns
// sessions and telemetry, dispatches client messages and runs the simulators.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/session"
	"github.com/carverauto/devicehub/pkg/telemetry"
)

const eventPublishTimeout = 5 * time.Second

// Hub owns the session registry and telemetry store shared by all device sockets.
type Hub struct {
	cfg      models.SimulationConfig
	sessions session.Repository
	store    telemetry.Repository
	sim      telemetry.Simulation
	rnd      telemetry.Random
	events   EventPublisher
	logger   logger.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

func WithSessionRepository(repo session.Repository) Option {
	return func(h *Hub) {
		h.sessions = repo
	}
}

func WithTelemetryRepository(repo telemetry.Repository) Option {
	return func(h *Hub) {
		h.store = repo
	}
}

// WithSimulation replaces the randomized telemetry simulator.
func WithSimulation(sim telemetry.Simulation) Option {
	return func(h *Hub) {
		h.sim = sim
	}
}

// WithRandom sets the random source used for instruction outcomes and uploads.
func WithRandom(rnd telemetry.Random) Option {
	return func(h *Hub) {
		h.rnd = rnd
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(h *Hub) {
		if p != nil {
			h.events = p
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(h *Hub) {
		h.logger = log
	}
}

// NewHub creates a hub. Unset simulation values fall back to their defaults.
func NewHub(cfg models.SimulationConfig, opts ...Option) *Hub {
	h := &Hub{
		cfg:    cfg.WithDefaults(),
		events: noopPublisher{},
		now:    time.Now,
		timers: make(map[*time.Timer]struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.logger == nil {
		h.logger = logger.NewTestLogger()
	}

	if h.sessions == nil {
		h.sessions = session.NewMemoryRepository()
	}

	if h.store == nil {
		h.store = telemetry.NewMemoryStore()
	}

	if h.rnd == nil {
		h.rnd = telemetry.NewRandom(h.cfg.Seed)
	}

	if h.sim == nil {
		h.sim = telemetry.NewSimulator(h.rnd)
	}

	return h
}

// Sessions exposes the session registry.
func (h *Hub) Sessions() session.Repository {
	return h.sessions
}

// Telemetry exposes the device telemetry store.
func (h *Hub) Telemetry() telemetry.Repository {
	return h.store
}

// SessionInfos lists the registered sessions, oldest first.
func (h *Hub) SessionInfos() []models.SessionInfo {
	infos := make([]models.SessionInfo, 0, h.sessions.Count())

	h.sessions.ForEach(func(s *session.Session) bool {
		infos = append(infos, s.Info())
		return true
	})

	return infos
}

// Register creates and stores a session for a freshly accepted transport.
func (h *Hub) Register(t session.Transport) *session.Session {
	s := session.NewSession(t)
	h.sessions.Put(s)

	recordSessionDelta(context.Background(), 1)

	h.logger.Info().
		Str("session_id", s.ID()).
		Str("remote_addr", s.RemoteAddr()).
		Int("sessions", h.sessions.Count()).
		Msg("Session registered")

	return s
}

// Unregister removes the session immediately. Pending delayed work for it is dropped.
func (h *Hub) Unregister(s *session.Session) {
	if !h.sessions.Delete(s.ID()) {
		return
	}

	recordSessionDelta(context.Background(), -1)

	h.logger.Info().
		Str("session_id", s.ID()).
		Str("remote_addr", s.RemoteAddr()).
		Int("sessions", h.sessions.Count()).
		Msg("Session unregistered")
}

// Evict unregisters the session and closes its transport.
func (h *Hub) Evict(s *session.Session) {
	h.Unregister(s)

	if err := s.Close(); err != nil {
		h.logger.Debug().Err(err).Str("session_id", s.ID()).Msg("Failed to close evicted session")
	}
}

// NewIdleReaper returns a reaper that evicts sessions through the hub, or nil
// when the idle timeout is disabled.
func (h *Hub) NewIdleReaper() *session.IdleReaper {
	if h.cfg.IdleTimeout <= 0 {
		return nil
	}

	return session.NewIdleReaper(h.sessions, h.logger,
		time.Duration(h.cfg.ReapInterval), time.Duration(h.cfg.IdleTimeout), h.Evict)
}

// Close cancels pending delayed work and waits for running callbacks to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true

	for t := range h.timers {
		if t.Stop() {
			h.wg.Done()
		}

		delete(h.timers, t)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// schedule runs fn after delay unless the hub is closed first.
func (h *Hub) schedule(delay time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.wg.Add(1)

	var t *time.Timer

	t = time.AfterFunc(delay, func() {
		defer h.wg.Done()

		h.mu.Lock()
		closed := h.closed
		delete(h.timers, t)
		h.mu.Unlock()

		if !closed {
			fn()
		}
	})

	h.timers[t] = struct{}{}
}

// alive reports whether s is still registered.
func (h *Hub) alive(s *session.Session) bool {
	_, ok := h.sessions.Get(s.ID())
	return ok
}

func (h *Hub) send(s *session.Session, msg *models.Message) {
	if err := s.Send(msg); err != nil {
		h.logger.Warn().
			Err(err).
			Str("session_id", s.ID()).
			Str("type", msg.Type).
			Msg("Failed to send message")

		return
	}

	recordMessage(context.Background(), directionOutbound, msg.Type)
}

func (h *Hub) sendError(s *session.Session, errMsg string, critical bool) {
	h.send(s, models.NewErrorMessage(errMsg, critical, h.now()))
}

// sendSnapshot pushes the telemetry of every device bound to s.
func (h *Hub) sendSnapshot(s *session.Session) {
	msg, err := models.NewStatusMessage(telemetry.Snapshot(h.store, s.DeviceIDs()), h.now())
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", s.ID()).Msg("Failed to build status message")
		return
	}

	h.send(s, msg)
}

// fanOutStatus pushes the records of the changed devices to every session that has
// at least one of them bound. Each session only receives the devices it has bound.
func (h *Hub) fanOutStatus(changed map[string]models.DeviceTelemetry) {
	if len(changed) == 0 {
		return
	}

	h.sessions.ForEach(func(s *session.Session) bool {
		subset := make(map[string]models.DeviceTelemetry)

		for _, id := range s.DeviceIDs() {
			if t, ok := changed[id]; ok {
				subset[id] = t
			}
		}

		if len(subset) == 0 {
			return true
		}

		msg, err := models.NewStatusMessage(subset, h.now())
		if err != nil {
			h.logger.Error().Err(err).Str("session_id", s.ID()).Msg("Failed to build status message")
			return true
		}

		h.send(s, msg)

		return true
	})
}

func (h *Hub) publishStatusChange(id string, previous models.DeviceStatus, t models.DeviceTelemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()

	err := h.events.PublishDeviceStatus(ctx, &models.DeviceStatusEventData{
		DeviceID:       id,
		PreviousStatus: previous,
		CurrentStatus:  t.Status,
		Telemetry:      t,
		Timestamp:      t.LastUpdatedAt,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("device_id", id).Msg("Failed to publish device status event")
	}
}

func (h *Hub) publishInstruction(s *session.Session, instruction string, deviceIDs []string, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()

	err := h.events.PublishInstruction(ctx, &models.InstructionEventData{
		SessionID:   s.ID(),
		Instruction: instruction,
		DeviceIDs:   deviceIDs,
		Success:     success,
		Timestamp:   h.now().UTC(),
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("instruction", instruction).Msg("Failed to publish instruction event")
	}
}
