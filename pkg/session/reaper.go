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

package session

import (
	"context"
	"time"

	"github.com/carverauto/devicehub/pkg/logger"
)

// EvictFunc removes an idle session and releases its transport.
type EvictFunc func(s *Session)

// IdleReaper closes sessions whose socket has been silent for longer than the idle timeout.
// Sessions otherwise live until their socket closes.
type IdleReaper struct {
	repo        Repository
	logger      logger.Logger
	interval    time.Duration
	idleTimeout time.Duration
	evict       EvictFunc
	now         func() time.Time
}

// NewIdleReaper creates a reaper. A nil evict deletes the session from repo and closes its transport.
func NewIdleReaper(repo Repository, log logger.Logger, interval, idleTimeout time.Duration, evict EvictFunc) *IdleReaper {
	r := &IdleReaper{
		repo:        repo,
		logger:      log,
		interval:    interval,
		idleTimeout: idleTimeout,
		evict:       evict,
		now:         time.Now,
	}

	if r.evict == nil {
		r.evict = func(s *Session) {
			repo.Delete(s.ID())
			_ = s.Close()
		}
	}

	return r
}

// Start runs the reaper loop until ctx is canceled.
func (r *IdleReaper) Start(ctx context.Context) {
	r.logger.Info().
		Str("interval", r.interval.String()).
		Str("idle_timeout", r.idleTimeout.String()).
		Msg("Starting idle session reaper")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Idle session reaper stopping")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// reap executes a single sweep and returns the number of evicted sessions.
func (r *IdleReaper) reap(ctx context.Context) int {
	cutoff := r.now().Add(-r.idleTimeout)

	var idle []*Session

	r.repo.ForEach(func(s *Session) bool {
		if ctx.Err() != nil {
			return false
		}

		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}

		return true
	})

	for _, s := range idle {
		r.logger.Info().
			Str("session_id", s.ID()).
			Str("remote_addr", s.RemoteAddr()).
			Time("last_activity", s.LastActivity()).
			Msg("Reaping idle session")

		r.evict(s)
	}

	return len(idle)
}
