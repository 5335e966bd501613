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
	"sort"
	"sync"
)

// Repository stores live sessions keyed by id.
type Repository interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Delete(id string) bool
	// ForEach visits a snapshot of the sessions until fn returns false.
	ForEach(fn func(*Session) bool)
	Count() int
}

// MemoryRepository is a Repository backed by a map. Entries live until deleted.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
	}
}

func (r *MemoryRepository) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]

	return s, ok
}

func (r *MemoryRepository) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Delete removes the session and reports whether it was present.
func (r *MemoryRepository) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}

	delete(r.sessions, id)

	return true
}

func (r *MemoryRepository) ForEach(fn func(*Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))

	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	// stable order keeps fan-out and API listings deterministic
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].connectedAt.Before(snapshot[j].connectedAt) ||
			(snapshot[i].connectedAt.Equal(snapshot[j].connectedAt) && snapshot[i].id < snapshot[j].id)
	})

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

func (r *MemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// BoundTo returns the sessions that currently have deviceID bound.
func BoundTo(repo Repository, deviceID string) []*Session {
	var out []*Session

	repo.ForEach(func(s *Session) bool {
		if s.IsBound(deviceID) {
			out = append(out, s)
		}

		return true
	})

	return out
}
