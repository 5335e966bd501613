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

package telemetry

import (
	"sort"
	"sync"

	"github.com/carverauto/devicehub/pkg/models"
)

// Repository stores telemetry keyed by device id. Implementations hand out copies.
type Repository interface {
	Get(deviceID string) (models.DeviceTelemetry, bool)
	Put(deviceID string, t models.DeviceTelemetry)
	// Update applies fn to the stored record under the store lock and returns the result.
	// It reports false, without calling fn, when the device is not tracked.
	Update(deviceID string, fn func(models.DeviceTelemetry) models.DeviceTelemetry) (models.DeviceTelemetry, bool)
	// GetOrCreate returns the stored record, creating it with create when absent.
	GetOrCreate(deviceID string, create func() models.DeviceTelemetry) models.DeviceTelemetry
	// ForEach visits every device in id order until fn returns false.
	ForEach(fn func(deviceID string, t models.DeviceTelemetry) bool)
	Len() int
}

// MemoryStore is a Repository backed by a map. Records are never evicted.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]models.DeviceTelemetry
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]models.DeviceTelemetry)}
}

func (m *MemoryStore) Get(deviceID string) (models.DeviceTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.devices[deviceID]

	return t.Clone(), ok
}

func (m *MemoryStore) Put(deviceID string, t models.DeviceTelemetry) {
	m.mu.Lock()
	m.devices[deviceID] = t.Clone()
	m.mu.Unlock()
}

func (m *MemoryStore) Update(
	deviceID string, fn func(models.DeviceTelemetry) models.DeviceTelemetry) (models.DeviceTelemetry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.devices[deviceID]
	if !ok {
		return models.DeviceTelemetry{}, false
	}

	updated := fn(current.Clone()).Clone()
	m.devices[deviceID] = updated

	return updated.Clone(), true
}

func (m *MemoryStore) GetOrCreate(deviceID string, create func() models.DeviceTelemetry) models.DeviceTelemetry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.devices[deviceID]; ok {
		return t.Clone()
	}

	t := create().Clone()
	m.devices[deviceID] = t

	return t.Clone()
}

func (m *MemoryStore) ForEach(fn func(deviceID string, t models.DeviceTelemetry) bool) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))

	for id := range m.devices {
		ids = append(ids, id)
	}

	snapshot := make(map[string]models.DeviceTelemetry, len(m.devices))
	for _, id := range ids {
		snapshot[id] = m.devices[id].Clone()
	}
	m.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		if !fn(id, snapshot[id]) {
			return
		}
	}
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.devices)
}

// Snapshot returns the tracked records for ids. Untracked ids are omitted.
func Snapshot(repo Repository, ids []string) map[string]models.DeviceTelemetry {
	out := make(map[string]models.DeviceTelemetry, len(ids))

	for _, id := range ids {
		if t, ok := repo.Get(id); ok {
			out[id] = t
		}
	}

	return out
}
