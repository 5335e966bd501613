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

package hub

import (
	"context"
	"time"

	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/session"
)

// RunSimulators drives the telemetry drift and sensor upload timers until ctx is done.
func (h *Hub) RunSimulators(ctx context.Context) {
	drift := time.NewTicker(time.Duration(h.cfg.DriftInterval))
	defer drift.Stop()

	upload := time.NewTicker(time.Duration(h.cfg.UploadInterval))
	defer upload.Stop()

	h.logger.Info().
		Str("drift_interval", time.Duration(h.cfg.DriftInterval).String()).
		Str("upload_interval", time.Duration(h.cfg.UploadInterval).String()).
		Bool("gate_on_sessions", h.cfg.GateOnSessions).
		Msg("Starting telemetry simulators")

	lastDrift := h.now()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("Telemetry simulators stopping")
			return
		case <-drift.C:
			now := h.now()
			h.driftTick(now.Sub(lastDrift))
			lastDrift = now
		case <-upload.C:
			h.uploadTick()
		}
	}
}

func (h *Hub) gated() bool {
	return h.cfg.GateOnSessions && h.sessions.Count() == 0
}

// driftTick perturbs every online device and returns how many were updated.
func (h *Hub) driftTick(elapsed time.Duration) int {
	if h.gated() {
		return 0
	}

	var online []string

	h.store.ForEach(func(id string, t models.DeviceTelemetry) bool {
		if t.Status == models.DeviceStatusOnline {
			online = append(online, id)
		}

		return true
	})

	changed := make(map[string]models.DeviceTelemetry, len(online))

	for _, id := range online {
		drifted := false

		updated, ok := h.store.Update(id, func(t models.DeviceTelemetry) models.DeviceTelemetry {
			// an instruction may have changed the status since the scan
			if t.Status != models.DeviceStatusOnline {
				return t
			}

			drifted = true

			return h.sim.Drift(t, elapsed)
		})
		if ok && drifted {
			changed[id] = updated
		}
	}

	h.fanOutStatus(changed)

	return len(changed)
}

// uploadTick emits synthetic sensor data and returns the number of messages sent.
func (h *Hub) uploadTick() int {
	if h.gated() {
		return 0
	}

	sent := 0

	h.sessions.ForEach(func(s *session.Session) bool {
		ids := s.DeviceIDs()
		if len(ids) == 0 {
			return true
		}

		if h.rnd.Float64() >= *h.cfg.UploadProbability {
			return true
		}

		id := ids[h.rnd.IntN(len(ids))]

		t, ok := h.store.Get(id)
		if !ok || t.Status != models.DeviceStatusOnline {
			return true
		}

		msg, err := models.NewDataMessage(h.sim.SensorSample(id, t), h.now())
		if err != nil {
			h.logger.Error().Err(err).Str("device_id", id).Msg("Failed to build data message")
			return true
		}

		h.send(s, msg)
		sent++

		return true
	})

	return sent
}
