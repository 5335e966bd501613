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
	"fmt"
	"time"

	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/session"
)

const (
	errNoDevicesConnected = "No devices connected"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// HandleMessage interprets one raw frame received on the session's socket.
func (h *Hub) HandleMessage(ctx context.Context, s *session.Session, raw []byte) {
	s.Touch()

	msg, err := models.ParseClientMessage(raw)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("session_id", s.ID()).
			Msg("Rejected malformed message")

		recordMessage(ctx, directionInbound, "malformed")
		h.sendError(s, invalidMessageText(err), false)

		return
	}

	recordMessage(ctx, directionInbound, msg.Type)

	switch msg.Type {
	case models.MessageTypeConnect:
		h.handleConnect(s, msg)
	case models.MessageTypeInstruction:
		h.handleInstruction(s, msg)
	case models.MessageTypeStatusRequest:
		h.sendSnapshot(s)
	default:
		h.logger.Warn().
			Str("session_id", s.ID()).
			Str("type", msg.Type).
			Msg("Ignoring unknown message type")
	}
}

func invalidMessageText(err error) string {
	return fmt.Sprintf("Invalid message format: %v", err)
}

func (h *Hub) handleConnect(s *session.Session, msg *models.Message) {
	ids, err := msg.ConnectDeviceIDs()
	if err != nil {
		h.sendError(s, invalidMessageText(err), false)
		return
	}

	bound := s.Bind(ids)

	for _, id := range bound {
		h.store.GetOrCreate(id, func() models.DeviceTelemetry {
			h.logger.Debug().Str("device_id", id).Msg("Tracking new device")

			return h.sim.Sample(id)
		})
	}

	h.logger.Info().
		Str("session_id", s.ID()).
		Strs("device_ids", bound).
		Msg("Session bound to devices")

	h.sendSnapshot(s)
	h.send(s, models.NewConnectionSuccessMessage(bound, h.now()))
}

func (h *Hub) handleInstruction(s *session.Session, msg *models.Message) {
	ids := s.DeviceIDs()
	if len(ids) == 0 {
		h.sendError(s, errNoDevicesConnected, false)
		return
	}

	h.logger.Info().
		Str("session_id", s.ID()).
		Str("instruction", msg.Instruction).
		Strs("device_ids", ids).
		Msg("Dispatching instruction")

	switch msg.Instruction {
	case models.InstructionPowerOn:
		h.schedulePower(s, msg.Instruction, ids, models.DeviceStatusOnline)
	case models.InstructionPowerOff:
		h.schedulePower(s, msg.Instruction, ids, models.DeviceStatusOffline)
	case models.InstructionRestart:
		h.scheduleRestart(s, ids)
	case models.InstructionStatus:
		h.sendSnapshot(s)
		h.respond(s, msg.Instruction, ids, true)
	default:
		h.scheduleCustom(s, msg.Instruction, ids)
	}
}

// respond sends the instruction outcome and records it.
func (h *Hub) respond(s *session.Session, instruction string, ids []string, success bool) {
	h.send(s, models.NewInstructionResponseMessage(instruction, success, h.now()))

	outcome := outcomeSuccess
	if !success {
		outcome = outcomeFailure
	}

	recordInstruction(context.Background(), instruction, outcome)
	h.publishInstruction(s, instruction, ids, success)
}

// setStatus moves every device in ids to status and fans the result out to all
// sessions viewing those devices.
func (h *Hub) setStatus(ids []string, status models.DeviceStatus) {
	changed := make(map[string]models.DeviceTelemetry, len(ids))
	now := h.now().UTC()

	for _, id := range ids {
		var previous models.DeviceStatus

		h.store.GetOrCreate(id, func() models.DeviceTelemetry { return h.sim.Sample(id) })

		updated, ok := h.store.Update(id, func(t models.DeviceTelemetry) models.DeviceTelemetry {
			previous = t.Status
			t.Status = status
			t.LastUpdatedAt = now

			return t
		})
		if !ok {
			continue
		}

		changed[id] = updated

		if previous != status {
			h.publishStatusChange(id, previous, updated)
		}
	}

	h.fanOutStatus(changed)
}

func (h *Hub) schedulePower(s *session.Session, instruction string, ids []string, status models.DeviceStatus) {
	h.schedule(time.Duration(h.cfg.InstructionLatency), func() {
		if !h.alive(s) {
			return
		}

		h.setStatus(ids, status)
		h.respond(s, instruction, ids, true)
	})
}

func (h *Hub) scheduleRestart(s *session.Session, ids []string) {
	h.schedule(time.Duration(h.cfg.InstructionLatency), func() {
		if !h.alive(s) {
			return
		}

		h.setStatus(ids, models.DeviceStatusOffline)
		h.respond(s, models.InstructionRestart, ids, true)

		h.schedule(time.Duration(h.cfg.RestartDelay), func() {
			if !h.alive(s) {
				return
			}

			h.setStatus(ids, models.DeviceStatusOnline)
		})
	})
}

func (h *Hub) scheduleCustom(s *session.Session, instruction string, ids []string) {
	h.schedule(time.Duration(h.cfg.CustomInstructionLatency), func() {
		if !h.alive(s) {
			return
		}

		success := h.rnd.Float64() < *h.cfg.CustomSuccessRate

		h.respond(s, instruction, ids, success)

		if !success {
			h.logger.Warn().
				Str("session_id", s.ID()).
				Str("instruction", instruction).
				Msg("Custom instruction failed")

			h.sendError(s, fmt.Sprintf("Instruction '%s' failed to execute", instruction), false)
		}
	})
}
