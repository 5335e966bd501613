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

package connection

import (
	"errors"
	"net"

	"github.com/gorilla/websocket"

	"github.com/carverauto/devicehub/pkg/models"
)

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.onReadError(conn, err)
			return
		}

		msg, err := models.ParseServerMessage(raw)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Ignoring malformed server message")
			continue
		}

		m.handleMessage(conn, msg)
	}
}

func (m *Manager) onReadError(conn *websocket.Conn, err error) {
	if !m.owns(conn) {
		return
	}

	reason := err.Error()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason = closeErr.Error()
	} else if errors.Is(err, net.ErrClosed) {
		reason = "socket closed"
	}

	m.disconnect(conn, reason)
}

// owns reports whether conn is still the manager's live socket.
func (m *Manager) owns(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn == conn && m.state != StateClosed
}

func (m *Manager) handleMessage(conn *websocket.Conn, msg *models.Message) {
	if !m.owns(conn) {
		return
	}

	switch msg.Type {
	case models.MessageTypeStatus:
		status, err := msg.StatusData()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Ignoring status message")
			return
		}

		m.mergeStatus(conn, status)

	case models.MessageTypeData:
		sample, err := msg.SensorData()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Ignoring data message")
			return
		}

		m.appendUpload(conn, *sample)

	case models.MessageTypeError:
		m.recordError(conn, msg)

	case models.MessageTypeConnectionSuccess:
		m.logger.Info().
			Str("message", msg.Message).
			Strs("device_ids", msg.ConnectedDevices).
			Msg("Connection acknowledged")

	case models.MessageTypeInstructionResponse:
		m.logger.Info().
			Str("instruction", msg.Instruction).
			Bool("success", msg.Succeeded()).
			Msg("Instruction response")

	default:
		m.logger.Debug().Str("type", msg.Type).Msg("Unhandled server message")
	}
}

// mergeStatus overwrites matching device entries and keeps the rest.
func (m *Manager) mergeStatus(conn *websocket.Conn, status map[string]models.DeviceTelemetry) {
	m.update(func() {
		if m.conn != conn {
			return
		}

		for id, t := range status {
			m.data.DeviceStatus[id] = t.Clone()
		}
	})
}

func (m *Manager) appendUpload(conn *websocket.Conn, sample models.SensorSample) {
	accepted := false

	m.update(func() {
		if m.conn != conn {
			return
		}

		accepted = true
		m.data.UploadedData = append(m.data.UploadedData, sample)
	})

	if accepted && m.onUpload != nil {
		m.onUpload(sample)
	}
}

func (m *Manager) recordError(conn *websocket.Conn, msg *models.Message) {
	accepted := false

	m.update(func() {
		if m.conn != conn {
			return
		}

		accepted = true
		m.data.Exceptions = append(m.data.Exceptions, msg.Error)
	})

	if !accepted {
		return
	}

	m.logger.Warn().Str("error", msg.Error).Bool("critical", msg.IsCritical()).Msg("Server reported an error")

	if msg.IsCritical() {
		m.disconnect(conn, msg.Error)
	}
}
