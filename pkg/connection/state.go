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

// Package connection implements the client side of the device socket: a
// state machine that walks from network detection through discovery and
// selection to a live, monitored connection.
package connection

import (
	"time"

	"github.com/carverauto/devicehub/pkg/models"
)

// State is the tag of the connection state machine.
type State string

const (
	StateIdle             State = "idle"
	StateDetectingWiFi    State = "detecting-wifi"
	StateWiFiFailed       State = "wifi-failed"
	StateSearchingDevices State = "searching-devices"
	StateDeviceSelection  State = "device-selection"
	StateConnecting       State = "connecting"
	StateConnectionFailed State = "connection-failed"
	StateConnected        State = "connected"
	StateMonitoring       State = "monitoring"
	StateDisconnected     State = "disconnected"
	StateException        State = "exception"
	StateClosed           State = "closed"
)

// MaxAutoRetries is the ceiling callers apply to automatic reconnect attempts.
// The manager never retries on its own.
const MaxAutoRetries = 3

// IsLive reports whether the state accepts instructions.
func (s State) IsLive() bool {
	return s == StateConnected || s == StateMonitoring
}

// ConnectionData accumulates everything observed during a connection.
type ConnectionData struct {
	ConnectionTime  *time.Time                        `json:"connectionTime,omitempty"`
	UploadedData    []models.SensorSample             `json:"uploadedData"`
	LastInstruction string                            `json:"lastInstruction,omitempty"`
	DeviceStatus    map[string]models.DeviceTelemetry `json:"deviceStatus"`
	Exceptions      []string                          `json:"exceptions"`
}

func newConnectionData() ConnectionData {
	return ConnectionData{
		UploadedData: []models.SensorSample{},
		DeviceStatus: make(map[string]models.DeviceTelemetry),
		Exceptions:   []string{},
	}
}

func (d ConnectionData) clone() ConnectionData {
	out := ConnectionData{
		LastInstruction: d.LastInstruction,
		UploadedData:    make([]models.SensorSample, len(d.UploadedData)),
		DeviceStatus:    make(map[string]models.DeviceTelemetry, len(d.DeviceStatus)),
		Exceptions:      make([]string, len(d.Exceptions)),
	}

	if d.ConnectionTime != nil {
		t := *d.ConnectionTime
		out.ConnectionTime = &t
	}

	copy(out.UploadedData, d.UploadedData)
	copy(out.Exceptions, d.Exceptions)

	for id, t := range d.DeviceStatus {
		out.DeviceStatus[id] = t.Clone()
	}

	return out
}

// Snapshot is a detached copy of the manager state.
type Snapshot struct {
	State              State           `json:"connectionState"`
	Devices            []models.Device `json:"devices"`
	SelectedDevices    []models.Device `json:"selectedDevices"`
	ConnectionAttempts int             `json:"connectionAttempts"`
	OfflineMode        bool            `json:"offlineMode"`
	ControlActive      bool            `json:"controlActive"`
	Data               ConnectionData  `json:"connectionData"`
}

// SelectedIDs returns the ids of the selected devices in selection order.
func (s Snapshot) SelectedIDs() []string {
	ids := make([]string, 0, len(s.SelectedDevices))
	for _, d := range s.SelectedDevices {
		ids = append(ids, d.ID)
	}

	return ids
}
