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

package models

import "time"

// DeviceStatus is the availability of a device as reported by telemetry or discovery.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusBusy    DeviceStatus = "busy"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// Device is a discoverable device as returned by the scan endpoint.
type Device struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	IPAddress  string       `json:"ipAddress"`
	MACAddress string       `json:"macAddress"`
	Status     DeviceStatus `json:"status"`
}

// DeviceTelemetry is the simulated status record of a single device.
type DeviceTelemetry struct {
	Status         DeviceStatus `json:"status"`
	UptimeSeconds  float64      `json:"uptime"`
	CPUPercent     float64      `json:"cpuUsage"`
	MemoryPercent  float64      `json:"memoryUsage"`
	BatteryPercent *float64     `json:"batteryLevel,omitempty"`
	TemperatureC   float64      `json:"temperature"`
	LastUpdatedAt  time.Time    `json:"lastUpdated"`
}

// Clone returns a copy that shares no pointers with t.
func (t DeviceTelemetry) Clone() DeviceTelemetry {
	if t.BatteryPercent != nil {
		battery := *t.BatteryPercent
		t.BatteryPercent = &battery
	}

	return t
}

// SensorReadings are the fabricated environmental values of an upload.
type SensorReadings struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Light       float64 `json:"light"`
	Motion      bool    `json:"motion"`
}

// SensorMetadata describes the device that produced an upload.
type SensorMetadata struct {
	BatteryLevel    *float64 `json:"batteryLevel,omitempty"`
	SignalStrength  float64  `json:"signalStrength"`
	FirmwareVersion string   `json:"firmwareVersion"`
	DataType        string   `json:"dataType"`
}

// SensorSample is the payload of a data message.
type SensorSample struct {
	DeviceID   string         `json:"deviceId"`
	Timestamp  time.Time      `json:"timestamp"`
	SensorData SensorReadings `json:"sensorData"`
	Metadata   SensorMetadata `json:"metadata"`
}

// SessionInfo is used for API responses.
type SessionInfo struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	DeviceIDs      []string  `json:"device_ids"`
}
