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

// Package telemetry keeps the simulated status record of every device.
package telemetry

import (
	"fmt"
	"time"

	"github.com/carverauto/devicehub/pkg/models"
)

// Source produces the initial telemetry of a device that has never been seen.
// A real deployment can replace the simulator with actual device polling.
type Source interface {
	Sample(deviceID string) models.DeviceTelemetry
}

// Simulation is a Source that can also evolve telemetry over time and fabricate sensor uploads.
type Simulation interface {
	Source
	Drift(t models.DeviceTelemetry, elapsed time.Duration) models.DeviceTelemetry
	SensorSample(deviceID string, t models.DeviceTelemetry) *models.SensorSample
}

const (
	onlineProbability  = 0.8
	batteryProbability = 0.5

	cpuMin, cpuMax       = 10.0, 60.0
	memMin, memMax       = 20.0, 70.0
	batteryMin           = 50.0
	tempMin, tempMax     = 35.0, 50.0
	maxInitialUptimeSecs = 86400.0

	cpuDrift     = 5.0
	memDrift     = 3.0
	tempDrift    = 1.0
	batteryDrain = 0.1

	// temperature never drifts outside a plausible enclosure range
	tempFloor, tempCeiling = -20.0, 120.0

	percentMax = 100.0
)

// Simulator fabricates telemetry from a Random.
type Simulator struct {
	rnd Random
	now func() time.Time
}

var _ Simulation = (*Simulator)(nil)

// NewSimulator creates a simulator drawing from rnd.
func NewSimulator(rnd Random) *Simulator {
	return &Simulator{rnd: rnd, now: time.Now}
}

// Sample draws a fresh record: online with probability 0.8 and random resource gauges.
func (s *Simulator) Sample(_ string) models.DeviceTelemetry {
	status := models.DeviceStatusOffline
	if s.rnd.Float64() < onlineProbability {
		status = models.DeviceStatusOnline
	}

	t := models.DeviceTelemetry{
		Status:        status,
		UptimeSeconds: float64(s.rnd.IntN(int(maxInitialUptimeSecs))),
		CPUPercent:    between(s.rnd, cpuMin, cpuMax),
		MemoryPercent: between(s.rnd, memMin, memMax),
		TemperatureC:  between(s.rnd, tempMin, tempMax),
		LastUpdatedAt: s.now().UTC(),
	}

	if s.rnd.Float64() < batteryProbability {
		battery := between(s.rnd, batteryMin, percentMax)
		t.BatteryPercent = &battery
	}

	return t
}

// Drift perturbs the gauges of t by small bounded deltas and advances uptime by elapsed.
func (s *Simulator) Drift(t models.DeviceTelemetry, elapsed time.Duration) models.DeviceTelemetry {
	t = t.Clone()

	t.CPUPercent = clamp(t.CPUPercent+between(s.rnd, -cpuDrift, cpuDrift), 0, percentMax)
	t.MemoryPercent = clamp(t.MemoryPercent+between(s.rnd, -memDrift, memDrift), 0, percentMax)
	t.TemperatureC = clamp(t.TemperatureC+between(s.rnd, -tempDrift, tempDrift), tempFloor, tempCeiling)

	if t.BatteryPercent != nil {
		*t.BatteryPercent = clamp(*t.BatteryPercent-batteryDrain, 0, percentMax)
	}

	if elapsed > 0 {
		t.UptimeSeconds += elapsed.Seconds()
	}

	t.LastUpdatedAt = s.now().UTC()

	return t
}

// SensorSample fabricates an environmental reading for an upload.
func (s *Simulator) SensorSample(deviceID string, t models.DeviceTelemetry) *models.SensorSample {
	var battery *float64
	if t.BatteryPercent != nil {
		b := *t.BatteryPercent
		battery = &b
	}

	return &models.SensorSample{
		DeviceID:  deviceID,
		Timestamp: s.now().UTC(),
		SensorData: models.SensorReadings{
			Temperature: between(s.rnd, 18, 30),
			Humidity:    between(s.rnd, 30, 70),
			Pressure:    between(s.rnd, 990, 1030),
			Light:       between(s.rnd, 0, 1000),
			Motion:      s.rnd.Float64() < 0.2,
		},
		Metadata: models.SensorMetadata{
			BatteryLevel:    battery,
			SignalStrength:  between(s.rnd, -90, -30),
			FirmwareVersion: fmt.Sprintf("1.%d.%d", s.rnd.IntN(5), s.rnd.IntN(10)),
			DataType:        "sensor_reading",
		},
	}
}
