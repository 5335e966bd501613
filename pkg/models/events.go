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

import (
	"errors"
	"time"
)

var errNATSURLRequired = errors.New("nats url is required")

// Event subjects published by the hub.
const (
	SubjectDeviceStatus      = "events.device.status"
	SubjectDeviceInstruction = "events.device.instruction"
)

// NATSConfig configures NATS connectivity
type NATSConfig struct {
	URL string `json:"url"`
}

// Validate ensures the NATS configuration is valid
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errNATSURLRequired
	}

	return nil
}

// EventsConfig configures the event publishing system
type EventsConfig struct {
	Enabled    bool     `json:"enabled"`
	StreamName string   `json:"stream_name"`
	Subjects   []string `json:"subjects"`
}

// Validate ensures the events configuration is valid
func (c *EventsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.StreamName == "" {
		c.StreamName = "devicehub-events"
	}

	if len(c.Subjects) == 0 {
		c.Subjects = []string{"events.device.*"}
	}

	return nil
}

// CloudEvent represents a CloudEvents v1.0 envelope.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// DeviceStatusEventData is published whenever an instruction changes a device's status.
type DeviceStatusEventData struct {
	DeviceID       string          `json:"device_id"`
	PreviousStatus DeviceStatus    `json:"previous_status"`
	CurrentStatus  DeviceStatus    `json:"current_status"`
	Telemetry      DeviceTelemetry `json:"telemetry"`
	Timestamp      time.Time       `json:"timestamp"`
}

// InstructionEventData records the outcome of a dispatched instruction.
type InstructionEventData struct {
	SessionID   string    `json:"session_id"`
	Instruction string    `json:"instruction"`
	DeviceIDs   []string  `json:"device_ids"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}
