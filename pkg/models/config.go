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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/devicehub/pkg/logger"
)

var (
	errInvalidDuration          = errors.New("invalid duration")
	errInvalidSuccessRate       = errors.New("hub.custom_success_rate must be within [0, 1]")
	errInvalidUploadProbability = errors.New("hub.upload_probability must be within [0, 1]")
	errInvalidSendBuffer        = errors.New("hub.send_buffer must not be negative")
	errInvalidDeviceCount       = errors.New("discovery.device_count must not be negative")
)

const (
	defaultListenAddr               = ":8090"
	defaultInstructionLatency       = time.Second
	defaultRestartDelay             = 3 * time.Second
	defaultCustomInstructionLatency = 1500 * time.Millisecond
	defaultCustomSuccessRate        = 0.8
	defaultDriftInterval            = 5 * time.Second
	defaultUploadInterval           = 8 * time.Second
	defaultUploadProbability        = 0.3
	defaultReapInterval             = 30 * time.Second
	defaultSendBuffer               = 256
	defaultDeviceCount              = 6
)

// Duration is a time.Duration that unmarshals from either a Go duration string or nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// CORSConfig represents CORS configuration for the HTTP and WebSocket endpoints.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
}

// SimulationConfig tunes the hub's simulated latencies, probabilities and timers.
// Zero durations and counts fall back to the defaults documented on each field.
// The two probabilities are pointers so an explicit 0 is kept; only a missing value defaults.
type SimulationConfig struct {
	InstructionLatency       Duration `json:"instruction_latency"`        // 1s
	RestartDelay             Duration `json:"restart_delay"`              // 3s
	CustomInstructionLatency Duration `json:"custom_instruction_latency"` // 1.5s
	CustomSuccessRate        *float64 `json:"custom_success_rate"`        // 0.8
	DriftInterval            Duration `json:"drift_interval"`             // 5s
	UploadInterval           Duration `json:"upload_interval"`            // 8s
	UploadProbability        *float64 `json:"upload_probability"`         // 0.3
	GateOnSessions           bool     `json:"gate_on_sessions"`
	IdleTimeout              Duration `json:"idle_timeout"`  // 0 disables the session reaper
	ReapInterval             Duration `json:"reap_interval"` // 30s
	SendBuffer               int      `json:"send_buffer"`   // 256
	Seed                     int64    `json:"seed"`          // 0 seeds from the clock
}

// WithDefaults returns a copy with every unset field replaced by its default.
func (c SimulationConfig) WithDefaults() SimulationConfig {
	if c.InstructionLatency <= 0 {
		c.InstructionLatency = Duration(defaultInstructionLatency)
	}

	if c.RestartDelay <= 0 {
		c.RestartDelay = Duration(defaultRestartDelay)
	}

	if c.CustomInstructionLatency <= 0 {
		c.CustomInstructionLatency = Duration(defaultCustomInstructionLatency)
	}

	if c.CustomSuccessRate == nil {
		c.CustomSuccessRate = Probability(defaultCustomSuccessRate)
	}

	if c.DriftInterval <= 0 {
		c.DriftInterval = Duration(defaultDriftInterval)
	}

	if c.UploadInterval <= 0 {
		c.UploadInterval = Duration(defaultUploadInterval)
	}

	if c.UploadProbability == nil {
		c.UploadProbability = Probability(defaultUploadProbability)
	}

	if c.ReapInterval <= 0 {
		c.ReapInterval = Duration(defaultReapInterval)
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}

	return c
}

// Validate rejects out-of-range values.
func (c *SimulationConfig) Validate() error {
	if !inUnitRange(c.CustomSuccessRate) {
		return errInvalidSuccessRate
	}

	if !inUnitRange(c.UploadProbability) {
		return errInvalidUploadProbability
	}

	if c.SendBuffer < 0 {
		return errInvalidSendBuffer
	}

	return nil
}

// Probability returns a pointer to p for the optional probability fields.
func Probability(p float64) *float64 {
	return &p
}

func inUnitRange(p *float64) bool {
	return p == nil || (*p >= 0 && *p <= 1)
}

// DiscoveryConfig controls the simulated device catalog served by the scan endpoint.
type DiscoveryConfig struct {
	DeviceCount int `json:"device_count"`
}

// HubConfig is the configuration of the devicehub server.
type HubConfig struct {
	ListenAddr string           `json:"listen_addr"`
	CORS       CORSConfig       `json:"cors,omitempty"`
	Logging    *logger.Config   `json:"logging,omitempty"`
	Hub        SimulationConfig `json:"hub"`
	Discovery  DiscoveryConfig  `json:"discovery"`
	NATS       *NATSConfig      `json:"nats,omitempty"`
	Events     *EventsConfig    `json:"events,omitempty"`
}

// Validate ensures the configuration is well-formed while applying defaults for optional fields.
func (c *HubConfig) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if err := c.Hub.Validate(); err != nil {
		return err
	}

	c.Hub = c.Hub.WithDefaults()

	if c.Discovery.DeviceCount < 0 {
		return errInvalidDeviceCount
	}

	if c.Discovery.DeviceCount == 0 {
		c.Discovery.DeviceCount = defaultDeviceCount
	}

	if c.Events != nil && c.Events.Enabled {
		if err := c.Events.Validate(); err != nil {
			return err
		}

		if c.NATS == nil {
			return errNATSURLRequired
		}

		if err := c.NATS.Validate(); err != nil {
			return err
		}
	}

	return nil
}
