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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	var cfg SimulationConfig

	err := json.Unmarshal([]byte(`{"instruction_latency":"250ms","restart_delay":2000000000}`), &cfg)
	require.NoError(t, err)

	assert.Equal(t, Duration(250*time.Millisecond), cfg.InstructionLatency)
	assert.Equal(t, Duration(2*time.Second), cfg.RestartDelay)

	err = json.Unmarshal([]byte(`{"instruction_latency":true}`), &cfg)
	require.Error(t, err)
}

func TestHubConfigValidateAppliesDefaults(t *testing.T) {
	cfg := HubConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, Duration(time.Second), cfg.Hub.InstructionLatency)
	assert.Equal(t, Duration(3*time.Second), cfg.Hub.RestartDelay)
	assert.Equal(t, Duration(1500*time.Millisecond), cfg.Hub.CustomInstructionLatency)
	assert.InDelta(t, 0.8, *cfg.Hub.CustomSuccessRate, 0.0001)
	assert.Equal(t, Duration(5*time.Second), cfg.Hub.DriftInterval)
	assert.Equal(t, Duration(8*time.Second), cfg.Hub.UploadInterval)
	assert.InDelta(t, 0.3, *cfg.Hub.UploadProbability, 0.0001)
	assert.Equal(t, Duration(0), cfg.Hub.IdleTimeout)
	assert.Equal(t, 6, cfg.Discovery.DeviceCount)
}

func TestHubConfigValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  HubConfig
	}{
		{name: "success rate above one", cfg: HubConfig{Hub: SimulationConfig{CustomSuccessRate: Probability(1.5)}}},
		{name: "upload probability above one", cfg: HubConfig{Hub: SimulationConfig{UploadProbability: Probability(2)}}},
		{name: "negative success rate", cfg: HubConfig{Hub: SimulationConfig{CustomSuccessRate: Probability(-0.1)}}},
		{name: "negative send buffer", cfg: HubConfig{Hub: SimulationConfig{SendBuffer: -1}}},
		{name: "negative device count", cfg: HubConfig{Discovery: DiscoveryConfig{DeviceCount: -3}}},
		{name: "events without nats", cfg: HubConfig{Events: &EventsConfig{Enabled: true}}},
		{name: "events with empty nats url", cfg: HubConfig{Events: &EventsConfig{Enabled: true}, NATS: &NATSConfig{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEventsConfigDefaults(t *testing.T) {
	cfg := HubConfig{
		Events: &EventsConfig{Enabled: true},
		NATS:   &NATSConfig{URL: "nats://127.0.0.1:4222"},
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "devicehub-events", cfg.Events.StreamName)
	assert.Equal(t, []string{"events.device.*"}, cfg.Events.Subjects)
}

func TestHubConfigKeepsExplicitZeroProbabilities(t *testing.T) {
	var cfg HubConfig

	require.NoError(t, json.Unmarshal([]byte(`{"hub":{"custom_success_rate":0,"upload_probability":0}}`), &cfg))
	require.NoError(t, cfg.Validate())

	require.NotNil(t, cfg.Hub.CustomSuccessRate)
	require.NotNil(t, cfg.Hub.UploadProbability)
	assert.Zero(t, *cfg.Hub.CustomSuccessRate)
	assert.Zero(t, *cfg.Hub.UploadProbability)
}
