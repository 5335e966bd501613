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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicehub/pkg/models"
)

func TestDriftTouchesOnlyOnlineDevices(t *testing.T) {
	h := newTestHub(t, testConfig())

	offline := onlineTelemetry()
	offline.Status = models.DeviceStatusOffline
	busy := onlineTelemetry()
	busy.Status = models.DeviceStatusBusy

	h.Telemetry().Put("on", onlineTelemetry())
	h.Telemetry().Put("off", offline)
	h.Telemetry().Put("busy", busy)

	rec := newRecorder()
	s := h.Register(rec)
	connect(t, h, s, "on", "off")
	rec.until(t, models.MessageTypeConnectionSuccess)

	assert.Equal(t, 1, h.driftTick(5*time.Second))

	data, err := rec.next(t).StatusData()
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Contains(t, data, "on")
	assert.InDelta(t, 5, data["on"].UptimeSeconds, 0.0001)

	stillOff, _ := h.Telemetry().Get("off")
	assert.Equal(t, offline.CPUPercent, stillOff.CPUPercent)
	assert.Equal(t, offline.LastUpdatedAt, stillOff.LastUpdatedAt)

	stillBusy, _ := h.Telemetry().Get("busy")
	assert.Equal(t, busy.CPUPercent, stillBusy.CPUPercent)
}

func TestDriftRunsWithoutSessionsUnlessGated(t *testing.T) {
	h := newTestHub(t, testConfig())
	h.Telemetry().Put("d1", onlineTelemetry())
	assert.Equal(t, 1, h.driftTick(time.Second))

	cfg := testConfig()
	cfg.GateOnSessions = true

	gated := newTestHub(t, cfg)
	gated.Telemetry().Put("d1", onlineTelemetry())
	assert.Equal(t, 0, gated.driftTick(time.Second))
	assert.Equal(t, 0, gated.uploadTick())
}

func TestUploadOnlyForOnlineBoundDevices(t *testing.T) {
	cfg := testConfig()
	cfg.UploadProbability = models.Probability(1)

	h := newTestHub(t, cfg)

	offline := onlineTelemetry()
	offline.Status = models.DeviceStatusOffline

	h.Telemetry().Put("on", onlineTelemetry())
	h.Telemetry().Put("off", offline)

	recOn, recOff, recIdle := newRecorder(), newRecorder(), newRecorder()
	sOn, sOff := h.Register(recOn), h.Register(recOff)
	h.Register(recIdle)

	connect(t, h, sOn, "on")
	connect(t, h, sOff, "off")
	recOn.until(t, models.MessageTypeConnectionSuccess)
	recOff.until(t, models.MessageTypeConnectionSuccess)

	assert.Equal(t, 1, h.uploadTick())

	msg := recOn.next(t)
	require.Equal(t, models.MessageTypeData, msg.Type)

	sample, err := msg.SensorData()
	require.NoError(t, err)
	assert.Equal(t, "on", sample.DeviceID)

	recOff.assertQuiet(t, 10*time.Millisecond)
	recIdle.assertQuiet(t, 10*time.Millisecond)
}

func TestZeroUploadProbabilityDisablesUploads(t *testing.T) {
	cfg := testConfig()
	cfg.UploadProbability = models.Probability(0)

	h := newTestHub(t, cfg)
	h.Telemetry().Put("on", onlineTelemetry())

	rec := newRecorder()
	s := h.Register(rec)
	connect(t, h, s, "on")
	rec.until(t, models.MessageTypeConnectionSuccess)

	for range 50 {
		assert.Equal(t, 0, h.uploadTick())
	}

	rec.assertQuiet(t, 10*time.Millisecond)
}

func TestRunSimulatorsStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.DriftInterval = models.Duration(5 * time.Millisecond)
	cfg.UploadInterval = models.Duration(5 * time.Millisecond)
	cfg.UploadProbability = models.Probability(1)

	h := newTestHub(t, cfg)
	h.Telemetry().Put("d1", onlineTelemetry())

	rec := newRecorder()
	s := h.Register(rec)
	connect(t, h, s, "d1")
	rec.until(t, models.MessageTypeConnectionSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		h.RunSimulators(ctx)
		close(done)
	}()

	rec.until(t, models.MessageTypeData)
	rec.until(t, models.MessageTypeStatus)

	cancel()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("simulators did not stop")
	}
}
