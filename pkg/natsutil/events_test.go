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

package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
)

var errTestFixture = errors.New("fixture")

func TestEnsureSubjectList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		subjects []string
		subject  string
		want     []string
	}{
		{"adds subject when list empty", nil, "events.device.status", []string{"events.device.status"}},
		{"keeps list when wildcard matches", []string{"events.device.*"}, "events.device.status", []string{"events.device.*"}},
		{"keeps list when greater wildcard matches", []string{"events.>"}, "events.device.status", []string{"events.>"}},
		{
			"appends when unmatched", []string{"logs.syslog.*"}, "events.device.status",
			[]string{"logs.syslog.*", "events.device.status"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, ensureSubjectList(append([]string(nil), tc.subjects...), tc.subject))
		})
	}
}

func TestMatchesSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pattern  string
		subject  string
		expected bool
	}{
		{"exact match", "events.device.status", "events.device.status", true},
		{"single wildcard", "events.*.status", "events.device.status", true},
		{"greater wildcard", "events.>", "events.device.status", true},
		{"greater wildcard needs a token", "events.device.>", "events.device", false},
		{"no match length", "events.*", "events.device.status", false},
		{"no match tokens", "logs.syslog.*", "events.device.status", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, matchesSubject(tc.pattern, tc.subject))
		})
	}
}

func TestIsStreamMissingErr(t *testing.T) {
	t.Parallel()

	assert.True(t, isStreamMissingErr(jetstream.ErrStreamNotFound))
	assert.True(t, isStreamMissingErr(nats.ErrNoResponders))
	assert.False(t, isStreamMissingErr(errTestFixture))
}

func TestPublishDeviceEventsToJetStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)

	publisher, nc, err := ConnectWithEventPublisher(ctx, srv.ClientURL(), "devicehub-events",
		[]string{"events.device.*"}, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, publisher.PublishDeviceStatus(ctx, &models.DeviceStatusEventData{
		DeviceID:       "d1",
		PreviousStatus: models.DeviceStatusOnline,
		CurrentStatus:  models.DeviceStatusOffline,
		Telemetry:      models.DeviceTelemetry{Status: models.DeviceStatusOffline, LastUpdatedAt: now},
		Timestamp:      now,
	}))

	require.NoError(t, publisher.PublishInstruction(ctx, &models.InstructionEventData{
		SessionID:   "s1",
		Instruction: models.InstructionPowerOff,
		DeviceIDs:   []string{"d1"},
		Success:     true,
		Timestamp:   now,
	}))

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "devicehub-events")
	require.NoError(t, err)

	raw, err := stream.GetLastMsgForSubject(ctx, models.SubjectDeviceStatus)
	require.NoError(t, err)

	var event struct {
		models.CloudEvent
		Data models.DeviceStatusEventData `json:"data"`
	}

	require.NoError(t, json.Unmarshal(raw.Data, &event))
	assert.Equal(t, "1.0", event.SpecVersion)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, eventTypeDeviceStatus, event.Type)
	assert.Equal(t, "d1", event.Data.DeviceID)
	assert.Equal(t, models.DeviceStatusOffline, event.Data.CurrentStatus)

	_, err = stream.GetLastMsgForSubject(ctx, models.SubjectDeviceInstruction)
	require.NoError(t, err)
}

func TestCreateEventPublisherExtendsExistingStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{Name: "shared", Subjects: []string{"logs.>"}})
	require.NoError(t, err)

	_, err = CreateEventPublisher(ctx, nc, "shared", nil, logger.NewTestLogger())
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "shared")
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"logs.>", models.SubjectDeviceStatus, models.SubjectDeviceInstruction},
		info.Config.Subjects)
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}
