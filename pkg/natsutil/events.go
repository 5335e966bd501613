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

// Package natsutil publishes hub events to NATS JetStream.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
)

const (
	eventSource = "devicehub/hub"

	eventTypeDeviceStatus = "com.carverauto.devicehub.device.status"
	eventTypeInstruction  = "com.carverauto.devicehub.device.instruction"
)

// EventPublisher publishes CloudEvents to a JetStream stream.
type EventPublisher struct {
	js     jetstream.JetStream
	stream string
	logger logger.Logger
}

// NewEventPublisher creates a new EventPublisher for the specified stream.
func NewEventPublisher(js jetstream.JetStream, streamName string, log logger.Logger) *EventPublisher {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &EventPublisher{
		js:     js,
		stream: streamName,
		logger: log,
	}
}

// PublishDeviceStatus publishes a device status transition.
func (p *EventPublisher) PublishDeviceStatus(ctx context.Context, data *models.DeviceStatusEventData) error {
	return p.publish(ctx, models.SubjectDeviceStatus, eventTypeDeviceStatus, data.DeviceID, data.Timestamp, data)
}

// PublishInstruction publishes the outcome of an instruction dispatched for a session.
func (p *EventPublisher) PublishInstruction(ctx context.Context, data *models.InstructionEventData) error {
	return p.publish(ctx, models.SubjectDeviceInstruction, eventTypeInstruction, data.Instruction, data.Timestamp, data)
}

func (p *EventPublisher) publish(
	ctx context.Context, subject, eventType, key string, ts time.Time, data interface{}) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &ts,
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	ack, err := p.js.Publish(ctx, subject, eventBytes)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	p.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("key", key).
		Uint64("seq", ack.Sequence).
		Msg("Published event")

	return nil
}

// ConnectWithEventPublisher connects to NATS and returns a publisher bound to streamName,
// creating the stream when it does not exist.
func ConnectWithEventPublisher(
	ctx context.Context, natsURL, streamName string, subjects []string, log logger.Logger, opts ...nats.Option,
) (*EventPublisher, *nats.Conn, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	opts = append([]nats.Option{
		nats.Name("devicehub"),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}, opts...)

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	publisher, err := CreateEventPublisher(ctx, nc, streamName, subjects, log)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	return publisher, nc, nil
}

// CreateEventPublisher creates an EventPublisher for an existing NATS connection.
func CreateEventPublisher(
	ctx context.Context, nc *nats.Conn, streamName string, subjects []string, log logger.Logger,
) (*EventPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	for _, subject := range []string{models.SubjectDeviceStatus, models.SubjectDeviceInstruction} {
		subjects = ensureSubjectList(subjects, subject)
	}

	stream, err := js.Stream(ctx, streamName)

	switch {
	case err == nil:
		existing := stream.CachedInfo().Config
		merged := append([]string(nil), existing.Subjects...)

		for _, subject := range subjects {
			merged = ensureSubjectList(merged, subject)
		}

		if len(merged) != len(existing.Subjects) {
			existing.Subjects = merged
			if _, err := js.UpdateStream(ctx, existing); err != nil {
				return nil, fmt.Errorf("failed to update stream %s: %w", streamName, err)
			}
		}
	case isStreamMissingErr(err):
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: subjects,
		}); err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}

		if log != nil {
			log.Info().Str("stream", streamName).Strs("subjects", subjects).Msg("Created NATS JetStream stream")
		}
	default:
		return nil, fmt.Errorf("failed to look up stream %s: %w", streamName, err)
	}

	return NewEventPublisher(js, streamName, log), nil
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}

// ensureSubjectList appends subject unless a pattern in subjects already covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, pattern := range subjects {
		if matchesSubject(pattern, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether a NATS subject pattern with * and > wildcards matches subject.
func matchesSubject(pattern, subject string) bool {
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, tok := range pTokens {
		if tok == ">" {
			return len(sTokens) > i
		}

		if i >= len(sTokens) {
			return false
		}

		if tok != "*" && tok != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}
