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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/devicehub/pkg/models"
)

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"

	customInstructionLabel = "custom"
)

type hubMetricsState struct {
	once         sync.Once
	sessions     metric.Int64UpDownCounter
	messages     metric.Int64Counter
	instructions metric.Int64Counter
}

var hubMetrics hubMetricsState

func initHubMetrics() {
	hubMetrics.once.Do(func() {
		meter := otel.Meter("devicehub.hub")

		sessions, err := meter.Int64UpDownCounter(
			"devicehub_sessions_active",
			metric.WithDescription("Device sockets currently registered with the hub"),
		)
		if err == nil {
			hubMetrics.sessions = sessions
		}

		messages, err := meter.Int64Counter(
			"devicehub_messages_total",
			metric.WithDescription("Socket messages handled by the hub by direction and type"),
		)
		if err == nil {
			hubMetrics.messages = messages
		}

		instructions, err := meter.Int64Counter(
			"devicehub_instructions_total",
			metric.WithDescription("Instruction outcomes reported to clients"),
		)
		if err == nil {
			hubMetrics.instructions = instructions
		}
	})
}

func recordSessionDelta(ctx context.Context, delta int64) {
	initHubMetrics()

	if hubMetrics.sessions == nil {
		return
	}

	hubMetrics.sessions.Add(ctx, delta)
}

func recordMessage(ctx context.Context, direction, msgType string) {
	initHubMetrics()

	if hubMetrics.messages == nil {
		return
	}

	hubMetrics.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", msgType),
	))
}

func recordInstruction(ctx context.Context, instruction, outcome string) {
	initHubMetrics()

	if hubMetrics.instructions == nil {
		return
	}

	// custom instruction names are client controlled
	switch instruction {
	case models.InstructionPowerOn, models.InstructionPowerOff, models.InstructionRestart, models.InstructionStatus:
	default:
		instruction = customInstructionLabel
	}

	hubMetrics.instructions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instruction", instruction),
		attribute.String("outcome", outcome),
	))
}
