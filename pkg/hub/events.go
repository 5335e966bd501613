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

	"github.com/carverauto/devicehub/pkg/models"
)

//go:generate mockgen -destination=mock_publisher.go -package=hub github.com/carverauto/devicehub/pkg/hub EventPublisher

// EventPublisher forwards device status changes and instruction outcomes to an event bus.
type EventPublisher interface {
	PublishDeviceStatus(ctx context.Context, data *models.DeviceStatusEventData) error
	PublishInstruction(ctx context.Context, data *models.InstructionEventData) error
}

type noopPublisher struct{}

func (noopPublisher) PublishDeviceStatus(context.Context, *models.DeviceStatusEventData) error {
	return nil
}

func (noopPublisher) PublishInstruction(context.Context, *models.InstructionEventData) error {
	return nil
}
