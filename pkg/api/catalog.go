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

package api

import (
	"fmt"

	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/telemetry"
)

const defaultCatalogSize = 6

type deviceTemplate struct {
	name       string
	deviceType string
}

var deviceTemplates = []deviceTemplate{
	{"Smart Thermostat", "thermostat"},
	{"Security Camera", "camera"},
	{"Environmental Sensor", "sensor"},
	{"Smart Plug", "plug"},
	{"Door Lock", "lock"},
	{"Air Purifier", "purifier"},
	{"Light Controller", "lighting"},
	{"Water Leak Detector", "sensor"},
}

// Catalog is the fixed set of devices the scan endpoint reports.
type Catalog struct {
	devices []models.Device
}

// NewCatalog builds a deterministic catalog of count devices; zero or less uses the default size.
func NewCatalog(count int) *Catalog {
	if count <= 0 {
		count = defaultCatalogSize
	}

	devices := make([]models.Device, 0, count)

	for i := 0; i < count; i++ {
		tmpl := deviceTemplates[i%len(deviceTemplates)]
		seq := i + 1

		name := tmpl.name
		if i >= len(deviceTemplates) {
			name = fmt.Sprintf("%s %d", tmpl.name, i/len(deviceTemplates)+1)
		}

		devices = append(devices, models.Device{
			ID:         fmt.Sprintf("device-%03d", seq),
			Name:       name,
			Type:       tmpl.deviceType,
			IPAddress:  fmt.Sprintf("192.168.1.%d", 100+seq%155),
			MACAddress: fmt.Sprintf("02:42:ac:%02x:%02x:%02x", (seq>>16)&0xff, (seq>>8)&0xff, seq&0xff),
			Status:     models.DeviceStatusUnknown,
		})
	}

	return &Catalog{devices: devices}
}

// Scan returns a copy of the catalog with each status taken from the telemetry
// store. Devices that were never bound report unknown.
func (c *Catalog) Scan(store telemetry.Repository) []models.Device {
	out := make([]models.Device, len(c.devices))
	copy(out, c.devices)

	for i := range out {
		if t, ok := store.Get(out[i].ID); ok {
			out[i].Status = t.Status
		}
	}

	return out
}
