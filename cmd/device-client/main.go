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

// Command device-client drives the devicehub connection workflow from a terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carverauto/devicehub/pkg/connection"
	"github.com/carverauto/devicehub/pkg/lifecycle"
	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
)

var (
	errNoDevices       = errors.New("no devices available")
	errNetworkCheck    = errors.New("network check failed")
	errConnectFailed   = errors.New("connection failed")
	errRetriesExceeded = errors.New("giving up after maximum connection attempts")
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	var (
		server       = flag.String("server", "http://localhost:8090", "devicehub base URL")
		deviceList   = flag.String("devices", "", "Comma separated device ids to bind (default: every discovered device)")
		instructions = flag.String("instructions", "status,power_off,power_on,restart", "Comma separated instructions to send")
		interval     = flag.Duration("interval", 2*time.Second, "Delay between instructions")
		watch        = flag.Duration("watch", 10*time.Second, "How long to keep monitoring after the last instruction")
		timeout      = flag.Duration("connect-timeout", 10*time.Second, "Socket connect timeout")
		debug        = flag.Bool("debug", false, "Enable debug logging")
	)

	flag.Parse()

	logConfig := logger.DefaultConfig()
	logConfig.Debug = *debug

	clientLogger, err := lifecycle.CreateComponentLogger("device-client", logConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := connection.NewManager(*server,
		connection.WithLogger(clientLogger),
		connection.WithConnectTimeout(*timeout),
		connection.WithUploadHandler(printUpload),
	)
	if err != nil {
		return err
	}

	defer manager.CloseConnection()

	lastState := connection.StateIdle

	manager.Subscribe(func(snap connection.Snapshot) {
		if snap.State != lastState {
			fmt.Printf("state: %s -> %s\n", lastState, snap.State)
			lastState = snap.State
		}
	})

	if !manager.DetectWiFiConnection(ctx) {
		return errNetworkCheck
	}

	devices := manager.SearchAvailableDevices(ctx)
	if len(devices) == 0 {
		return errNoDevices
	}

	for _, d := range devices {
		fmt.Printf("found %-12s %-24s %-12s %-15s %s\n", d.ID, d.Name, d.Type, d.IPAddress, d.Status)
	}

	for _, id := range selection(*deviceList, devices) {
		if !manager.SelectDevice(id) {
			clientLogger.Warn().Str("device_id", id).Msg("Unknown device, skipping")
		}
	}

	if err := connect(ctx, manager); err != nil {
		return err
	}

	manager.StartMonitoring()

	for _, instruction := range splitList(*instructions) {
		if !manager.SendControlInstruction(instruction, nil) {
			return fmt.Errorf("%w: could not send %s", errConnectFailed, instruction)
		}

		if !sleep(ctx, *interval) {
			return nil
		}
	}

	sleep(ctx, *watch)

	printSummary(manager.State())

	return nil
}

// connect retries manually up to the automatic retry ceiling.
func connect(ctx context.Context, manager *connection.Manager) error {
	for {
		if manager.EstablishConnection(ctx) {
			return nil
		}

		snap := manager.State()
		if len(snap.SelectedDevices) == 0 {
			return errNoDevices
		}

		if snap.ConnectionAttempts >= connection.MaxAutoRetries {
			return errRetriesExceeded
		}

		if !sleep(ctx, time.Duration(snap.ConnectionAttempts)*time.Second) {
			return ctx.Err()
		}
	}
}

func selection(raw string, devices []models.Device) []string {
	if ids := splitList(raw); len(ids) > 0 {
		return ids
	}

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}

	return ids
}

func splitList(raw string) []string {
	var out []string

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func printUpload(sample models.SensorSample) {
	data, _ := json.MarshalIndent(sample, "", "  ")
	fmt.Printf("\n=== Upload from %s ===\n%s\n", sample.DeviceID, string(data))
}

func printSummary(snap connection.Snapshot) {
	fmt.Printf("\nfinal state: %s, attempts: %d, uploads: %d\n",
		snap.State, snap.ConnectionAttempts, len(snap.Data.UploadedData))

	for id, t := range snap.Data.DeviceStatus {
		fmt.Printf("  %-12s %-8s cpu=%5.1f%% mem=%5.1f%% temp=%5.1fC\n",
			id, t.Status, t.CPUPercent, t.MemoryPercent, t.TemperatureC)
	}

	for _, e := range snap.Data.Exceptions {
		fmt.Fprintf(os.Stderr, "  exception: %s\n", e)
	}
}
