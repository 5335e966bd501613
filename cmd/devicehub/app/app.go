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

// Package app wires the devicehub server together.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/devicehub/pkg/api"
	"github.com/carverauto/devicehub/pkg/config"
	"github.com/carverauto/devicehub/pkg/hub"
	"github.com/carverauto/devicehub/pkg/lifecycle"
	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/natsutil"
)

const (
	serviceName     = "devicehub"
	serviceVersion  = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// Options contains runtime configuration derived from CLI flags.
type Options struct {
	ConfigPath string
}

// Run boots the hub and blocks until ctx is canceled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg models.HubConfig

	if err := config.NewConfig(nil).LoadAndValidate(ctx, opts.ConfigPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = logger.DefaultConfig()
	}

	mainLogger, err := lifecycle.CreateComponentLogger("devicehub-main", cfg.Logging)
	if err != nil {
		return err
	}

	if _, metricsErr := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		OTel:           &cfg.Logging.OTel,
	}); metricsErr != nil && !errors.Is(metricsErr, logger.ErrOTelMetricsDisabled) {
		return metricsErr
	}

	defer func() {
		if shutdownErr := lifecycle.ShutdownLogger(); shutdownErr != nil {
			mainLogger.Error().Err(shutdownErr).Msg("Error shutting down logger")
		}
	}()

	hubOptions := []hub.Option{hub.WithLogger(mainLogger)}

	if cfg.Events != nil && cfg.Events.Enabled {
		publisher, nc, natsErr := natsutil.ConnectWithEventPublisher(
			ctx, cfg.NATS.URL, cfg.Events.StreamName, cfg.Events.Subjects, mainLogger)
		if natsErr != nil {
			return natsErr
		}

		defer nc.Close()

		mainLogger.Info().
			Str("stream", cfg.Events.StreamName).
			Strs("subjects", cfg.Events.Subjects).
			Msg("Publishing device events to NATS")

		hubOptions = append(hubOptions, hub.WithEventPublisher(publisher))
	}

	h := hub.NewHub(cfg.Hub, hubOptions...)
	defer h.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go h.RunSimulators(ctx)

	if reaper := h.NewIdleReaper(); reaper != nil {
		go reaper.Start(ctx)
	}

	apiServer := api.NewAPIServer(cfg.CORS,
		api.WithHub(h),
		api.WithLogger(mainLogger),
		api.WithCatalog(api.NewCatalog(cfg.Discovery.DeviceCount)),
	)

	errCh := make(chan error, 1)

	go func() {
		errCh <- apiServer.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	mainLogger.Info().Msg("Shutting down devicehub")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error().Err(err).Msg("Error shutting down API server")
	}

	return nil
}
