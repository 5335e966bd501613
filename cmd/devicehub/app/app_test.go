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

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devicehub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": "127.0.0.1:0",
		"logging": {"level": "error", "output": "stderr"},
		"hub": {"drift_interval": "20ms", "upload_interval": "20ms", "idle_timeout": "1m"}
	}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		errCh <- Run(ctx, Options{ConfigPath: path})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsMissingConfig(t *testing.T) {
	err := Run(context.Background(), Options{ConfigPath: filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)
}

func TestRunRejectsEventsWithoutNATS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devicehub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"events": {"enabled": true}}`), 0o600))

	require.Error(t, Run(context.Background(), Options{ConfigPath: path}))
}
