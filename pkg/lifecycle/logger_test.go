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

package lifecycle

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicehub/pkg/logger"
)

func TestCreateComponentLogger(t *testing.T) {
	log, err := CreateComponentLogger("hub", &logger.Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)

	impl, ok := log.(*LoggerImpl)
	require.True(t, ok)
	assert.Equal(t, zerolog.WarnLevel, impl.logger.GetLevel())

	log.SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, impl.logger.GetLevel())
}

func TestCreateLoggerRejectsInvalidLevel(t *testing.T) {
	_, err := CreateLogger(&logger.Config{Level: "loud"})
	require.Error(t, err)
}

func TestCreateLoggerDefaults(t *testing.T) {
	log, err := CreateLogger(nil)
	require.NoError(t, err)
	require.NotNil(t, log)
}
