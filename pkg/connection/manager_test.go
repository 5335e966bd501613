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

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicehub/pkg/api"
	"github.com/carverauto/devicehub/pkg/hub"
	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
	"github.com/carverauto/devicehub/pkg/session"
)

const waitFor = 2 * time.Second

func newHubServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()

	log := logger.NewTestLogger()
	h := hub.NewHub(models.SimulationConfig{
		InstructionLatency:       models.Duration(5 * time.Millisecond),
		RestartDelay:             models.Duration(10 * time.Millisecond),
		CustomInstructionLatency: models.Duration(5 * time.Millisecond),
		Seed:                     1,
	}, hub.WithLogger(log))
	t.Cleanup(h.Close)

	s := api.NewAPIServer(models.CORSConfig{}, api.WithHub(h), api.WithLogger(log), api.WithCatalog(api.NewCatalog(2)))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return h, srv
}

func newTestManager(t *testing.T, serverURL string, opts ...Option) *Manager {
	t.Helper()

	m, err := NewManager(serverURL, opts...)
	require.NoError(t, err)

	t.Cleanup(m.CloseConnection)

	return m
}

// scriptedServer accepts one socket, records the connect ids and writes
// whatever the test pushes.
type scriptedServer struct {
	*httptest.Server
	push      chan *models.Message
	connected chan []string

	mu      sync.Mutex
	devices []models.Device
}

func (s *scriptedServer) setDevices(devices []models.Device) {
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}

func (s *scriptedServer) firstDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.devices[0].ID
}

func newScriptedServer(t *testing.T, devices []models.Device) *scriptedServer {
	t.Helper()

	s := &scriptedServer{
		push:      make(chan *models.Message, 16),
		connected: make(chan []string, 1),
		devices:   devices,
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/network/check", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/devices/scan", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		devices := s.devices
		s.mu.Unlock()

		_ = json.NewEncoder(w).Encode(devices)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := models.ParseClientMessage(raw)
		if err != nil {
			return
		}

		ids, _ := msg.ConnectDeviceIDs()
		s.connected <- ids

		done := make(chan struct{})

		go func() {
			defer close(done)

			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case out := <-s.push:
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

func connectScripted(t *testing.T, s *scriptedServer, opts ...Option) *Manager {
	t.Helper()

	m := newTestManager(t, s.URL, opts...)
	ctx := context.Background()

	require.True(t, m.DetectWiFiConnection(ctx))
	require.NotEmpty(t, m.SearchAvailableDevices(ctx))
	require.True(t, m.SelectDevice(s.firstDeviceID()))
	require.True(t, m.EstablishConnection(ctx))

	select {
	case ids := <-s.connected:
		require.Equal(t, []string{s.firstDeviceID()}, ids)
	case <-time.After(waitFor):
		t.Fatal("server never received connect")
	}

	return m
}

func statusMessage(t *testing.T, id string, status models.DeviceStatus) *models.Message {
	t.Helper()

	msg, err := models.NewStatusMessage(map[string]models.DeviceTelemetry{
		id: {Status: status, CPUPercent: 10, MemoryPercent: 20},
	}, time.Now())
	require.NoError(t, err)

	return msg
}

var testDevices = []models.Device{
	{ID: "d1", Name: "Thermostat", Type: "thermostat", Status: models.DeviceStatusOnline},
	{ID: "d2", Name: "Camera", Type: "camera", Status: models.DeviceStatusUnknown},
	{ID: "d3", Name: "Plug", Type: "plug", Status: models.DeviceStatusOffline},
}

func TestNewManagerRejectsInvalidURL(t *testing.T) {
	_, err := NewManager("ftp://example.com")
	require.ErrorIs(t, err, errUnsupportedScheme)

	_, err = NewManager("http://")
	require.ErrorIs(t, err, errMissingHost)

	m, err := NewManager("https://hub.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.com/base/ws", m.socketURL)
	assert.Equal(t, StateIdle, m.State().State)
}

func TestHappyPath(t *testing.T) {
	h, srv := newHubServer(t)

	connectedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, srv.URL, WithClock(func() time.Time { return connectedAt }))
	ctx := context.Background()

	require.True(t, m.DetectWiFiConnection(ctx))
	assert.Equal(t, StateSearchingDevices, m.State().State)

	devices := m.SearchAvailableDevices(ctx)
	require.Len(t, devices, 2)
	assert.Equal(t, StateDeviceSelection, m.State().State)

	require.True(t, m.SelectDevice("device-001"))
	require.True(t, m.EstablishConnection(ctx))

	snap := m.State()
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, 1, snap.ConnectionAttempts)
	assert.True(t, snap.ControlActive)
	require.NotNil(t, snap.Data.ConnectionTime)
	assert.Equal(t, connectedAt, *snap.Data.ConnectionTime)

	require.Eventually(t, func() bool {
		_, ok := m.State().Data.DeviceStatus["device-001"]
		return ok
	}, waitFor, 5*time.Millisecond)

	require.True(t, m.StartMonitoring())
	assert.Equal(t, StateMonitoring, m.State().State)

	require.True(t, m.SendControlInstruction(models.InstructionPowerOff, nil))
	assert.Equal(t, models.InstructionPowerOff, m.State().Data.LastInstruction)

	require.Eventually(t, func() bool {
		return m.State().Data.DeviceStatus["device-001"].Status == models.DeviceStatusOffline
	}, waitFor, 5*time.Millisecond)

	require.True(t, m.RequestStatus())

	m.CloseConnection()
	assert.Equal(t, StateClosed, m.State().State)
	assert.False(t, m.SendControlInstruction(models.InstructionPowerOn, nil))

	require.Eventually(t, func() bool {
		return h.Sessions().Count() == 0
	}, waitFor, 5*time.Millisecond)
}

func TestDetectWiFiOffline(t *testing.T) {
	var probes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL, WithNetworkStatus(NetworkStatusFunc(func() bool { return false })))

	assert.False(t, m.DetectWiFiConnection(context.Background()))

	snap := m.State()
	assert.Equal(t, StateWiFiFailed, snap.State)
	assert.True(t, snap.OfflineMode)
	assert.Zero(t, probes.Load())
}

func TestDetectWiFiProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	m := newTestManager(t, srv.URL)

	assert.False(t, m.DetectWiFiConnection(context.Background()))
	assert.Equal(t, StateWiFiFailed, m.State().State)

	srv.Close()

	assert.False(t, m.DetectWiFiConnection(context.Background()))
	assert.True(t, m.State().OfflineMode)
}

func TestDetectWiFiClearsOfflineFlag(t *testing.T) {
	online := atomic.Bool{}

	s := newScriptedServer(t, testDevices)
	m := newTestManager(t, s.URL, WithNetworkStatus(NetworkStatusFunc(online.Load)))

	require.False(t, m.DetectWiFiConnection(context.Background()))
	require.True(t, m.State().OfflineMode)

	online.Store(true)

	require.True(t, m.DetectWiFiConnection(context.Background()))
	assert.False(t, m.State().OfflineMode)
}

func TestSearchFailureMovesToException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)

	devices := m.SearchAvailableDevices(context.Background())
	assert.NotNil(t, devices)
	assert.Empty(t, devices)

	snap := m.State()
	assert.Equal(t, StateException, snap.State)
	require.Len(t, snap.Data.Exceptions, 1)
	assert.Contains(t, snap.Data.Exceptions[0], "Device scan failed")
}

func TestSearchEmptyListIsNotAnError(t *testing.T) {
	s := newScriptedServer(t, []models.Device{})
	m := newTestManager(t, s.URL)

	devices := m.SearchAvailableDevices(context.Background())
	assert.Empty(t, devices)

	snap := m.State()
	assert.Equal(t, StateDeviceSelection, snap.State)
	assert.Empty(t, snap.Data.Exceptions)
}

func TestSearchPrunesStaleSelections(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := newTestManager(t, s.URL)
	ctx := context.Background()

	m.SearchAvailableDevices(ctx)
	require.True(t, m.SelectDevice("d1"))
	require.True(t, m.SelectDevice("d3"))

	s.setDevices(testDevices[:2])
	m.SearchAvailableDevices(ctx)

	assert.Equal(t, []string{"d1"}, m.State().SelectedIDs())
}

func TestSelectionStaysConsistent(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := newTestManager(t, s.URL)

	m.SearchAvailableDevices(context.Background())

	assert.False(t, m.SelectDevice("unknown"))
	assert.False(t, m.DeselectDevice("d1"))

	rnd := rand.New(rand.NewPCG(7, 11))
	ids := []string{"d1", "d2", "d3", "missing"}
	want := make(map[string]bool)

	for i := 0; i < 200; i++ {
		id := ids[rnd.IntN(len(ids))]

		if rnd.IntN(2) == 0 {
			ok := m.SelectDevice(id)
			assert.Equal(t, id != "missing", ok)

			if ok {
				want[id] = true
			}
		} else {
			assert.Equal(t, want[id], m.DeselectDevice(id))
			delete(want, id)
		}

		snap := m.State()

		known := make(map[string]bool)
		for _, d := range snap.Devices {
			known[d.ID] = true
		}

		seen := make(map[string]bool)

		for _, d := range snap.SelectedDevices {
			require.True(t, known[d.ID], "selected device %s is not discovered", d.ID)
			require.False(t, seen[d.ID], "duplicate selection %s", d.ID)
			seen[d.ID] = true
		}

		require.Equal(t, want, seen)
	}
}

func TestEstablishWithoutSelection(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := newTestManager(t, s.URL)

	m.SearchAvailableDevices(context.Background())
	before := m.State()

	assert.False(t, m.EstablishConnection(context.Background()))
	assert.Equal(t, before, m.State())
	assert.Zero(t, m.State().ConnectionAttempts)
}

type switchDialer struct {
	fail atomic.Bool
}

func (d *switchDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	if d.fail.Load() {
		return nil, nil, errors.New("dial refused")
	}

	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

func TestReconnectCeilingAndReset(t *testing.T) {
	_, srv := newHubServer(t)

	dialer := &switchDialer{}
	dialer.fail.Store(true)

	m := newTestManager(t, srv.URL, WithDialer(dialer))
	ctx := context.Background()

	m.SearchAvailableDevices(ctx)
	require.True(t, m.SelectDevice("device-002"))

	for i := 0; i < MaxAutoRetries; i++ {
		assert.False(t, m.EstablishConnection(ctx))
		assert.Equal(t, StateConnectionFailed, m.State().State)
	}

	assert.Equal(t, MaxAutoRetries, m.State().ConnectionAttempts)

	m.ResetConnectionState()
	assert.Zero(t, m.State().ConnectionAttempts)

	dialer.fail.Store(false)

	m.SearchAvailableDevices(ctx)
	require.True(t, m.SelectDevice("device-002"))
	require.True(t, m.EstablishConnection(ctx))

	assert.Equal(t, 1, m.State().ConnectionAttempts)
	assert.Equal(t, StateConnected, m.State().State)
}

type slowDialer struct {
	release chan struct{}
	done    chan struct{}
}

func (d *slowDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	defer close(d.done)

	<-d.release

	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

func TestLateOpenAfterTimeoutIsDiscarded(t *testing.T) {
	h, srv := newHubServer(t)

	dialer := &slowDialer{release: make(chan struct{}), done: make(chan struct{})}
	m := newTestManager(t, srv.URL, WithDialer(dialer), WithConnectTimeout(20*time.Millisecond))
	ctx := context.Background()

	m.SearchAvailableDevices(ctx)
	require.True(t, m.SelectDevice("device-001"))

	assert.False(t, m.EstablishConnection(ctx))
	assert.Equal(t, StateConnectionFailed, m.State().State)

	close(dialer.release)
	<-dialer.done

	assert.Never(t, func() bool {
		return m.State().State != StateConnectionFailed
	}, 200*time.Millisecond, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.Sessions().Count() == 0
	}, waitFor, 5*time.Millisecond)

	m.mu.Lock()
	assert.Nil(t, m.conn)
	m.mu.Unlock()
}

func TestStatusMessagesMerge(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := connectScripted(t, s)

	s.push <- statusMessage(t, "X", models.DeviceStatusOnline)
	s.push <- statusMessage(t, "Y", models.DeviceStatusBusy)

	require.Eventually(t, func() bool {
		return len(m.State().Data.DeviceStatus) == 2
	}, waitFor, 5*time.Millisecond)

	s.push <- statusMessage(t, "X", models.DeviceStatusOffline)

	require.Eventually(t, func() bool {
		status := m.State().Data.DeviceStatus
		return status["X"].Status == models.DeviceStatusOffline && status["Y"].Status == models.DeviceStatusBusy
	}, waitFor, 5*time.Millisecond)
}

func TestUploadsAreRecordedAndForwarded(t *testing.T) {
	s := newScriptedServer(t, testDevices)

	var (
		mu       sync.Mutex
		received []models.SensorSample
	)

	m := connectScripted(t, s, WithUploadHandler(func(sample models.SensorSample) {
		mu.Lock()
		received = append(received, sample)
		mu.Unlock()
	}))

	for i := 0; i < 3; i++ {
		msg, err := models.NewDataMessage(&models.SensorSample{DeviceID: "d1", Timestamp: time.Now()}, time.Now())
		require.NoError(t, err)
		s.push <- msg
	}

	require.Eventually(t, func() bool {
		return len(m.State().Data.UploadedData) == 3
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 3)
}

func TestErrorMessages(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := connectScripted(t, s)
	require.True(t, m.StartMonitoring())

	s.push <- models.NewErrorMessage("Instruction 'calibrate' failed to execute", false, time.Now())

	require.Eventually(t, func() bool {
		return len(m.State().Data.Exceptions) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateMonitoring, m.State().State)

	s.push <- models.NewErrorMessage("device firmware crashed", true, time.Now())

	require.Eventually(t, func() bool {
		return m.State().State == StateDisconnected
	}, waitFor, 5*time.Millisecond)

	snap := m.State()
	assert.Contains(t, snap.Data.Exceptions, "device firmware crashed")
	assert.Contains(t, snap.Data.Exceptions, "Disconnected: device firmware crashed")
	assert.False(t, snap.ControlActive)
	assert.False(t, m.SendControlInstruction("status", nil))
}

func TestStrayMessageDoesNotReopenClosed(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := connectScripted(t, s)

	m.CloseConnection()
	require.Equal(t, StateClosed, m.State().State)

	m.handleMessage(nil, models.NewErrorMessage("late", true, time.Now()))

	snap := m.State()
	assert.Equal(t, StateClosed, snap.State)
	assert.NotContains(t, snap.Data.Exceptions, "late")
}

// brokenWriter fails every write once broken is set while reads keep flowing.
type brokenWriter struct {
	net.Conn
	broken *atomic.Bool
}

func (c *brokenWriter) Write(p []byte) (int, error) {
	if c.broken.Load() {
		return 0, errors.New("broken pipe")
	}

	return c.Conn.Write(p)
}

func breakableDialer(broken *atomic.Bool) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			return &brokenWriter{Conn: conn, broken: broken}, nil
		},
	}
}

func TestFailedSendDisconnects(t *testing.T) {
	tests := []struct {
		name   string
		send   func(m *Manager) bool
		reason string
	}{
		{
			name:   "instruction",
			send:   func(m *Manager) bool { return m.SendControlInstruction(models.InstructionRestart, nil) },
			reason: "Disconnected: failed to send instruction: ",
		},
		{
			name:   "status request",
			send:   func(m *Manager) bool { return m.RequestStatus() },
			reason: "Disconnected: failed to request status: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var broken atomic.Bool

			s := newScriptedServer(t, testDevices)
			m := connectScripted(t, s, WithDialer(breakableDialer(&broken)))
			require.True(t, m.StartMonitoring())
			require.True(t, m.SendControlInstruction(models.InstructionPowerOn, nil))

			broken.Store(true)

			assert.False(t, tt.send(m))

			snap := m.State()
			assert.Equal(t, StateDisconnected, snap.State)
			assert.False(t, snap.ControlActive)
			assert.Equal(t, models.InstructionPowerOn, snap.Data.LastInstruction)
			require.Len(t, snap.Data.Exceptions, 1)
			assert.True(t, strings.HasPrefix(snap.Data.Exceptions[0], tt.reason), snap.Data.Exceptions[0])

			m.mu.Lock()
			assert.Nil(t, m.conn)
			m.mu.Unlock()

			assert.Never(t, func() bool {
				return len(m.State().Data.Exceptions) != 1
			}, 50*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestHandleDisconnectionIsIdempotent(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := connectScripted(t, s)

	m.HandleDisconnection("network lost")
	m.HandleDisconnection("network lost")

	snap := m.State()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Equal(t, []string{"Disconnected: network lost", "Disconnected: network lost"}, snap.Data.Exceptions)

	m.mu.Lock()
	assert.Nil(t, m.conn)
	m.mu.Unlock()
}

func TestServerCloseDisconnects(t *testing.T) {
	h, srv := newHubServer(t)
	m := newTestManager(t, srv.URL)
	ctx := context.Background()

	m.SearchAvailableDevices(ctx)
	require.True(t, m.SelectDevice("device-001"))
	require.True(t, m.EstablishConnection(ctx))

	require.Eventually(t, func() bool { return h.Sessions().Count() == 1 }, waitFor, 5*time.Millisecond)

	h.Sessions().ForEach(func(sess *session.Session) bool {
		h.Evict(sess)
		return true
	})

	require.Eventually(t, func() bool {
		return m.State().State == StateDisconnected
	}, waitFor, 5*time.Millisecond)
}

func TestResetRestoresInitialState(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := connectScripted(t, s)

	s.push <- statusMessage(t, "d1", models.DeviceStatusOnline)
	require.Eventually(t, func() bool {
		return len(m.State().Data.DeviceStatus) == 1
	}, waitFor, 5*time.Millisecond)

	require.True(t, m.SendControlInstruction("calibrate", map[string]interface{}{"level": 2}))

	m.ResetConnectionState()

	fresh, err := NewManager(s.URL)
	require.NoError(t, err)

	assert.Equal(t, fresh.State(), m.State())
	assert.Equal(t, StateIdle, m.State().State)
	assert.Zero(t, m.State().ConnectionAttempts)
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := newTestManager(t, s.URL)

	var states []State

	unsubscribe := m.Subscribe(func(snap Snapshot) {
		states = append(states, snap.State)
	})

	ctx := context.Background()
	require.True(t, m.DetectWiFiConnection(ctx))
	m.SearchAvailableDevices(ctx)

	unsubscribe()
	m.ResetConnectionState()

	assert.Equal(t, []State{
		StateDetectingWiFi,
		StateSearchingDevices,
		StateSearchingDevices,
		StateDeviceSelection,
	}, states)
}

func TestSnapshotIsDetached(t *testing.T) {
	s := newScriptedServer(t, testDevices)
	m := newTestManager(t, s.URL)

	m.SearchAvailableDevices(context.Background())

	snap := m.State()
	snap.Devices[0].Name = "mutated"
	snap.Data.DeviceStatus["x"] = models.DeviceTelemetry{}

	again := m.State()
	assert.Equal(t, "Thermostat", again.Devices[0].Name)
	assert.Empty(t, again.Data.DeviceStatus)
}
