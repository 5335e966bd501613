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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/devicehub/pkg/logger"
	"github.com/carverauto/devicehub/pkg/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHTTPTimeout    = 10 * time.Second
	writeWait             = 10 * time.Second

	networkCheckPath = "/api/network/check"
	deviceScanPath   = "/api/devices/scan"
	socketPath       = "/ws"
)

var (
	errUnsupportedScheme = errors.New("server url must use http or https")
	errMissingHost       = errors.New("server url must include a host")
	errUnexpectedStatus  = errors.New("unexpected response status")
	errNotConnected      = errors.New("not connected")
	errConnectTimeout    = errors.New("connection timed out")
)

// NetworkStatus reports the local network-availability signal.
type NetworkStatus interface {
	Online() bool
}

// NetworkStatusFunc adapts a function to NetworkStatus.
type NetworkStatusFunc func() bool

func (f NetworkStatusFunc) Online() bool { return f() }

// Dialer opens the device socket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// UploadHandler is notified of every sensor upload received while connected.
type UploadHandler func(sample models.SensorSample)

// Option configures a Manager.
type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

func WithNetworkStatus(n NetworkStatus) Option {
	return func(m *Manager) {
		m.network = n
	}
}

// WithConnectTimeout bounds how long EstablishConnection waits for the socket to open.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		m.logger = log
	}
}

func WithUploadHandler(h UploadHandler) Option {
	return func(m *Manager) {
		m.onUpload = h
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the client connection state machine. Actions never return
// errors: failures are reported through their boolean result and the state tag.
type Manager struct {
	baseURL        *url.URL
	socketURL      string
	httpClient     *http.Client
	dialer         Dialer
	network        NetworkStatus
	connectTimeout time.Duration
	logger         logger.Logger
	onUpload       UploadHandler
	now            func() time.Time

	mu            sync.Mutex
	state         State
	devices       []models.Device
	selected      []models.Device
	attempts      int
	offline       bool
	controlActive bool
	data          ConnectionData
	conn          *websocket.Conn
	generation    uint64

	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// NewManager creates a manager for the hub at serverURL (http or https).
func NewManager(serverURL string, opts ...Option) (*Manager, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	socket := *base

	switch base.Scheme {
	case "http":
		socket.Scheme = "ws"
	case "https":
		socket.Scheme = "wss"
	default:
		return nil, errUnsupportedScheme
	}

	if base.Host == "" {
		return nil, errMissingHost
	}

	socket.Path = base.Path + socketPath

	m := &Manager{
		baseURL:        base,
		socketURL:      socket.String(),
		httpClient:     &http.Client{Timeout: defaultHTTPTimeout},
		dialer:         websocket.DefaultDialer,
		network:        NetworkStatusFunc(func() bool { return true }),
		connectTimeout: defaultConnectTimeout,
		now:            time.Now,
		state:          StateIdle,
		data:           newConnectionData(),
		subscribers:    make(map[int]func(Snapshot)),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = logger.NewTestLogger()
	}

	return m, nil
}

// State returns a deep copy of the current state.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:              m.state,
		Devices:            make([]models.Device, len(m.devices)),
		SelectedDevices:    make([]models.Device, len(m.selected)),
		ConnectionAttempts: m.attempts,
		OfflineMode:        m.offline,
		ControlActive:      m.controlActive,
		Data:               m.data.clone(),
	}

	copy(snap.Devices, m.devices)
	copy(snap.SelectedDevices, m.selected)

	return snap
}

// Subscribe registers fn to receive a snapshot after every change. fn runs
// synchronously and must not call back into the manager.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if len(m.subscribers) == 0 {
		return
	}

	snap := m.State()

	for _, fn := range m.subscribers {
		fn(snap)
	}
}

// update applies fn under the state lock and then notifies subscribers.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	fn()
	m.mu.Unlock()

	m.notify()
}

func (m *Manager) setState(s State) {
	m.update(func() {
		m.transitionLocked(s)
	})
}

func (m *Manager) transitionLocked(s State) {
	if m.state != s {
		m.logger.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("Connection state changed")
	}

	m.state = s
}

func (m *Manager) endpoint(path string) string {
	u := *m.baseURL
	u.Path = m.baseURL.Path + path

	return u.String()
}

func (m *Manager) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(path), http.NoBody)
	if err != nil {
		return err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", errUnexpectedStatus, resp.Status)
	}

	if dst == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return nil
}

// DetectWiFiConnection checks the local network signal and probes the server.
func (m *Manager) DetectWiFiConnection(ctx context.Context) bool {
	m.setState(StateDetectingWiFi)

	if !m.network.Online() {
		m.logger.Warn().Msg("Network reported offline")
		m.failWiFi()

		return false
	}

	if err := m.getJSON(ctx, networkCheckPath, nil); err != nil {
		m.logger.Warn().Err(err).Msg("Network check failed")
		m.failWiFi()

		return false
	}

	m.update(func() {
		m.offline = false
		m.transitionLocked(StateSearchingDevices)
	})

	return true
}

func (m *Manager) failWiFi() {
	m.update(func() {
		m.offline = true
		m.transitionLocked(StateWiFiFailed)
	})
}

// SearchAvailableDevices fetches the device list. An empty list still moves
// to device selection; a failed request moves to exception.
func (m *Manager) SearchAvailableDevices(ctx context.Context) []models.Device {
	m.setState(StateSearchingDevices)

	var devices []models.Device

	if err := m.getJSON(ctx, deviceScanPath, &devices); err != nil {
		m.logger.Error().Err(err).Msg("Device scan failed")

		m.update(func() {
			m.data.Exceptions = append(m.data.Exceptions, fmt.Sprintf("Device scan failed: %v", err))
			m.transitionLocked(StateException)
		})

		return []models.Device{}
	}

	if devices == nil {
		devices = []models.Device{}
	}

	m.update(func() {
		m.devices = devices
		m.selected = pruneSelection(m.selected, devices)
		m.transitionLocked(StateDeviceSelection)
	})

	m.logger.Info().Int("devices", len(devices)).Msg("Device scan complete")

	out := make([]models.Device, len(devices))
	copy(out, devices)

	return out
}

func pruneSelection(selected, devices []models.Device) []models.Device {
	known := make(map[string]models.Device, len(devices))
	for _, d := range devices {
		known[d.ID] = d
	}

	kept := make([]models.Device, 0, len(selected))

	for _, d := range selected {
		if current, ok := known[d.ID]; ok {
			kept = append(kept, current)
		}
	}

	return kept
}

// SelectDevice adds a discovered device to the selection. It returns false
// when id is not among the discovered devices.
func (m *Manager) SelectDevice(id string) bool {
	selected := false

	m.update(func() {
		var device *models.Device

		for i := range m.devices {
			if m.devices[i].ID == id {
				device = &m.devices[i]
				break
			}
		}

		if device == nil {
			return
		}

		selected = true

		for _, d := range m.selected {
			if d.ID == id {
				return
			}
		}

		m.selected = append(m.selected, *device)
	})

	return selected
}

// DeselectDevice removes id from the selection and reports whether it was selected.
func (m *Manager) DeselectDevice(id string) bool {
	removed := false

	m.update(func() {
		kept := m.selected[:0]

		for _, d := range m.selected {
			if d.ID == id {
				removed = true
				continue
			}

			kept = append(kept, d)
		}

		m.selected = kept
	})

	return removed
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// EstablishConnection opens the device socket and binds the selected devices.
// Without a selection it returns false and leaves the state untouched. A
// socket that opens after the connect timeout has fired is closed and ignored.
func (m *Manager) EstablishConnection(ctx context.Context) bool {
	var (
		gen uint64
		ids []string
	)

	m.mu.Lock()
	if len(m.selected) == 0 {
		m.mu.Unlock()
		return false
	}

	m.attempts++
	m.generation++
	gen = m.generation

	ids = make([]string, 0, len(m.selected))
	for _, d := range m.selected {
		ids = append(ids, d.ID)
	}

	old := m.conn
	m.conn = nil
	m.controlActive = false
	m.transitionLocked(StateConnecting)
	attempt := m.attempts
	m.mu.Unlock()

	m.notify()

	if old != nil {
		_ = old.Close()
	}

	m.logger.Info().Str("url", m.socketURL).Int("attempt", attempt).Strs("device_ids", ids).Msg("Connecting")

	results := make(chan dialResult, 1)

	go func() {
		// The dial outlives the timeout so a late open can be observed and discarded.
		conn, resp, err := m.dialer.DialContext(context.WithoutCancel(ctx), m.socketURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		results <- dialResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		if r.err != nil {
			return m.onDialError(gen, r.err)
		}

		return m.onOpen(gen, r.conn, ids)
	case <-timer.C:
		m.onDialError(gen, errConnectTimeout)
	case <-ctx.Done():
		m.onDialError(gen, ctx.Err())
	}

	go func() {
		if r := <-results; r.err == nil {
			m.onOpen(gen, r.conn, ids)
		}
	}()

	return false
}

func (m *Manager) onDialError(gen uint64, err error) bool {
	applied := false

	m.update(func() {
		if gen != m.generation || m.state != StateConnecting {
			return
		}

		applied = true
		m.data.Exceptions = append(m.data.Exceptions, fmt.Sprintf("Connection failed: %v", err))
		m.transitionLocked(StateConnectionFailed)
	})

	if applied {
		m.logger.Warn().Err(err).Msg("Connection attempt failed")
	}

	return false
}

func (m *Manager) onOpen(gen uint64, conn *websocket.Conn, ids []string) bool {
	if !m.attemptCurrent(gen) {
		m.discard(conn)
		return false
	}

	msg, err := models.NewConnectMessage(ids)
	if err == nil {
		err = m.write(conn, msg)
	}

	if err != nil {
		_ = conn.Close()
		return m.onDialError(gen, err)
	}

	now := m.now()
	attached := false

	m.update(func() {
		if gen != m.generation || m.state != StateConnecting {
			return
		}

		attached = true
		m.conn = conn
		m.controlActive = true
		m.data.ConnectionTime = &now
		m.transitionLocked(StateConnected)
	})

	if !attached {
		m.discard(conn)
		return false
	}

	go m.readLoop(conn)

	m.logger.Info().Strs("device_ids", ids).Msg("Connected")

	return true
}

func (m *Manager) attemptCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return gen == m.generation && m.state == StateConnecting
}

func (m *Manager) discard(conn *websocket.Conn) {
	m.logger.Debug().Msg("Discarding socket opened after the attempt was abandoned")

	_ = conn.Close()
}

func (m *Manager) write(conn *websocket.Conn, msg *models.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return conn.WriteJSON(msg)
}

// currentConn returns the socket when the state accepts outbound messages.
func (m *Manager) currentConn() (*websocket.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsLive() || m.conn == nil {
		return nil, errNotConnected
	}

	return m.conn, nil
}

// StartMonitoring moves a connected manager into monitoring.
func (m *Manager) StartMonitoring() bool {
	ok := false

	m.update(func() {
		if m.state != StateConnected || m.conn == nil {
			return
		}

		ok = true
		m.transitionLocked(StateMonitoring)
	})

	return ok
}

// SendControlInstruction sends an instruction for the bound devices. A send
// failure tears the connection down.
func (m *Manager) SendControlInstruction(instruction string, params map[string]interface{}) bool {
	conn, err := m.currentConn()
	if err != nil {
		m.logger.Warn().Str("instruction", instruction).Msg("Cannot send instruction while not connected")
		return false
	}

	if err := m.write(conn, models.NewInstructionMessage(instruction, params, m.now())); err != nil {
		m.logger.Error().Err(err).Str("instruction", instruction).Msg("Failed to send instruction")
		m.HandleDisconnection(fmt.Sprintf("failed to send instruction: %v", err))

		return false
	}

	m.update(func() {
		m.data.LastInstruction = instruction
	})

	m.logger.Info().Str("instruction", instruction).Msg("Instruction sent")

	return true
}

// RequestStatus asks the server for a fresh snapshot of the bound devices.
func (m *Manager) RequestStatus() bool {
	conn, err := m.currentConn()
	if err != nil {
		return false
	}

	if err := m.write(conn, models.NewStatusRequestMessage()); err != nil {
		m.logger.Error().Err(err).Msg("Failed to request status")
		m.HandleDisconnection(fmt.Sprintf("failed to request status: %v", err))

		return false
	}

	return true
}

// HandleDisconnection moves to disconnected and releases the socket. It is
// safe to call repeatedly.
func (m *Manager) HandleDisconnection(reason string) {
	m.disconnect(nil, reason)
}

// disconnect applies HandleDisconnection. A non-nil conn restricts it to the
// socket that is still live.
func (m *Manager) disconnect(conn *websocket.Conn, reason string) {
	var live *websocket.Conn

	applied := false

	m.update(func() {
		if conn != nil && (m.conn != conn || m.state == StateClosed) {
			return
		}

		applied = true
		live = m.conn
		m.conn = nil
		m.controlActive = false
		m.data.Exceptions = append(m.data.Exceptions, "Disconnected: "+reason)
		m.transitionLocked(StateDisconnected)
	})

	if !applied {
		return
	}

	m.logger.Warn().Str("reason", reason).Msg("Disconnected")

	if live != nil {
		_ = live.Close()
	}
}

// CloseConnection closes the socket gracefully and moves to closed.
func (m *Manager) CloseConnection() {
	var (
		conn *websocket.Conn
		data ConnectionData
	)

	m.update(func() {
		conn = m.conn
		m.conn = nil
		m.controlActive = false
		data = m.data.clone()
		m.transitionLocked(StateClosed)
	})

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		m.writeMu.Unlock()

		_ = conn.Close()
	}

	m.logger.Info().
		Interface("connection_data", data).
		Int("uploads", len(data.UploadedData)).
		Int("exceptions", len(data.Exceptions)).
		Msg("Connection closed")
}

// ResetConnectionState closes any socket and restores every field to its initial value.
func (m *Manager) ResetConnectionState() {
	var conn *websocket.Conn

	m.update(func() {
		conn = m.conn
		m.conn = nil
		m.generation++
		m.devices = nil
		m.selected = nil
		m.attempts = 0
		m.offline = false
		m.controlActive = false
		m.data = newConnectionData()
		m.transitionLocked(StateIdle)
	})

	if conn != nil {
		_ = conn.Close()
	}
}
