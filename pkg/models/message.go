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

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types sent by the client.
const (
	MessageTypeConnect       = "connect"
	MessageTypeInstruction   = "instruction"
	MessageTypeStatusRequest = "status_request"
)

// Message types sent by the server.
const (
	MessageTypeConnectionSuccess   = "connection_success"
	MessageTypeInstructionResponse = "instruction_response"
	MessageTypeStatus              = "status"
	MessageTypeData                = "data"
	MessageTypeError               = "error"
)

// Instructions with built-in handling. Any other instruction string is
// dispatched as a custom instruction.
const (
	InstructionPowerOn  = "power_on"
	InstructionPowerOff = "power_off"
	InstructionRestart  = "restart"
	InstructionStatus   = "status"
)

var (
	// ErrMalformedMessage is returned for any envelope that cannot be decoded or fails validation.
	ErrMalformedMessage = errors.New("malformed message")

	errMissingType        = errors.New("missing message type")
	errMissingDeviceIDs   = errors.New("connect requires data.deviceIds")
	errEmptyDeviceID      = errors.New("device ids must be non-empty strings")
	errMissingInstruction = errors.New("instruction requires a non-empty instruction field")
	errUnexpectedType     = errors.New("unexpected message type")
)

// Message is the single JSON envelope exchanged over the device socket. The
// Type field discriminates which of the remaining fields are meaningful.
type Message struct {
	Type             string                 `json:"type"`
	Data             json.RawMessage        `json:"data,omitempty"`
	Instruction      string                 `json:"instruction,omitempty"`
	Params           map[string]interface{} `json:"params,omitempty"`
	Message          string                 `json:"message,omitempty"`
	ConnectedDevices []string               `json:"connectedDevices,omitempty"`
	Success          *bool                  `json:"success,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Critical         *bool                  `json:"critical,omitempty"`
	Timestamp        *time.Time             `json:"timestamp,omitempty"`
}

// MarshalJSON always emits connectedDevices on connection_success, even for an empty list.
func (m Message) MarshalJSON() ([]byte, error) {
	type envelope Message

	if m.Type != MessageTypeConnectionSuccess {
		return json.Marshal(envelope(m))
	}

	ids := m.ConnectedDevices
	if ids == nil {
		ids = []string{}
	}

	return json.Marshal(struct {
		envelope
		ConnectedDevices []string `json:"connectedDevices"`
	}{envelope: envelope(m), ConnectedDevices: ids})
}

// ConnectData is the payload of a connect message.
type ConnectData struct {
	DeviceIDs []string `json:"deviceIds"`
}

// IsCritical reports whether an error message demands client-side teardown.
func (m *Message) IsCritical() bool {
	return m.Critical != nil && *m.Critical
}

// Succeeded reports the success flag of an instruction response.
func (m *Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// ConnectDeviceIDs decodes the device id list of a connect message.
func (m *Message) ConnectDeviceIDs() ([]string, error) {
	if m.Type != MessageTypeConnect {
		return nil, fmt.Errorf("%w: %s", errUnexpectedType, m.Type)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", errMissingDeviceIDs, err)
	}

	raw, ok := fields["deviceIds"]
	if !ok {
		return nil, errMissingDeviceIDs
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: %w", errMissingDeviceIDs, err)
	}

	if ids == nil {
		return nil, errMissingDeviceIDs
	}

	for _, id := range ids {
		if id == "" {
			return nil, errEmptyDeviceID
		}
	}

	return ids, nil
}

// StatusData decodes the telemetry map carried by a status message.
func (m *Message) StatusData() (map[string]DeviceTelemetry, error) {
	if m.Type != MessageTypeStatus {
		return nil, fmt.Errorf("%w: %s", errUnexpectedType, m.Type)
	}

	status := make(map[string]DeviceTelemetry)
	if len(m.Data) == 0 {
		return status, nil
	}

	if err := json.Unmarshal(m.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status data: %w", err)
	}

	return status, nil
}

// SensorData decodes the sample carried by a data message.
func (m *Message) SensorData() (*SensorSample, error) {
	if m.Type != MessageTypeData {
		return nil, fmt.Errorf("%w: %s", errUnexpectedType, m.Type)
	}

	var sample SensorSample
	if err := json.Unmarshal(m.Data, &sample); err != nil {
		return nil, fmt.Errorf("failed to decode sensor data: %w", err)
	}

	return &sample, nil
}

// ParseClientMessage decodes and validates an envelope received by the hub.
// Unknown message types are accepted so that the dispatcher can ignore them.
func ParseClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, errMissingType)
	}

	switch msg.Type {
	case MessageTypeConnect:
		if _, err := msg.ConnectDeviceIDs(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
	case MessageTypeInstruction:
		if msg.Instruction == "" {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, errMissingInstruction)
		}
	}

	return &msg, nil
}

// ParseServerMessage decodes an envelope received by the client.
func ParseServerMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, errMissingType)
	}

	return &msg, nil
}

func stamp(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}

func boolPtr(b bool) *bool {
	return &b
}

// NewConnectMessage builds the client's device binding request.
func NewConnectMessage(deviceIDs []string) (*Message, error) {
	if deviceIDs == nil {
		deviceIDs = []string{}
	}

	data, err := json.Marshal(ConnectData{DeviceIDs: deviceIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode connect data: %w", err)
	}

	return &Message{Type: MessageTypeConnect, Data: data}, nil
}

// NewInstructionMessage builds a control instruction for the bound devices.
func NewInstructionMessage(instruction string, params map[string]interface{}, now time.Time) *Message {
	return &Message{
		Type:        MessageTypeInstruction,
		Instruction: instruction,
		Params:      params,
		Timestamp:   stamp(now),
	}
}

// NewStatusRequestMessage asks the hub for a fresh snapshot.
func NewStatusRequestMessage() *Message {
	return &Message{Type: MessageTypeStatusRequest}
}

// NewConnectionSuccessMessage acknowledges a connect request.
func NewConnectionSuccessMessage(deviceIDs []string, now time.Time) *Message {
	return &Message{
		Type:             MessageTypeConnectionSuccess,
		Message:          fmt.Sprintf("Connected to %d device(s)", len(deviceIDs)),
		ConnectedDevices: deviceIDs,
		Timestamp:        stamp(now),
	}
}

// NewInstructionResponseMessage reports the outcome of an instruction.
func NewInstructionResponseMessage(instruction string, success bool, now time.Time) *Message {
	return &Message{
		Type:        MessageTypeInstructionResponse,
		Instruction: instruction,
		Success:     boolPtr(success),
		Timestamp:   stamp(now),
	}
}

// NewStatusMessage carries telemetry keyed by device id.
func NewStatusMessage(status map[string]DeviceTelemetry, now time.Time) (*Message, error) {
	if status == nil {
		status = map[string]DeviceTelemetry{}
	}

	data, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status data: %w", err)
	}

	return &Message{Type: MessageTypeStatus, Data: data, Timestamp: stamp(now)}, nil
}

// NewDataMessage carries a synthetic sensor upload.
func NewDataMessage(sample *SensorSample, now time.Time) (*Message, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sensor data: %w", err)
	}

	return &Message{Type: MessageTypeData, Data: data, Timestamp: stamp(now)}, nil
}

// NewErrorMessage reports a failure. Only critical errors force the client to disconnect.
func NewErrorMessage(errMsg string, critical bool, now time.Time) *Message {
	return &Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Critical:  boolPtr(critical),
		Timestamp: stamp(now),
	}
}
