// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority levels used by internal producers. Any positive integer is valid on the wire.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 8
	PriorityCritical = 10
)

// Envelope is the unit of communication between devices and modules
type Envelope struct {
	Meta    Meta                   `json:"meta"`
	Payload map[string]interface{} `json:"payload"`
	Context Context                `json:"context"`
}

// Meta carries routing and audit information
type Meta struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Origin    string    `json:"origin"`
	Priority  int       `json:"priority"`
}

// Context identifies the device associated with an envelope
type Context struct {
	DeviceID string `json:"deviceId"`
}

// Build creates a well-formed envelope with a fresh id and the current time.
// It is meant for internal producers; raw device input goes through Validate.
func Build(eventType string, payload map[string]interface{}, origin string, priority int, deviceID string) (*Envelope, error) {
	if _, _, err := ParseType(eventType); err != nil {
		return nil, &StructuralError{Field: "meta.type", Reason: err.Error()}
	}
	if strings.TrimSpace(origin) == "" {
		return nil, &StructuralError{Field: "meta.origin", Reason: "must be a non-empty string"}
	}
	if priority < 1 {
		return nil, &StructuralError{Field: "meta.priority", Reason: "must be a positive integer"}
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, &StructuralError{Field: "context.deviceId", Reason: "must be a non-empty string"}
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return &Envelope{
		Meta: Meta{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Type:      eventType,
			Origin:    origin,
			Priority:  priority,
		},
		Payload: payload,
		Context: Context{DeviceID: deviceID},
	}, nil
}

// ParseType splits a namespaced "<module>:<action>" type
func ParseType(eventType string) (module, action string, err error) {
	idx := strings.Index(eventType, ":")
	if idx <= 0 || idx == len(eventType)-1 {
		return "", "", fmt.Errorf("must have the form <module>:<action>, got %q", eventType)
	}
	return eventType[:idx], eventType[idx+1:], nil
}

// Module returns the module part of the envelope type
func (e *Envelope) Module() string {
	module, _, _ := ParseType(e.Meta.Type)
	return module
}

// Action returns the action part of the envelope type
func (e *Envelope) Action() string {
	_, action, _ := ParseType(e.Meta.Type)
	return action
}

// Marshal serializes the envelope to its wire form
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw device input into a generic value without judging its shape.
// Numbers are kept as json.Number so integer checks stay exact.
func Decode(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode message: trailing data after JSON value")
	}
	return raw, nil
}
