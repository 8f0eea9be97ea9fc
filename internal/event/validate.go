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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrStructural is matched by every StructuralError via errors.Is
var ErrStructural = errors.New("structural error")

// StructuralError names the first envelope field that failed validation
type StructuralError struct {
	Field  string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("invalid envelope field %s: %s", e.Field, e.Reason)
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

// timestampLayouts are tried in order; RFC 3339 covers the ISO-8601 profile devices send
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Validate checks a decoded value against the envelope contract and returns the
// typed envelope. It reports the first missing or invalid field and never returns
// a partial envelope.
func Validate(raw interface{}) (*Envelope, error) {
	root, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &StructuralError{Field: "envelope", Reason: "must be a JSON object"}
	}

	meta, err := object(root, "meta", "meta")
	if err != nil {
		return nil, err
	}

	id, err := nonEmptyString(meta, "id", "meta.id")
	if err != nil {
		return nil, err
	}

	timestamp, err := parseTimestamp(meta)
	if err != nil {
		return nil, err
	}

	eventType, err := nonEmptyString(meta, "type", "meta.type")
	if err != nil {
		return nil, err
	}
	if _, _, perr := ParseType(eventType); perr != nil {
		return nil, &StructuralError{Field: "meta.type", Reason: perr.Error()}
	}
	if IsReserved(eventType) {
		return nil, &StructuralError{Field: "meta.type", Reason: "reserved namespace"}
	}

	origin, err := nonEmptyString(meta, "origin", "meta.origin")
	if err != nil {
		return nil, err
	}

	priority, err := positiveInt(meta, "priority", "meta.priority")
	if err != nil {
		return nil, err
	}

	payload, err := object(root, "payload", "payload")
	if err != nil {
		return nil, err
	}

	ctx, err := object(root, "context", "context")
	if err != nil {
		return nil, err
	}

	deviceID, err := nonEmptyString(ctx, "deviceId", "context.deviceId")
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Meta: Meta{
			ID:        id,
			Timestamp: timestamp,
			Type:      eventType,
			Origin:    origin,
			Priority:  priority,
		},
		Payload: payload,
		Context: Context{DeviceID: deviceID},
	}, nil
}

func object(parent map[string]interface{}, key, field string) (map[string]interface{}, error) {
	value, exists := parent[key]
	if !exists || value == nil {
		return nil, &StructuralError{Field: field, Reason: "is required"}
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, &StructuralError{Field: field, Reason: "must be an object"}
	}
	return obj, nil
}

func nonEmptyString(parent map[string]interface{}, key, field string) (string, error) {
	value, exists := parent[key]
	if !exists || value == nil {
		return "", &StructuralError{Field: field, Reason: "is required"}
	}
	s, ok := value.(string)
	if !ok {
		return "", &StructuralError{Field: field, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &StructuralError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func parseTimestamp(meta map[string]interface{}) (time.Time, error) {
	s, err := nonEmptyString(meta, "timestamp", "meta.timestamp")
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range timestampLayouts {
		if ts, perr := time.Parse(layout, s); perr == nil {
			return ts, nil
		}
	}
	return time.Time{}, &StructuralError{Field: "meta.timestamp", Reason: fmt.Sprintf("not an ISO-8601 timestamp: %q", s)}
}

func positiveInt(parent map[string]interface{}, key, field string) (int, error) {
	value, exists := parent[key]
	if !exists || value == nil {
		return 0, &StructuralError{Field: field, Reason: "is required"}
	}

	var n int64
	switch v := value.(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, &StructuralError{Field: field, Reason: "must be an integer"}
		}
		n = i
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, &StructuralError{Field: field, Reason: "must be an integer"}
		}
		n = int64(v)
	case int:
		n = int64(v)
	case int64:
		n = v
	default:
		return 0, &StructuralError{Field: field, Reason: "must be an integer"}
	}

	if n < 1 || n > math.MaxInt32 {
		return 0, &StructuralError{Field: field, Reason: "must be a positive integer"}
	}
	return int(n), nil
}
