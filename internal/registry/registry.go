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

package registry

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

var (
	ErrInvalidRecord = errors.New("invalid device record")
	ErrDuplicateID   = errors.New("duplicate device id")
)

// Record is one device entry of the registry
type Record struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Active bool   `json:"active"`
	Role   string `json:"role,omitempty"`
}

// LoadError describes why a registry source was rejected
type LoadError struct {
	Index  int
	ID     string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	if e.ID != "" {
		return fmt.Sprintf("%v at index %d (%s): %s", e.Err, e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("%v at index %d: %s", e.Err, e.Index, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// AuthResult is the outcome of an authorization check
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthUnknownDevice
	AuthInactive
	AuthKeyMismatch
)

func (r AuthResult) String() string {
	switch r {
	case AuthOK:
		return "ok"
	case AuthUnknownDevice:
		return "unknown device"
	case AuthInactive:
		return "device inactive"
	case AuthKeyMismatch:
		return "key mismatch"
	default:
		return "unknown"
	}
}

type table map[string]Record

// Registry is the authoritative in-memory device table.
// Readers never observe a partially loaded table.
type Registry struct {
	current atomic.Pointer[table]
}

// New creates an empty registry. An empty registry authorizes nothing.
func New() *Registry {
	r := &Registry{}
	empty := make(table)
	r.current.Store(&empty)
	return r
}

func (r *Registry) snapshot() table {
	return *r.current.Load()
}

// Load validates raw, a decoded JSON array of device objects, and replaces the
// table with it. If any entry is invalid the existing table is kept.
func (r *Registry) Load(raw interface{}) error {
	entries, ok := raw.([]interface{})
	if !ok {
		return &LoadError{Index: -1, Reason: "device list must be an array", Err: ErrInvalidRecord}
	}

	next := make(table, len(entries))
	for i, item := range entries {
		rec, err := parseRecord(i, item)
		if err != nil {
			return err
		}
		if _, exists := next[rec.ID]; exists {
			return &LoadError{Index: i, ID: rec.ID, Reason: "id appears more than once", Err: ErrDuplicateID}
		}
		next[rec.ID] = rec
	}

	r.current.Store(&next)
	return nil
}

// LoadDocument decodes a JSON document and loads it. Both a bare array and an
// object of the form {"devices": [...]} are accepted.
func (r *Registry) LoadDocument(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return &LoadError{Index: -1, Reason: fmt.Sprintf("malformed JSON: %v", err), Err: ErrInvalidRecord}
	}

	if obj, ok := raw.(map[string]interface{}); ok {
		devices, exists := obj["devices"]
		if !exists {
			return &LoadError{Index: -1, Reason: `object documents need a "devices" array`, Err: ErrInvalidRecord}
		}
		raw = devices
	}
	return r.Load(raw)
}

func parseRecord(index int, item interface{}) (Record, error) {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return Record{}, &LoadError{Index: index, Reason: "entry must be an object", Err: ErrInvalidRecord}
	}

	id, ok := obj["id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return Record{}, &LoadError{Index: index, Reason: "id must be a non-empty string", Err: ErrInvalidRecord}
	}

	key, ok := obj["key"].(string)
	if !ok || key == "" {
		return Record{}, &LoadError{Index: index, ID: id, Reason: "key must be a non-empty string", Err: ErrInvalidRecord}
	}

	active, ok := obj["active"].(bool)
	if !ok {
		return Record{}, &LoadError{Index: index, ID: id, Reason: "active must be a boolean", Err: ErrInvalidRecord}
	}

	rec := Record{ID: id, Key: key, Active: active}
	if role, exists := obj["role"]; exists && role != nil {
		s, ok := role.(string)
		if !ok {
			return Record{}, &LoadError{Index: index, ID: id, Reason: "role must be a string", Err: ErrInvalidRecord}
		}
		rec.Role = s
	}
	return rec, nil
}

// Authorize checks that id exists, is active and presents the stored key.
// The key is compared in constant time.
func (r *Registry) Authorize(id, key string) AuthResult {
	rec, ok := r.snapshot()[id]
	if !ok {
		return AuthUnknownDevice
	}
	if !rec.Active {
		return AuthInactive
	}
	if subtle.ConstantTimeCompare([]byte(rec.Key), []byte(key)) != 1 {
		return AuthKeyMismatch
	}
	return AuthOK
}

// IsAuthorized reports whether Authorize would succeed
func (r *Registry) IsAuthorized(id, key string) bool {
	return r.Authorize(id, key) == AuthOK
}

// IsActive reports whether id exists and is active
func (r *Registry) IsActive(id string) bool {
	rec, ok := r.snapshot()[id]
	return ok && rec.Active
}

// Get returns the record for id
func (r *Registry) Get(id string) (Record, bool) {
	rec, ok := r.snapshot()[id]
	return rec, ok
}

// All returns a copy of every record sorted by id
func (r *Registry) All() []Record {
	snap := r.snapshot()
	records := make([]Record, 0, len(snap))
	for _, rec := range snap {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records
}

// Len returns the number of records
func (r *Registry) Len() int {
	return len(r.snapshot())
}
