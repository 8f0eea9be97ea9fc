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

// Package storage provides the read side of the external document store
// holding the device list and the service configuration.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound means the named document does not exist
var ErrNotFound = errors.New("document not found")

// DocumentReader returns the text content of a named document
type DocumentReader interface {
	ReadDocument(name string) (string, error)
}

// DocumentWriter stores the text content of a named document
type DocumentWriter interface {
	PutDocument(name, body string) error
}

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Store is a document store that can be closed
type Store interface {
	DocumentReader
	Close() error
}

// Open returns the store for driver. For "file" location is the root
// directory, for "sqlite" it is the database path.
func Open(driver, location string) (Store, error) {
	switch driver {
	case DriverFile, "":
		return NewFileStore(location)
	case DriverSQLite:
		return NewSQLiteStore(location)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
