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

import "time"

// Event types published by the core
const (
	// Ingress path
	TypeIngress      = "broker:ingress"
	TypeRejected     = "broker:rejected"
	TypeUnauthorized = "broker:unauthorized"
	TypeReceived     = "broker:received"
	TypeDistributed  = "broker:distributed"

	// Device administration
	TypeRevoked = "device:revoked"

	// Gateway lifecycle
	TypeRevocationApplied     = "gateway:revocationApplied"
	TypeConnectionEstablished = "gateway:connectionEstablished"
	TypeConnectionClosed      = "gateway:connectionClosed"
	TypeConnectionError       = "gateway:connectionError"
	TypeSend                  = "gateway:send"

	// Registry and bus health
	TypeRegistryLoaded     = "registry:loaded"
	TypeRegistryLoadFailed = "registry:loadFailed"
	TypeSubscriberError    = "system:subscriberError"
)

// Origin used on envelopes built by the core itself
const OriginSystem = "system"

// RevokedBySystem is the close reason sent to a revoked device
const RevokedBySystem = "revoked by system"

// DiagnosticTypes lists the events meant for external observers
var DiagnosticTypes = []string{
	TypeRejected,
	TypeUnauthorized,
	TypeDistributed,
	TypeRevocationApplied,
	TypeConnectionEstablished,
	TypeConnectionClosed,
	TypeConnectionError,
	TypeRegistryLoaded,
	TypeRegistryLoadFailed,
	TypeSubscriberError,
}

// IsDiagnostic reports whether an event type is in DiagnosticTypes
func IsDiagnostic(eventType string) bool {
	for _, t := range DiagnosticTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// reservedModules are the namespaces only the core itself publishes under
var reservedModules = map[string]bool{
	"broker":   true,
	"gateway":  true,
	"registry": true,
	"system":   true,
}

// IsReserved reports whether eventType belongs to the core. Device input
// may not use these types.
func IsReserved(eventType string) bool {
	if eventType == TypeRevoked {
		return true
	}
	module, _, err := ParseType(eventType)
	return err == nil && reservedModules[module]
}

// Ingress is raw device input handed from the gateway to the broker.
// Key is the credential the connection presented when it was opened.
// Accepted, when set, is called with the trusted envelope once the message
// has passed validation and authorization, before it is distributed.
type Ingress struct {
	ConnectionID string              `json:"connectionId"`
	Key          string              `json:"-"`
	Raw          interface{}         `json:"raw"`
	Accepted     func(env *Envelope) `json:"-"`
}

// Rejection reports input that failed structural validation
type Rejection struct {
	ConnectionID string      `json:"connectionId,omitempty"`
	Raw          interface{} `json:"raw"`
	Field        string      `json:"field"`
	Reason       string      `json:"reason"`
}

// Unauthorized reports a device that failed authorization
type Unauthorized struct {
	ConnectionID string `json:"connectionId,omitempty"`
	DeviceID     string `json:"deviceId"`
	EventID      string `json:"eventId"`
	Reason       string `json:"reason"`
}

// Confirmation is published once an envelope has been fanned out. It never carries the payload.
type Confirmation struct {
	EventID       string    `json:"eventId"`
	Type          string    `json:"type"`
	Origin        string    `json:"origin"`
	DistributedAt time.Time `json:"distributedAt"`
}

// SubscriberFault reports a subscriber that failed while handling an event
type SubscriberFault struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Error     string `json:"error"`
}

// Revocation asks the gateway to drop the live connection of a device
type Revocation struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason,omitempty"`
}

// RevocationApplied confirms a revoked connection was closed
type RevocationApplied struct {
	DeviceID     string `json:"deviceId"`
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

// ConnectionEstablished is published when a connection is bound to a device id
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
	DeviceID     string `json:"deviceId"`
	RemoteAddr   string `json:"remoteAddr,omitempty"`
	Superseded   string `json:"superseded,omitempty"`
}

// ConnectionClosed is published when a connection ends for any reason
type ConnectionClosed struct {
	ConnectionID string `json:"connectionId"`
	DeviceID     string `json:"deviceId,omitempty"`
	Reason       string `json:"reason"`
}

// ConnectionError reports a transport level failure on a connection
type ConnectionError struct {
	ConnectionID string `json:"connectionId"`
	DeviceID     string `json:"deviceId,omitempty"`
	Error        string `json:"error"`
}

// Outbound asks the gateway to push a message to one device, or to all when Target is empty
type Outbound struct {
	Target  string      `json:"target,omitempty"`
	Message interface{} `json:"message"`
}

// RegistryLoaded reports a successful registry replacement
type RegistryLoaded struct {
	Source  string `json:"source"`
	Devices int    `json:"devices"`
}

// RegistryLoadFailed reports a rejected registry source; the previous table stays in effect
type RegistryLoadFailed struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}
