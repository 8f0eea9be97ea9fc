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

// Package broker turns raw device input into trusted envelopes.
//
// Every ingress message is validated for structure, then checked against
// the device registry, and only then handed to the distributor. A message
// that fails either gate is reported on the bus and dropped.
package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"posgate/internal/bus"
	"posgate/internal/event"
	"posgate/internal/registry"
)

var (
	ErrRejected     = errors.New("message rejected")
	ErrUnauthorized = errors.New("device not authorized")
)

// Bus is the subset of the event bus used by the broker
type Bus interface {
	Publish(eventType string, data interface{}) error
	Subscribe(eventType string, handler bus.Handler) (bus.Subscription, error)
	Unsubscribe(sub bus.Subscription)
}

// Authorizer checks device credentials
type Authorizer interface {
	Authorize(id, key string) registry.AuthResult
}

// Stats holds broker counters
type Stats struct {
	Ingested         uint64    `json:"ingested"`
	Rejected         uint64    `json:"rejected"`
	Unauthorized     uint64    `json:"unauthorized"`
	Published        uint64    `json:"published"`
	SubscriberFaults uint64    `json:"subscriber_faults"`
	StartTime        time.Time `json:"start_time"`
}

// Broker validates and authorizes ingress messages
type Broker struct {
	bus         Bus
	registry    Authorizer
	distributor *Distributor
	logger      zerolog.Logger
	stats       Stats
	sub         bus.Subscription
	running     bool
	mutex       sync.Mutex
}

// New creates a broker and its distributor
func New(b Bus, reg Authorizer, log zerolog.Logger) *Broker {
	br := &Broker{
		bus:      b,
		registry: reg,
		logger:   log,
		stats: Stats{
			StartTime: time.Now(),
		},
	}
	br.distributor = NewDistributor(b, log, br.countFaults)
	return br
}

// Distributor returns the distributor the broker hands envelopes to
func (b *Broker) Distributor() *Distributor {
	return b.distributor
}

// Start subscribes the broker to ingress events
func (b *Broker) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.running {
		return fmt.Errorf("broker already started")
	}

	sub, err := b.bus.Subscribe(event.TypeIngress, b.handleIngress)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", event.TypeIngress, err)
	}
	b.sub = sub
	b.running = true

	b.logger.Info().Str("event_type", event.TypeIngress).Msg("Broker listening for ingress")
	return nil
}

// Stop removes the ingress subscription
func (b *Broker) Stop() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.running {
		return
	}
	b.bus.Unsubscribe(b.sub)
	b.running = false
	b.logger.Info().Msg("Broker stopped")
}

func (b *Broker) handleIngress(_ string, data interface{}) error {
	var in event.Ingress
	switch v := data.(type) {
	case event.Ingress:
		in = v
	case *event.Ingress:
		if v == nil {
			return fmt.Errorf("nil ingress event")
		}
		in = *v
	default:
		return fmt.Errorf("unexpected ingress payload %T", data)
	}

	// Gate failures are reported on the bus; they are not subscriber errors
	_, _ = b.Ingest(in)
	return nil
}

// Ingest runs one message through validation and authorization and, when
// both pass, distributes it. It returns the trusted envelope or an error
// wrapping ErrRejected or ErrUnauthorized.
func (b *Broker) Ingest(in event.Ingress) (*event.Envelope, error) {
	b.mutex.Lock()
	b.stats.Ingested++
	b.mutex.Unlock()

	env, err := event.Validate(in.Raw)
	if err != nil {
		b.reject(in, err)
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	log := b.logger.With().
		Str("event_id", env.Meta.ID).
		Str("event_type", env.Meta.Type).
		Str("device_id", env.Context.DeviceID).
		Str("connection_id", in.ConnectionID).
		Logger()

	if result := b.registry.Authorize(env.Context.DeviceID, in.Key); result != registry.AuthOK {
		b.mutex.Lock()
		b.stats.Unauthorized++
		b.mutex.Unlock()

		log.Warn().Str("reason", result.String()).Msg("Unauthorized device message dropped")
		b.publish(event.TypeUnauthorized, event.Unauthorized{
			ConnectionID: in.ConnectionID,
			DeviceID:     env.Context.DeviceID,
			EventID:      env.Meta.ID,
			Reason:       result.String(),
		})
		return nil, fmt.Errorf("%w: %s: %s", ErrUnauthorized, env.Context.DeviceID, result)
	}

	log.Debug().Msg("Message accepted")

	if in.Accepted != nil {
		in.Accepted(env)
	}

	if err := b.bus.Publish(event.TypeReceived, env); err != nil {
		b.distributor.reportFaults(env, event.TypeReceived, err)
	}

	b.distributor.Distribute(env)

	b.mutex.Lock()
	b.stats.Published++
	b.mutex.Unlock()

	return env, nil
}

func (b *Broker) reject(in event.Ingress, err error) {
	b.mutex.Lock()
	b.stats.Rejected++
	b.mutex.Unlock()

	rejection := event.Rejection{
		ConnectionID: in.ConnectionID,
		Raw:          in.Raw,
		Reason:       err.Error(),
	}
	var serr *event.StructuralError
	if errors.As(err, &serr) {
		rejection.Field = serr.Field
		rejection.Reason = serr.Reason
	}

	b.logger.Warn().
		Str("connection_id", in.ConnectionID).
		Str("field", rejection.Field).
		Str("reason", rejection.Reason).
		Msg("Malformed message rejected")

	b.publish(event.TypeRejected, rejection)
}

func (b *Broker) publish(eventType string, data interface{}) {
	if err := b.bus.Publish(eventType, data); err != nil {
		b.logger.Warn().Err(err).Str("event_type", eventType).Msg("Diagnostic subscriber failed")
	}
}

func (b *Broker) countFaults(n int) {
	b.mutex.Lock()
	b.stats.SubscriberFaults += uint64(n)
	b.mutex.Unlock()
}

// Stats returns a copy of the broker counters
func (b *Broker) Stats() Stats {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.stats
}
