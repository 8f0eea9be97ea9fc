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

// Package bus is the in-process publish/subscribe channel shared by every component.
//
// Publish is synchronous: handlers run on the publisher's goroutine, in the
// order they subscribed, and a failing handler never prevents the others
// from running.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Wildcard subscribers receive every published event after the typed subscribers
const Wildcard = "*"

// DefaultMaxSubscribers is used when New is given a non-positive bound
const DefaultMaxSubscribers = 64

// ErrSubscriberLimit is returned when an event type already has its maximum number of handlers
var ErrSubscriberLimit = errors.New("subscriber limit reached")

// Handler receives the event type and the data published with it
type Handler func(eventType string, data interface{}) error

// Subscription identifies a registered handler
type Subscription struct {
	EventType string
	id        uint64
}

// SubscriberError wraps a failure raised by one handler
type SubscriberError struct {
	EventType string
	Index     int
	Err       error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %d for %s failed: %v", e.Index, e.EventType, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

type entry struct {
	id      uint64
	handler Handler
}

// Stats holds bus counters
type Stats struct {
	Published uint64
	Failures  uint64
}

// Bus dispatches events to subscribed handlers
type Bus struct {
	handlers   map[string][]entry
	nextID     uint64
	maxPerType int
	logger     zerolog.Logger
	stats      Stats
	mutex      sync.RWMutex
}

// New creates a bus allowing at most maxPerType handlers per event type
func New(maxPerType int, log zerolog.Logger) *Bus {
	if maxPerType <= 0 {
		maxPerType = DefaultMaxSubscribers
	}
	return &Bus{
		handlers:   make(map[string][]entry),
		maxPerType: maxPerType,
		logger:     log,
	}
}

// Subscribe registers handler for eventType. Use Wildcard to receive every event.
func (b *Bus) Subscribe(eventType string, handler Handler) (Subscription, error) {
	if eventType == "" {
		return Subscription{}, fmt.Errorf("event type is required")
	}
	if handler == nil {
		return Subscription{}, fmt.Errorf("handler is required")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.handlers[eventType]) >= b.maxPerType {
		return Subscription{}, fmt.Errorf("%w: %s has %d handlers", ErrSubscriberLimit, eventType, b.maxPerType)
	}

	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], entry{id: b.nextID, handler: handler})

	b.logger.Debug().
		Str("event_type", eventType).
		Int("subscribers", len(b.handlers[eventType])).
		Msg("Subscriber registered")

	return Subscription{EventType: eventType, id: b.nextID}, nil
}

// Unsubscribe removes a handler. Removing an unknown subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	list := b.handlers[sub.EventType]
	for i, e := range list {
		if e.id != sub.id {
			continue
		}
		// Copy so in-flight snapshots keep their view
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.EventType)
		} else {
			b.handlers[sub.EventType] = next
		}
		return
	}
}

// SubscriberCount returns the number of handlers registered for eventType
func (b *Bus) SubscriberCount(eventType string) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.handlers[eventType])
}

// Publish runs every handler for eventType, then every wildcard handler.
// Handler failures and panics are collected and returned joined; all
// handlers run regardless.
func (b *Bus) Publish(eventType string, data interface{}) error {
	b.mutex.Lock()
	typed := b.handlers[eventType]
	var wildcard []entry
	if eventType != Wildcard {
		wildcard = b.handlers[Wildcard]
	}
	b.stats.Published++
	b.mutex.Unlock()

	var errs []error
	for i, e := range typed {
		if err := b.invoke(eventType, i, e.handler, data); err != nil {
			errs = append(errs, err)
		}
	}
	for i, e := range wildcard {
		if err := b.invoke(eventType, len(typed)+i, e.handler, data); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}

	b.mutex.Lock()
	b.stats.Failures += uint64(len(errs))
	b.mutex.Unlock()

	return errors.Join(errs...)
}

func (b *Bus) invoke(eventType string, index int, handler Handler, data interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SubscriberError{
				EventType: eventType,
				Index:     index,
				Err:       fmt.Errorf("panic: %v", r),
			}
			b.logger.Error().
				Str("event_type", eventType).
				Int("subscriber", index).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()

	if herr := handler(eventType, data); herr != nil {
		b.logger.Warn().
			Str("event_type", eventType).
			Int("subscriber", index).
			Err(herr).
			Msg("Subscriber failed")
		return &SubscriberError{EventType: eventType, Index: index, Err: herr}
	}
	return nil
}

// Stats returns a copy of the bus counters
func (b *Bus) Stats() Stats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.stats
}
