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

// Package tap republishes diagnostic bus events on a ZeroMQ PUB socket
// so external observers can follow the core without joining the bus.
// Each message has two frames: the event type and its JSON payload.
package tap

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"posgate/internal/bus"
	"posgate/internal/event"
)

const defaultQueueSize = 1024

// Subscriber registers bus handlers
type Subscriber interface {
	Subscribe(eventType string, handler bus.Handler) (bus.Subscription, error)
	Unsubscribe(sub bus.Subscription)
}

// Stats tracks tap activity
type Stats struct {
	Sent      uint64    `json:"sent"`
	Dropped   uint64    `json:"dropped"`
	Errors    uint64    `json:"errors"`
	StartTime time.Time `json:"start_time"`
}

type frame struct {
	topic string
	body  []byte
}

// Tap forwards diagnostic events to a PUB socket
type Tap struct {
	address string
	socket  *zmq4.Socket
	queue   chan frame
	done    chan struct{}
	wg      sync.WaitGroup
	subs    []bus.Subscription
	bus     Subscriber
	logger  zerolog.Logger
	stats   Stats
	mutex   sync.Mutex
	running bool
}

// New creates a tap for the given ZeroMQ endpoint, e.g. tcp://*:5556
func New(address string, log zerolog.Logger) *Tap {
	return &Tap{
		address: address,
		queue:   make(chan frame, defaultQueueSize),
		done:    make(chan struct{}),
		logger:  log.With().Str("component", "tap").Logger(),
	}
}

// Start binds the PUB socket and subscribes to diagnostic events
func (t *Tap) Start(b Subscriber) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.running {
		return fmt.Errorf("tap already running")
	}

	t.logger.Info().
		Str("address", t.address).
		Msg("Starting diagnostics tap")

	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return fmt.Errorf("failed to create PUB socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(1000); err != nil {
		return fmt.Errorf("failed to set linger: %w", err)
	}

	if err = socket.SetSndhwm(1000); err != nil {
		return fmt.Errorf("failed to set send high watermark: %w", err)
	}

	if err = socket.Bind(t.address); err != nil {
		return fmt.Errorf("failed to bind to address: %w", err)
	}

	for _, eventType := range event.DiagnosticTypes {
		var sub bus.Subscription
		sub, err = b.Subscribe(eventType, t.handle)
		if err != nil {
			for _, s := range t.subs {
				b.Unsubscribe(s)
			}
			t.subs = nil
			return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
		t.subs = append(t.subs, sub)
	}

	t.socket = socket
	t.bus = b
	t.running = true
	t.stats.StartTime = time.Now()

	t.wg.Add(1)
	go t.sendLoop()

	return nil
}

// Stop unsubscribes from the bus, drains the queue and closes the socket
func (t *Tap) Stop() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return nil
	}
	t.running = false
	for _, sub := range t.subs {
		t.bus.Unsubscribe(sub)
	}
	t.subs = nil
	t.mutex.Unlock()

	close(t.done)
	t.wg.Wait()

	if err := t.socket.Close(); err != nil {
		return fmt.Errorf("failed to close tap socket: %w", err)
	}

	t.logger.Info().Msg("Diagnostics tap stopped")
	return nil
}

// Stats returns a copy of the tap counters
func (t *Tap) Stats() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stats
}

// handle runs on the publisher's goroutine and never blocks it
func (t *Tap) handle(eventType string, data interface{}) error {
	f, err := encode(eventType, data)
	if err != nil {
		t.count(func(s *Stats) { s.Errors++ })
		return err
	}

	select {
	case t.queue <- f:
	default:
		t.count(func(s *Stats) { s.Dropped++ })
		t.logger.Warn().Str("event_type", eventType).Msg("Tap queue full, dropping event")
	}
	return nil
}

// sendLoop owns the socket; zmq sockets are not safe for concurrent use
func (t *Tap) sendLoop() {
	defer t.wg.Done()

	for {
		select {
		case f := <-t.queue:
			t.send(f)
		case <-t.done:
			for {
				select {
				case f := <-t.queue:
					t.send(f)
				default:
					return
				}
			}
		}
	}
}

func (t *Tap) send(f frame) {
	if _, err := t.socket.SendMessage(f.topic, f.body); err != nil {
		t.count(func(s *Stats) { s.Errors++ })
		t.logger.Error().Err(err).Str("event_type", f.topic).Msg("Failed to publish diagnostic event")
		return
	}
	t.count(func(s *Stats) { s.Sent++ })
}

func (t *Tap) count(update func(*Stats)) {
	t.mutex.Lock()
	update(&t.stats)
	t.mutex.Unlock()
}

func encode(eventType string, data interface{}) (frame, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return frame{}, fmt.Errorf("failed to encode %s: %w", eventType, err)
	}
	return frame{topic: eventType, body: body}, nil
}
