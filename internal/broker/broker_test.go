package broker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"posgate/internal/bus"
	"posgate/internal/event"
	"posgate/internal/registry"
)

type recorded struct {
	eventType string
	data      interface{}
}

type fixture struct {
	bus      *bus.Bus
	registry *registry.Registry
	broker   *Broker
	events   []recorded
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		bus:      bus.New(0, zerolog.Nop()),
		registry: registry.New(),
	}
	require.NoError(t, f.registry.LoadDocument([]byte(`[
		{"id": "term-1", "key": "secret-1", "active": true},
		{"id": "term-2", "key": "secret-2", "active": false}
	]`)))

	_, err := f.bus.Subscribe(bus.Wildcard, func(eventType string, data interface{}) error {
		f.events = append(f.events, recorded{eventType, data})
		return nil
	})
	require.NoError(t, err)

	f.broker = New(f.bus, f.registry, zerolog.Nop())
	require.NoError(t, f.broker.Start())
	t.Cleanup(f.broker.Stop)
	return f
}

func (f *fixture) of(eventType string) []interface{} {
	var out []interface{}
	for _, e := range f.events {
		if e.eventType == eventType {
			out = append(out, e.data)
		}
	}
	return out
}

func (f *fixture) types() []string {
	var out []string
	for _, e := range f.events {
		// Wildcard handlers see ingress after the broker has handled it
		if e.eventType != event.TypeIngress {
			out = append(out, e.eventType)
		}
	}
	return out
}

func (f *fixture) ingest(t *testing.T, key, raw string) {
	t.Helper()
	decoded, err := event.Decode([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(event.TypeIngress, event.Ingress{
		ConnectionID: "conn-test",
		Key:          key,
		Raw:          decoded,
	}))
}

const itemAdded = `{
	"meta": {"id": "evt-1", "timestamp": "2025-03-01T12:30:45Z", "type": "cart:itemAdded", "origin": "term-1", "priority": 5},
	"payload": {"sku": "A-100", "qty": 2, "price": 1.25},
	"context": {"deviceId": "term-1"}
}`

func TestAcceptedMessageIsDistributed(t *testing.T) {
	f := newFixture(t)

	var delivered []*event.Envelope
	_, err := f.bus.Subscribe("cart:itemAdded", func(_ string, data interface{}) error {
		delivered = append(delivered, data.(*event.Envelope))
		return nil
	})
	require.NoError(t, err)

	f.ingest(t, "secret-1", itemAdded)

	received := f.of(event.TypeReceived)
	require.Len(t, received, 1)
	env := received[0].(*event.Envelope)
	assert.Equal(t, "evt-1", env.Meta.ID)
	assert.Equal(t, "A-100", env.Payload["sku"])
	assert.Equal(t, json.Number("2"), env.Payload["qty"])

	require.Len(t, delivered, 1)
	assert.Same(t, env, delivered[0])

	distributed := f.of(event.TypeDistributed)
	require.Len(t, distributed, 1)
	conf := distributed[0].(event.Confirmation)
	assert.Equal(t, "evt-1", conf.EventID)
	assert.Equal(t, "cart:itemAdded", conf.Type)
	assert.Equal(t, "term-1", conf.Origin)
	assert.False(t, conf.DistributedAt.IsZero())

	// received precedes the typed fan-out which precedes the confirmation
	assert.Equal(t, []string{
		event.TypeReceived,
		"cart:itemAdded",
		event.TypeDistributed,
	}, f.types())

	stats := f.broker.Stats()
	assert.Equal(t, uint64(1), stats.Ingested)
	assert.Equal(t, uint64(1), stats.Published)
}

func TestInactiveDeviceIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.LoadDocument([]byte(`[{"id": "term-1", "key": "secret-1", "active": false}]`)))

	f.ingest(t, "secret-1", itemAdded)

	assert.Empty(t, f.of(event.TypeReceived))
	assert.Empty(t, f.of(event.TypeDistributed))
	assert.Empty(t, f.of("cart:itemAdded"))

	unauthorized := f.of(event.TypeUnauthorized)
	require.Len(t, unauthorized, 1)
	diag := unauthorized[0].(event.Unauthorized)
	assert.Equal(t, "term-1", diag.DeviceID)
	assert.Equal(t, "conn-test", diag.ConnectionID)
	assert.Equal(t, registry.AuthInactive.String(), diag.Reason)
}

func TestMissingMetaIsRejected(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "secret-1", `{"payload": {}}`)

	assert.Empty(t, f.of(event.TypeReceived))
	assert.Empty(t, f.of(event.TypeUnauthorized))

	rejected := f.of(event.TypeRejected)
	require.Len(t, rejected, 1)
	diag := rejected[0].(event.Rejection)
	assert.Equal(t, "meta", diag.Field)
	assert.Equal(t, "conn-test", diag.ConnectionID)
	assert.Equal(t, uint64(1), f.broker.Stats().Rejected)
}

func TestAuthorizationGates(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		device string
		reason registry.AuthResult
	}{
		{"wrong key", "guess", "term-1", registry.AuthKeyMismatch},
		{"no key", "", "term-1", registry.AuthKeyMismatch},
		{"unknown device", "secret-1", "ghost", registry.AuthUnknownDevice},
		{"inactive device", "secret-2", "term-2", registry.AuthInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			raw := `{"meta": {"id": "e", "timestamp": "2025-03-01T12:30:45Z", "type": "cart:itemAdded", "origin": "x", "priority": 1},
				"payload": {}, "context": {"deviceId": "` + tt.device + `"}}`
			decoded, err := event.Decode([]byte(raw))
			require.NoError(t, err)

			env, err := f.broker.Ingest(event.Ingress{ConnectionID: "c", Key: tt.key, Raw: decoded})
			assert.Nil(t, env)
			assert.ErrorIs(t, err, ErrUnauthorized)

			unauthorized := f.of(event.TypeUnauthorized)
			require.Len(t, unauthorized, 1)
			assert.Equal(t, tt.reason.String(), unauthorized[0].(event.Unauthorized).Reason)
			assert.Empty(t, f.of(event.TypeReceived))
		})
	}
}

func TestIngestReturnsRejection(t *testing.T) {
	f := newFixture(t)
	decoded, err := event.Decode([]byte(`[1]`))
	require.NoError(t, err)

	_, err = f.broker.Ingest(event.Ingress{Raw: decoded})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSubscriberFaultIsIsolated(t *testing.T) {
	f := newFixture(t)

	var after int
	_, err := f.bus.Subscribe("cart:itemAdded", func(string, interface{}) error {
		return errors.New("printer offline")
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe("cart:itemAdded", func(string, interface{}) error {
		panic("cart module crashed")
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe("cart:itemAdded", func(string, interface{}) error {
		after++
		return nil
	})
	require.NoError(t, err)

	f.ingest(t, "secret-1", itemAdded)

	assert.Equal(t, 1, after)
	assert.Len(t, f.of(event.TypeDistributed), 1)

	faults := f.of(event.TypeSubscriberError)
	require.Len(t, faults, 2)
	first := faults[0].(event.SubscriberFault)
	assert.Equal(t, "evt-1", first.EventID)
	assert.Equal(t, "cart:itemAdded", first.EventType)
	assert.Contains(t, first.Error, "printer offline")
	assert.Contains(t, faults[1].(event.SubscriberFault).Error, "cart module crashed")

	assert.Equal(t, uint64(2), f.broker.Stats().SubscriberFaults)
}

func TestIngressPayloadTypes(t *testing.T) {
	f := newFixture(t)
	decoded, err := event.Decode([]byte(itemAdded))
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(event.TypeIngress, &event.Ingress{Key: "secret-1", Raw: decoded}))
	assert.Len(t, f.of(event.TypeReceived), 1)

	err = f.bus.Publish(event.TypeIngress, "not an ingress")
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.broker.Start())
	assert.Equal(t, 1, f.bus.SubscriberCount(event.TypeIngress))

	f.broker.Stop()
	assert.Equal(t, 0, f.bus.SubscriberCount(event.TypeIngress))
}

func TestReservedTypesAreRejected(t *testing.T) {
	for _, reserved := range []string{event.TypeReceived, event.TypeRejected, event.TypeDistributed, event.TypeSend, event.TypeRevoked} {
		t.Run(reserved, func(t *testing.T) {
			f := newFixture(t)
			f.ingest(t, "secret-1", `{
				"meta": {"id": "evt-spoof", "timestamp": "2025-03-01T12:30:45Z", "type": "`+reserved+`", "origin": "term-1", "priority": 1},
				"payload": {}, "context": {"deviceId": "term-1"}
			}`)

			// Only the broker's own rejection is seen; nothing is republished
			assert.Equal(t, []string{event.TypeRejected}, f.types())

			diag := f.of(event.TypeRejected)[0].(event.Rejection)
			assert.Equal(t, "meta.type", diag.Field)
			assert.Equal(t, "reserved namespace", diag.Reason)
			assert.Equal(t, uint64(0), f.broker.Stats().Published)
		})
	}
}

func TestAcceptedHook(t *testing.T) {
	f := newFixture(t)
	decoded, err := event.Decode([]byte(itemAdded))
	require.NoError(t, err)

	var accepted []string
	hook := func(env *event.Envelope) {
		// Runs before anything is distributed
		assert.Empty(t, f.of(event.TypeReceived))
		accepted = append(accepted, env.Context.DeviceID)
	}

	_, err = f.broker.Ingest(event.Ingress{Key: "secret-1", Raw: decoded, Accepted: hook})
	require.NoError(t, err)
	assert.Equal(t, []string{"term-1"}, accepted)

	_, err = f.broker.Ingest(event.Ingress{Key: "guess", Raw: decoded, Accepted: hook})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Len(t, accepted, 1)
}
