package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"posgate/internal/bus"
	"posgate/internal/event"
)

func TestCollectorCountsBusTraffic(t *testing.T) {
	b := bus.New(0, zerolog.Nop())
	collector, err := New(func() int { return 3 })
	require.NoError(t, err)
	require.NoError(t, collector.Attach(b))
	defer collector.Detach()

	env, err := event.Build("cart:itemAdded", nil, "term-1", event.PriorityNormal, "term-1")
	require.NoError(t, err)
	env.Meta.Timestamp = time.Now().Add(-50 * time.Millisecond)

	publish := func(eventType string, data interface{}) {
		require.NoError(t, b.Publish(eventType, data))
	}
	publish(event.TypeIngress, event.Ingress{})
	publish(event.TypeIngress, event.Ingress{})
	publish(event.TypeRejected, event.Rejection{Field: "meta"})
	publish(event.TypeUnauthorized, event.Unauthorized{Reason: "key mismatch"})
	publish(event.TypeReceived, env)
	publish(env.Meta.Type, env)
	publish(event.TypeDistributed, event.Confirmation{EventID: env.Meta.ID})
	publish(event.TypeSubscriberError, event.SubscriberFault{EventType: "cart:itemAdded"})
	publish(event.TypeRevocationApplied, event.RevocationApplied{DeviceID: "term-1"})
	publish(event.TypeConnectionClosed, event.ConnectionClosed{Reason: event.RevokedBySystem})
	publish(event.TypeConnectionClosed, event.ConnectionClosed{Reason: "websocket: close 1006 (abnormal closure)"})

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.ingress))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.rejected.WithLabelValues("meta")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.unauthorized.WithLabelValues("key mismatch")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.received))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.distributed))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.subscriberErrors.WithLabelValues("other")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.revocations))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.closed.WithLabelValues(event.RevokedBySystem)))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.closed.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.events.WithLabelValues("other")))
	assert.Equal(t, float64(6), testutil.ToFloat64(collector.events.WithLabelValues("broker")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.envelopeAge))
}

func TestModuleLabelsStayBounded(t *testing.T) {
	b := bus.New(0, zerolog.Nop())
	collector, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, collector.Attach(b))
	defer collector.Detach()

	for i := 0; i < 50; i++ {
		eventType := fmt.Sprintf("module%d:action", i)
		require.NoError(t, b.Publish(eventType, nil))
		require.NoError(t, b.Publish(event.TypeSubscriberError, event.SubscriberFault{EventType: eventType}))
	}
	require.NoError(t, b.Publish(event.TypeRegistryLoaded, nil))

	assert.Equal(t, float64(50), testutil.ToFloat64(collector.events.WithLabelValues("other")))
	assert.Equal(t, float64(50), testutil.ToFloat64(collector.events.WithLabelValues("system")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.events.WithLabelValues("registry")))
	assert.Equal(t, 3, testutil.CollectAndCount(collector.events))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.subscriberErrors))

	assert.Equal(t, "other", moduleLabel("not-a-type"))
	assert.Equal(t, "device", moduleLabel(event.TypeRevoked))
}

func TestCollectorHandler(t *testing.T) {
	collector, err := New(func() int { return 7 })
	require.NoError(t, err)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "posgate_gateway_connections 7")
}

func TestDetachStopsCounting(t *testing.T) {
	b := bus.New(0, zerolog.Nop())
	collector, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, collector.Attach(b))

	collector.Detach()
	require.NoError(t, b.Publish(event.TypeIngress, event.Ingress{}))
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.ingress))
	assert.Equal(t, 0, b.SubscriberCount(bus.Wildcard))
}
