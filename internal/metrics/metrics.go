// Package metrics exposes Prometheus counters derived from bus traffic.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"posgate/internal/bus"
	"posgate/internal/event"
)

const namespace = "posgate"

// knownModules are the event modules reported under their own label.
// Device-chosen modules fold into "other".
var knownModules = map[string]bool{
	"broker":   true,
	"gateway":  true,
	"registry": true,
	"system":   true,
	"device":   true,
}

// Subscriber registers bus handlers
type Subscriber interface {
	Subscribe(eventType string, handler bus.Handler) (bus.Subscription, error)
	Unsubscribe(sub bus.Subscription)
}

// Collector observes the bus and maintains Prometheus metrics
type Collector struct {
	registry *prometheus.Registry
	sub      bus.Subscription
	bus      Subscriber

	events           *prometheus.CounterVec // by module
	ingress          prometheus.Counter
	rejected         *prometheus.CounterVec // by field
	unauthorized     *prometheus.CounterVec // by reason
	received         prometheus.Counter
	distributed      prometheus.Counter
	subscriberErrors *prometheus.CounterVec // by module
	revocations      prometheus.Counter
	connectionErrors prometheus.Counter
	closed           *prometheus.CounterVec // by reason
	envelopeAge      prometheus.Histogram
}

// New creates a collector with its own registry. connections, when set,
// backs the live connection gauge.
func New(connections func() int) (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Total number of events published on the bus",
		}, []string{"module"}),

		ingress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "ingress_total",
			Help:      "Total number of raw device messages handed to the broker",
		}),

		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "rejected_total",
			Help:      "Total number of messages that failed structural validation",
		}, []string{"field"}),

		unauthorized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "unauthorized_total",
			Help:      "Total number of messages from unauthorized devices",
		}, []string{"reason"}),

		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "received_total",
			Help:      "Total number of accepted envelopes",
		}),

		distributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "distributed_total",
			Help:      "Total number of envelopes fanned out to subscribers",
		}),

		subscriberErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscriber_errors_total",
			Help:      "Total number of subscriber failures during distribution",
		}, []string{"module"}),

		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "revocations_total",
			Help:      "Total number of connections closed by revocation",
		}),

		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connection_errors_total",
			Help:      "Total number of transport errors on device connections",
		}),

		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_closed_total",
			Help:      "Total number of closed device connections",
		}, []string{"reason"}),

		envelopeAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "envelope_age_seconds",
			Help:      "Age of accepted envelopes relative to their meta timestamp",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}

	collectors := []prometheus.Collector{
		c.events, c.ingress, c.rejected, c.unauthorized, c.received, c.distributed,
		c.subscriberErrors, c.revocations, c.connectionErrors, c.closed, c.envelopeAge,
	}
	if connections != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Current number of open device connections",
		}, func() float64 { return float64(connections()) }))
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// Attach subscribes the collector to every bus event
func (c *Collector) Attach(b Subscriber) error {
	sub, err := b.Subscribe(bus.Wildcard, c.observe)
	if err != nil {
		return fmt.Errorf("failed to attach metrics collector: %w", err)
	}
	c.bus = b
	c.sub = sub
	return nil
}

// Detach removes the bus subscription
func (c *Collector) Detach() {
	if c.bus != nil {
		c.bus.Unsubscribe(c.sub)
		c.bus = nil
	}
}

// Registry returns the Prometheus registry holding the metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) observe(eventType string, data interface{}) error {
	if _, _, err := event.ParseType(eventType); err == nil {
		c.events.WithLabelValues(moduleLabel(eventType)).Inc()
	}

	switch eventType {
	case event.TypeIngress:
		c.ingress.Inc()
	case event.TypeRejected:
		if r, ok := data.(event.Rejection); ok {
			c.rejected.WithLabelValues(r.Field).Inc()
		}
	case event.TypeUnauthorized:
		if u, ok := data.(event.Unauthorized); ok {
			c.unauthorized.WithLabelValues(u.Reason).Inc()
		}
	case event.TypeReceived:
		c.received.Inc()
		if env, ok := data.(*event.Envelope); ok && !env.Meta.Timestamp.IsZero() {
			if age := time.Since(env.Meta.Timestamp); age >= 0 {
				c.envelopeAge.Observe(age.Seconds())
			}
		}
	case event.TypeDistributed:
		c.distributed.Inc()
	case event.TypeSubscriberError:
		if f, ok := data.(event.SubscriberFault); ok {
			c.subscriberErrors.WithLabelValues(moduleLabel(f.EventType)).Inc()
		}
	case event.TypeRevocationApplied:
		c.revocations.Inc()
	case event.TypeConnectionError:
		c.connectionErrors.Inc()
	case event.TypeConnectionClosed:
		if cl, ok := data.(event.ConnectionClosed); ok {
			c.closed.WithLabelValues(closeLabel(cl.Reason)).Inc()
		}
	}
	return nil
}

// closeLabel keeps the reason label bounded
func closeLabel(reason string) string {
	switch reason {
	case event.RevokedBySystem, "disconnected", "server shutting down", "too many authorization failures":
		return reason
	default:
		return "error"
	}
}

func moduleLabel(eventType string) string {
	module, _, err := event.ParseType(eventType)
	if err == nil && knownModules[module] {
		return module
	}
	return "other"
}
