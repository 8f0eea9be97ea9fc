package broker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"posgate/internal/bus"
	"posgate/internal/event"
)

// Distributor fans a trusted envelope out to every subscriber of its type
type Distributor struct {
	bus     Bus
	logger  zerolog.Logger
	onFault func(n int)
}

// NewDistributor creates a distributor. onFault, when set, is told how many
// subscriber failures each delivery produced.
func NewDistributor(b Bus, log zerolog.Logger, onFault func(n int)) *Distributor {
	return &Distributor{
		bus:     b,
		logger:  log,
		onFault: onFault,
	}
}

// Distribute publishes env under its own type and then confirms the fan-out
// with broker:distributed. Subscriber failures are reported as
// system:subscriberError and never stop delivery. It returns the number of
// failed subscribers.
func (d *Distributor) Distribute(env *event.Envelope) int {
	faults := 0
	if err := d.bus.Publish(env.Meta.Type, env); err != nil {
		faults += d.reportFaults(env, env.Meta.Type, err)
	}

	confirmation := event.Confirmation{
		EventID:       env.Meta.ID,
		Type:          env.Meta.Type,
		Origin:        env.Meta.Origin,
		DistributedAt: time.Now().UTC(),
	}
	if err := d.bus.Publish(event.TypeDistributed, confirmation); err != nil {
		faults += d.reportFaults(env, event.TypeDistributed, err)
	}

	d.logger.Debug().
		Str("event_id", env.Meta.ID).
		Str("event_type", env.Meta.Type).
		Int("faults", faults).
		Msg("Envelope distributed")

	return faults
}

func (d *Distributor) reportFaults(env *event.Envelope, eventType string, err error) int {
	faults := collectFaults(err)

	for _, fault := range faults {
		d.logger.Error().
			Str("event_id", env.Meta.ID).
			Str("event_type", eventType).
			Err(fault).
			Msg("Subscriber failed during distribution")

		perr := d.bus.Publish(event.TypeSubscriberError, event.SubscriberFault{
			EventID:   env.Meta.ID,
			EventType: eventType,
			Error:     fault.Error(),
		})
		if perr != nil {
			// Not reported again to avoid a feedback loop
			d.logger.Error().Err(perr).Msg("Subscriber error handler failed")
		}
	}

	if d.onFault != nil {
		d.onFault(len(faults))
	}
	return len(faults)
}

// collectFaults flattens the joined error returned by the bus
func collectFaults(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var faults []error
		for _, e := range joined.Unwrap() {
			faults = append(faults, collectFaults(e)...)
		}
		return faults
	}
	var serr *bus.SubscriberError
	if errors.As(err, &serr) {
		return []error{serr}
	}
	return []error{err}
}
