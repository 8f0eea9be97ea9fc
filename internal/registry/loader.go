package registry

import (
	"fmt"

	"github.com/rs/zerolog"
	"posgate/internal/event"
	"posgate/internal/storage"
)

// Publisher is the subset of the bus the loader needs
type Publisher interface {
	Publish(eventType string, data interface{}) error
}

// Loader refreshes a registry from a named document in the store
type Loader struct {
	registry *Registry
	store    storage.DocumentReader
	document string
	bus      Publisher
	logger   zerolog.Logger
}

// NewLoader creates a loader for document. bus may be nil.
func NewLoader(reg *Registry, store storage.DocumentReader, document string, bus Publisher, log zerolog.Logger) *Loader {
	return &Loader{
		registry: reg,
		store:    store,
		document: document,
		bus:      bus,
		logger:   log,
	}
}

// Document returns the name of the document the loader reads
func (l *Loader) Document() string {
	return l.document
}

// Reload reads the document and replaces the registry table. On any failure
// the previous table stays in effect.
func (l *Loader) Reload() error {
	err := l.reload()
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("document", l.document).
			Int("devices", l.registry.Len()).
			Msg("Registry load failed, keeping previous device table")
		l.publish(event.TypeRegistryLoadFailed, event.RegistryLoadFailed{
			Source: l.document,
			Error:  err.Error(),
		})
		return err
	}

	l.logger.Info().
		Str("document", l.document).
		Int("devices", l.registry.Len()).
		Msg("Device registry loaded")
	l.publish(event.TypeRegistryLoaded, event.RegistryLoaded{
		Source:  l.document,
		Devices: l.registry.Len(),
	})
	return nil
}

func (l *Loader) reload() error {
	body, err := l.store.ReadDocument(l.document)
	if err != nil {
		return fmt.Errorf("failed to read device list: %w", err)
	}
	if err := l.registry.LoadDocument([]byte(body)); err != nil {
		return fmt.Errorf("failed to load device list: %w", err)
	}
	return nil
}

func (l *Loader) publish(eventType string, data interface{}) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(eventType, data); err != nil {
		l.logger.Warn().Err(err).Str("event_type", eventType).Msg("Registry event subscriber failed")
	}
}
