package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"posgate/internal/event"
	"posgate/internal/storage"
)

const devicesDoc = `[
	{"id": "term-1", "key": "k1", "active": true, "role": "cashier"},
	{"id": "term-2", "key": "k2", "active": false},
	{"id": "printer-1", "key": "k3", "active": true, "role": null}
]`

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New()
	require.NoError(t, reg.LoadDocument([]byte(devicesDoc)))
	return reg
}

func TestAuthorize(t *testing.T) {
	reg := loadedRegistry(t)

	tests := []struct {
		name     string
		id       string
		key      string
		expected AuthResult
	}{
		{"valid active device", "term-1", "k1", AuthOK},
		{"wrong key", "term-1", "nope", AuthKeyMismatch},
		{"empty key", "term-1", "", AuthKeyMismatch},
		{"inactive device", "term-2", "k2", AuthInactive},
		{"unknown device", "ghost", "k1", AuthUnknownDevice},
		{"key is case sensitive", "printer-1", "K3", AuthKeyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, reg.Authorize(tt.id, tt.key))
			assert.Equal(t, tt.expected == AuthOK, reg.IsAuthorized(tt.id, tt.key))
		})
	}
}

func TestEmptyRegistryFailsClosed(t *testing.T) {
	reg := New()
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.IsAuthorized("term-1", "k1"))
	assert.False(t, reg.IsActive("term-1"))
	assert.Empty(t, reg.All())
}

func TestLoadIsAllOrNothing(t *testing.T) {
	reg := loadedRegistry(t)

	bad := []struct {
		name string
		doc  string
		want error
	}{
		{"duplicate id", `[{"id":"a","key":"x","active":true},{"id":"a","key":"y","active":true}]`, ErrDuplicateID},
		{"missing key", `[{"id":"a","key":"x","active":true},{"id":"b","active":true}]`, ErrInvalidRecord},
		{"empty id", `[{"id":"","key":"x","active":true}]`, ErrInvalidRecord},
		{"active not boolean", `[{"id":"a","key":"x","active":"yes"}]`, ErrInvalidRecord},
		{"role not string", `[{"id":"a","key":"x","active":true,"role":5}]`, ErrInvalidRecord},
		{"entry not object", `["a"]`, ErrInvalidRecord},
		{"not an array", `"devices"`, ErrInvalidRecord},
		{"object without devices", `{"terminals": []}`, ErrInvalidRecord},
		{"malformed", `[{"id":`, ErrInvalidRecord},
	}

	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.LoadDocument([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var lerr *LoadError
			assert.True(t, errors.As(err, &lerr))

			// Previous table untouched
			assert.Equal(t, 3, reg.Len())
			assert.True(t, reg.IsAuthorized("term-1", "k1"))
		})
	}
}

func TestLoadReplacesTable(t *testing.T) {
	reg := loadedRegistry(t)

	require.NoError(t, reg.LoadDocument([]byte(`{"devices": [{"id": "term-9", "key": "k9", "active": true}]}`)))
	assert.Equal(t, 1, reg.Len())
	assert.False(t, reg.IsAuthorized("term-1", "k1"))
	assert.True(t, reg.IsAuthorized("term-9", "k9"))

	// An empty list is valid and revokes everyone
	require.NoError(t, reg.LoadDocument([]byte(`[]`)))
	assert.False(t, reg.IsAuthorized("term-9", "k9"))
}

func TestSnapshotsAreCopies(t *testing.T) {
	reg := loadedRegistry(t)

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"printer-1", "term-1", "term-2"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "cashier", all[1].Role)

	all[1].Active = false
	all[1].Key = "changed"
	assert.True(t, reg.IsAuthorized("term-1", "k1"))

	rec, ok := reg.Get("term-2")
	require.True(t, ok)
	assert.False(t, rec.Active)
	_, ok = reg.Get("ghost")
	assert.False(t, ok)
}

func TestConcurrentReadsDuringReload(t *testing.T) {
	reg := New()
	setA := []byte(`[{"id":"a1","key":"x","active":true},{"id":"a2","key":"x","active":true}]`)
	setB := []byte(`[{"id":"b1","key":"y","active":true},{"id":"b2","key":"y","active":true},{"id":"b3","key":"y","active":true}]`)
	require.NoError(t, reg.LoadDocument(setA))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				_ = reg.LoadDocument(setB)
			} else {
				_ = reg.LoadDocument(setA)
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		// Every snapshot is one of the two complete tables
		all := reg.All()
		switch len(all) {
		case 2:
			assert.Equal(t, "a1", all[0].ID)
		case 3:
			assert.Equal(t, "b1", all[0].ID)
		default:
			t.Fatalf("observed partial table of %d records", len(all))
		}
	}
}

type recordingBus struct {
	events []string
	data   []interface{}
}

func (b *recordingBus) Publish(eventType string, data interface{}) error {
	b.events = append(b.events, eventType)
	b.data = append(b.data, data)
	return nil
}

func TestLoaderReload(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)

	reg := New()
	bus := &recordingBus{}
	loader := NewLoader(reg, store, "devices.json", bus, zerolog.Nop())

	t.Run("missing document keeps empty table", func(t *testing.T) {
		err := loader.Reload()
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, []string{event.TypeRegistryLoadFailed}, bus.events)
	})

	t.Run("valid document", func(t *testing.T) {
		require.NoError(t, store.PutDocument("devices.json", devicesDoc))
		require.NoError(t, loader.Reload())
		assert.Equal(t, 3, reg.Len())
		assert.Equal(t, event.TypeRegistryLoaded, bus.events[len(bus.events)-1])
		assert.Equal(t, event.RegistryLoaded{Source: "devices.json", Devices: 3}, bus.data[len(bus.data)-1])
	})

	t.Run("invalid document keeps previous table", func(t *testing.T) {
		require.NoError(t, store.PutDocument("devices.json", `[{"id":"x"}]`))
		err := loader.Reload()
		assert.ErrorIs(t, err, ErrInvalidRecord)
		assert.Equal(t, 3, reg.Len())
		assert.Equal(t, event.TypeRegistryLoadFailed, bus.events[len(bus.events)-1])
	})
}
