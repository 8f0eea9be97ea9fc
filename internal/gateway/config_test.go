package gateway

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"posgate/internal/storage"
)

func TestDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, ":8090", config.Server.Gateway.Address)
	assert.Equal(t, "/ws", config.Server.Gateway.Path)
	assert.Equal(t, ":8091", config.Server.API.Address)
	assert.Equal(t, storage.DriverFile, config.Storage.Driver)
	assert.Equal(t, "devices.json", config.Registry.Document)
	assert.Equal(t, 0, config.Security.DisconnectAfterFailures)
	assert.Equal(t, 30*time.Second, config.GetPingInterval())
	assert.Equal(t, 60*time.Second, config.GetPongTimeout())
	assert.Equal(t, 15*time.Second, config.GetAPITimeout())
	assert.Equal(t, ".", config.StorageLocation())
	assert.True(t, config.UsesDefaultSecret())
}

func TestParseConfig(t *testing.T) {
	t.Run("partial document gets defaults", func(t *testing.T) {
		config, err := ParseConfig([]byte(`
server:
  gateway:
    address: ":9000"
    broadcast_types: ["cart:*", "orders:created"]
storage:
  driver: sqlite
  path: /var/lib/posgate/docs.db
security:
  disconnect_after_failures: 3
`))
		require.NoError(t, err)
		assert.Equal(t, ":9000", config.Server.Gateway.Address)
		assert.Equal(t, int64(65536), config.Server.Gateway.MaxMessageSize)
		assert.Equal(t, []string{"cart:*", "orders:created"}, config.Server.Gateway.BroadcastTypes)
		assert.Equal(t, "/var/lib/posgate/docs.db", config.StorageLocation())
		assert.True(t, config.UsesDefaultSecret())

		opts := config.ServerOptions()
		assert.Equal(t, 3, opts.DisconnectAfterFailures)
		assert.Equal(t, 1024, opts.FailureCacheSize)
		assert.Equal(t, 256, opts.SendBuffer)
	})

	t.Run("configured secret", func(t *testing.T) {
		config, err := ParseConfig([]byte("security:\n  jwt:\n    secret_key: 0123456789abcdef0123456789abcdef\n"))
		require.NoError(t, err)
		assert.False(t, config.UsesDefaultSecret())
	})

	invalid := []struct {
		name string
		yaml string
	}{
		{"bad duration", "server:\n  gateway:\n    ping_interval: soon\n"},
		{"pong shorter than ping", "server:\n  gateway:\n    ping_interval: 30s\n    pong_timeout: 10s\n"},
		{"bad path", "server:\n  gateway:\n    path: ws\n"},
		{"unknown driver", "storage:\n  driver: redis\n"},
		{"short secret", "security:\n  jwt:\n    secret_key: short\n"},
		{"negative failures", "security:\n  disconnect_after_failures: -1\n"},
		{"bad level", "logging:\n  level: verbose\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"bad broadcast type", "server:\n  gateway:\n    broadcast_types: [cart]\n"},
		{"malformed yaml", "server: [\n"},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "posgate.yml")

	config := NewDefaultConfig()
	config.Security.DisconnectAfterFailures = 5
	config.Tap.Enabled = true
	require.NoError(t, SaveConfig(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Security.DisconnectAfterFailures)
	assert.True(t, loaded.Tap.Enabled)
	assert.Equal(t, "tcp://*:5556", loaded.Tap.Address)

	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	fromStore, err := LoadConfigFromStore(store, "posgate.yml")
	require.NoError(t, err)
	assert.Equal(t, loaded, fromStore)

	_, err = LoadConfigFromStore(store, "missing.yml")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
