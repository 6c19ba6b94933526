package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/idgen"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir(), "missing")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Relay.AuthTimeout)
	assert.Equal(t, 10*time.Second, cfg.Relay.PresenceGrace)
	assert.Equal(t, 4*time.Second, cfg.Relay.TypingTTL)
	assert.Equal(t, 256, cfg.WebSocket.SendBuffer)
	assert.Equal(t, hub.OverflowDropOldest, cfg.WebSocket.Overflow)
	assert.Equal(t, float64(20), cfg.WebSocket.RateLimit)
	assert.Equal(t, 40, cfg.WebSocket.RateBurst)
	assert.Equal(t, pubsub.DriverNone, cfg.Bus.Driver)
	assert.Equal(t, idgen.KindULID, cfg.IDs.Kind)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Bus.InstanceID)
	assert.Equal(t, "relay-"+cfg.Bus.InstanceID, cfg.Bus.Kafka.GroupID)
	assert.False(t, cfg.Watch(func(*Config) {}))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
relay:
  presence_grace: 2s
  typing_ttl: 1500
websocket:
  overflow: disconnect
bus:
  driver: redis
  instance_id: relay-1
  redis:
    address: redis:6379
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), body, 0o600))
	t.Setenv("RELAY_AUTH_TIMEOUT", "3s")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadFrom(dir, "relay")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Relay.PresenceGrace)
	assert.Equal(t, 1500*time.Millisecond, cfg.Relay.TypingTTL)
	assert.Equal(t, 3*time.Second, cfg.Relay.AuthTimeout)
	assert.Equal(t, hub.OverflowDisconnect, cfg.WebSocket.Overflow)
	assert.Equal(t, pubsub.DriverRedis, cfg.Bus.Driver)
	assert.Equal(t, "redis:6379", cfg.Bus.Redis.Address)
	assert.Equal(t, "relay-1", cfg.Bus.Options().InstanceID)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	cfg, err := LoadFrom(dir, "relay")
	require.NoError(t, err)

	reloads := make(chan *Config, 16)
	require.True(t, cfg.Watch(func(next *Config) {
		select {
		case reloads <- next:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	// A rewrite may surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case next := <-reloads:
			if next.Log.Level != "debug" {
				continue
			}
			assert.Equal(t, cfg.Bus.InstanceID, next.Bus.InstanceID)
			return
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
