package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_VALUE", "from-env")

	v, err := Load(t.TempDir(), "does-not-exist")
	require.NoError(t, err)
	require.NoError(t, v.BindEnv("relay.test_value", "RELAY_TEST_VALUE"))
	assert.Equal(t, "from-env", v.GetString("relay.test_value"))
}

func TestLoad_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	body := []byte("server:\n  port: 9191\nrelay:\n  presence_grace: 3s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), body, 0o600))

	v, err := Load(dir, "relay")
	require.NoError(t, err)
	assert.Equal(t, 9191, v.GetInt("server.port"))
	assert.Equal(t, 3*time.Second, Duration(v, "relay.presence_grace", time.Second))
}

func TestDuration(t *testing.T) {
	v, err := Load(t.TempDir(), "none")
	require.NoError(t, err)

	v.Set("a", "250ms")
	v.Set("b", 1500)
	v.Set("c", "garbage")

	assert.Equal(t, 250*time.Millisecond, Duration(v, "a", time.Second))
	assert.Equal(t, 1500*time.Millisecond, Duration(v, "b", time.Second))
	assert.Equal(t, time.Second, Duration(v, "c", time.Second))
	assert.Equal(t, 4*time.Second, Duration(v, "missing", 4*time.Second))
}

func TestGetEnv(t *testing.T) {
	t.Setenv("RELAY_GETENV", "x")
	assert.Equal(t, "x", GetEnv("RELAY_GETENV", "d"))
	assert.Equal(t, "d", GetEnv("RELAY_GETENV_UNSET", "d"))
}
