package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.Relay.Backend)
	assert.Equal(t, time.Second, cfg.Relay.PublishWindow)
	assert.Equal(t, 10*time.Second, cfg.Voice.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Voice.StaleAfter())
	assert.Equal(t, 100*time.Millisecond, cfg.Voice.PollInterval)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := `
port: 9000
relay:
  backend: redis
  redis_addr: redis:6379
turn_servers:
  - urls: ["turn:turn.example.com:3478"]
    username: voice
    credential: secret
voice:
  heartbeat_interval: 5s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("VOICELINK_STORE_BACKEND", "postgres")

	cfg, err := LoadWith(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "redis", cfg.Relay.Backend)
	assert.Equal(t, "redis:6379", cfg.Relay.RedisAddr)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Voice.HeartbeatInterval)

	servers := cfg.WebRTCServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "voice", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
}
