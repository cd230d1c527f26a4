package main

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["join"])
	assert.True(t, names["demo"])

	join, _, err := root.Find([]string{"join"})
	require.NoError(t, err)
	for flag := range joinFlags {
		assert.NotNil(t, join.Flags().Lookup(flag), flag)
	}
}

func TestWSURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/api/ws/relay",
		"https://voice.example/":  "wss://voice.example/api/ws/relay",
		"ws://already.example:80": "ws://already.example:80/api/ws/relay",
	}
	for in, want := range tests {
		assert.Equal(t, want, wsURL(in))
	}
}

func TestJoinDefaultsReplaceMemoryBackends(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantRelay string
		wantStore string
	}{
		{"defaults", nil, "ws", "postgres"},
		{"explicit memory store", []string{"--store", "memory"}, "ws", "memory"},
		{"explicit memory relay", []string{"--relay", "memory"}, "memory", "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := buildJoinCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))
			cfg := &config.Config{
				Relay: config.Relay{Backend: "memory"},
				Store: config.Store{Backend: "memory"},
			}
			joinDefaults(cfg, cmd)
			assert.Equal(t, tt.wantRelay, cfg.Relay.Backend)
			assert.Equal(t, tt.wantStore, cfg.Store.Backend)
		})
	}
}

func TestJoinRefusesMemoryStore(t *testing.T) {
	cfg := &config.Config{Store: config.Store{Backend: "memory"}}
	_, _, err := openStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "--store postgres")
}

func TestDemoRejectsSinglePeer(t *testing.T) {
	err := runDemo(context.Background(), 1, "lobby", 0)
	assert.Error(t, err)
}

func TestDemoMesh(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	require.NoError(t, runDemo(context.Background(), 3, "lobby", 30*time.Second))
}
