package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/nexus/api", cfg.Server.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.Chat.TypingIdle)
	assert.Equal(t, 400*time.Millisecond, cfg.Chat.SearchDebounce)
	assert.Equal(t, 54*time.Second, cfg.Transport.PingPeriod)
	assert.True(t, cfg.Transport.Reconnect)
	assert.Equal(t, 2, cfg.Auth.MaxForbidden)
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_HOST", "chat.example.com")
	path := writeConfig(t, `
server:
  base_url: https://${TEST_CHAT_HOST}/nexus/api
  ws_url: wss://${TEST_CHAT_HOST}/nexus/ws/websocket
database:
  driver: sqlite
  url: /tmp/chat.db
chat:
  page_size: 20
  typing_idle: 2s
transport:
  reconnect: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com/nexus/api", cfg.Server.BaseURL)
	assert.Equal(t, "wss://chat.example.com/nexus/ws/websocket", cfg.Server.WebSocketURL)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Chat.PageSize)
	assert.Equal(t, 2*time.Second, cfg.Chat.TypingIdle)
	assert.False(t, cfg.Transport.Reconnect)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Chat.PendingTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "chat:\n  page_size: 20\n")
	t.Setenv("CHAT_PAGE_SIZE", "35")
	t.Setenv("CHAT_TYPING_IDLE", "1750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 35, cfg.Chat.PageSize)
	assert.Equal(t, 1750*time.Millisecond, cfg.Chat.TypingIdle)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad duration", body: "chat:\n  typing_idle: soon\n"},
		{name: "sqlite without url", body: "database:\n  driver: sqlite\n"},
		{name: "unknown driver", body: "database:\n  driver: mongo\n"},
		{name: "ping not shorter than pong", body: "transport:\n  ping_period: 60s\n  pong_wait: 60s\n"},
		{name: "bad int env", env: map[string]string{"CHAT_PAGE_SIZE": "many"}},
		{name: "zero forbidden threshold", body: "auth:\n  max_forbidden: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}
