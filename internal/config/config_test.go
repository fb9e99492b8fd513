package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temp config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Complete(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
engine:
  url: "ws://localhost:9090/stream"
  handshake_timeout: "5s"
  idle_timeout: "90s"
database:
  path: "/tmp/solon.db"
session:
  ttl: "15m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "ws://localhost:9090/stream", cfg.Engine.URL)
	assert.Equal(t, 5*time.Second, cfg.Engine.HandshakeTimeout)
	assert.Equal(t, 90*time.Second, cfg.Engine.IdleTimeout)
	assert.Equal(t, "/tmp/solon.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_TimeoutDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
engine:
  url: "ws://localhost:9090/stream"
database:
  path: "/tmp/solon.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHandshakeTimeout, cfg.Engine.HandshakeTimeout)
	assert.Equal(t, DefaultIdleTimeout, cfg.Engine.IdleTimeout)
	assert.Equal(t, DefaultSessionTTL, cfg.Session.TTL)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SOLON_TEST_DB", "/data/fromenv.db")
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
engine:
  url: "ws://localhost:9090/stream"
database:
  path: "${SOLON_TEST_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/fromenv.db", cfg.Database.Path)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
engine:
  url: "ws://localhost:9090/stream"
database:
  path: "/tmp/solon.db"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing engine url",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/solon.db"
`,
			wantErr: "engine.url",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8080"
engine:
  url: "ws://localhost:9090/stream"
`,
			wantErr: "database.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
engine:
  url: "ws://localhost:9090/stream"
  idle_timeout: "soon"
database:
  path: "/tmp/solon.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
