// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Writes temp YAML files and asserts on parsed values and errors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadComplete(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws/master
auth:
  email: user@example.com
  password: hunter2
history:
  enabled: true
  path: /tmp/history.db
artifacts:
  dir: /tmp/artifacts
persistence:
  timeout: 5s
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api", cfg.Backend.APIURL)
	assert.Equal(t, "wss://example.com/ws/master", cfg.Backend.StreamURL)
	assert.Equal(t, "user@example.com", cfg.Auth.Email)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Persistence.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_CHAT_PASSWORD", "secret-from-env")
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws
auth:
  email: user@example.com
  password: ${TEST_CHAT_PASSWORD}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Auth.Password)
}

func TestLoadUnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws
auth:
  token: t
  password: ${DEFINITELY_NOT_SET_VAR_12345}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.Password)
}

func TestLoadStaticTokenSatisfiesAuth(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws
auth:
  token: opaque-token
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", cfg.Auth.Token)
}

func TestValidateMissingBackend(t *testing.T) {
	path := writeConfig(t, `
auth:
  token: t
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.api_url")
}

func TestValidateMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws
auth:
  email: user@example.com
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email/password")
}

func TestValidateHistoryNeedsPath(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws
auth:
  token: t
history:
  enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.path")
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_url: https://example.com/api
  stream_url: wss://example.com/ws
auth:
  token: t
persistence:
  timeout: soon
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
