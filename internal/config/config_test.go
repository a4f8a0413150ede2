package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
settings:
  username: admin
  password: secret
devices:
  - com_port: /dev/ttyUSB0
webhooks: []
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Settings.ServerHost)
	assert.Equal(t, 8080, cfg.Settings.ServerPort)
	assert.Equal(t, 10, cfg.Settings.WebhooksMaxConcurrent)
	assert.Equal(t, "SM", cfg.Settings.SmsStorage)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, 115200, cfg.Devices[0].BaudRate)
	assert.Equal(t, "SM", cfg.Devices[0].SmsStorage)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("GATEWAY_PASSWORD", "from-env")
	path := writeConfig(t, `
settings:
  username: admin
  password: ${GATEWAY_PASSWORD}
devices:
  - com_port: /dev/ttyUSB0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Settings.Password)
}

func TestLoadRejectsMissingDevices(t *testing.T) {
	path := writeConfig(t, `
settings:
  username: admin
  password: secret
devices: []
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvertedWebhookWindow(t *testing.T) {
	path := writeConfig(t, `
settings:
  username: admin
  password: secret
devices:
  - com_port: /dev/ttyUSB0
webhooks:
  - url: "https://example.com/hook"
    body: '{"from":"@contact@"}'
    time_filter:
      start_time: "18:00"
      end_time: "08:00"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonHTTPWebhookURL(t *testing.T) {
	path := writeConfig(t, `
settings:
  username: admin
  password: secret
devices:
  - com_port: /dev/ttyUSB0
webhooks:
  - url: "ftp://example.com/hook"
    body: '{"from":"@contact@"}'
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidMessageFilterRegex(t *testing.T) {
	path := writeConfig(t, `
settings:
  username: admin
  password: secret
devices:
  - com_port: /dev/ttyUSB0
webhooks:
  - url: "https://example.com/hook"
    body: '{"from":"@contact@"}'
    message_filter:
      regex: "("
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
