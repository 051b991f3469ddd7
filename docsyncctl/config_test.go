package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/docsync/docsync"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yml")
	err := os.WriteFile(path, []byte(`
connection:
  connect_timeout: 5s
  request_timeout: 1m
  reconnect: false
  args:
    app: dashboard
  socket:
    ping_interval: 30s
server:
  addr: ":9000"
  secret_key: secret
`), 0600)
	assert.Equal(t, err, nil)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Server.Addr, ":9000")

	settings := docsync.DefaultConnectionSettings()
	config.Connection.Apply(settings)
	assert.Equal(t, settings.ConnectTimeout, 5*time.Second)
	assert.Equal(t, settings.RequestTimeout, time.Minute)
	// unset values keep the defaults
	assert.Equal(t, settings.ReconnectTimeout, docsync.DefaultConnectionSettings().ReconnectTimeout)
	assert.Equal(t, settings.Reconnect, false)
	assert.Equal(t, settings.Args, map[string]string{"app": "dashboard"})
	assert.Equal(t, settings.Socket.PingInterval, 30*time.Second)

	serverSettings := docsync.DefaultServerSettings()
	config.Server.Apply(serverSettings)
	assert.Equal(t, serverSettings.SecretKey, "secret")
	assert.Equal(t, serverSettings.ProtocolVersion, docsync.DefaultProtocolVersion)
}

func TestConfigBadDuration(t *testing.T) {
	_, err := ParseConfig([]byte(`
connection:
  connect_timeout: soon
`))
	assert.NotEqual(t, err, nil)
}
