package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/docsync/docsync"
)

func TestEditConfigApply(t *testing.T) {
	config, err := ParseEditConfig([]byte(`
relay_url: ws://relay.local:9000/
name: ann
broadcast_throttle: 50ms
auto_reconnect: false
max_reconnect_delay: 10s
presence: false
`))
	assert.Equal(t, err, nil)
	assert.Equal(t, "ws://relay.local:9000/", config.RelayUrl)
	assert.Equal(t, "ann", config.Name)
	assert.Equal(t, false, config.PresenceEnabled())

	settings := docsync.DefaultCoordinatorSettings()
	config.Apply(settings)
	assert.Equal(t, 50*time.Millisecond, settings.BroadcastThrottle)
	assert.Equal(t, false, settings.AutoReconnect)
	assert.Equal(t, 10*time.Second, settings.MaxReconnectDelay)
	// unset fields keep the defaults
	assert.Equal(t, 1*time.Second, settings.ReconnectDelay)
	assert.Equal(t, -1, settings.MaxReconnectAttempts)
}

func TestEditConfigEmpty(t *testing.T) {
	config, err := ParseEditConfig([]byte(""))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, config.PresenceEnabled())

	settings := docsync.DefaultCoordinatorSettings()
	config.Apply(settings)
	assert.Equal(t, docsync.DefaultCoordinatorSettings().MaxReconnectDelay, settings.MaxReconnectDelay)
	assert.Equal(t, true, settings.AutoReconnect)
}

func TestLoadEditConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edit.yaml")
	err := os.WriteFile(path, []byte("max_reconnect_attempts: 3\n"), 0o600)
	assert.Equal(t, err, nil)

	config, err := LoadEditConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, *config.MaxReconnectAttempts)

	_, err = LoadEditConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, err, nil)

	_, err = ParseEditConfig([]byte("broadcast_throttle: [1, 2]"))
	assert.NotEqual(t, err, nil)
}
