package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettings(t *testing.T) {
	path := writeSettings(t, `
meteor_url: ws://localhost:3000/websocket
mongo_url: mongodb://localhost:27017/meteor
router_url: localhost:4000
polling_interval_ms: 2000
subscription_rerun_interval_ms: 30000
ignored_key: whatever
`)

	settings, err := LoadSettings(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.MeteorUrl, "ws://localhost:3000/websocket")
	assert.Equal(t, settings.MongoUrl, "mongodb://localhost:27017/meteor")
	assert.Equal(t, settings.RouterUrl, "localhost:4000")
	assert.Equal(t, settings.PollingIntervalMs, int64(2000))
	assert.Equal(t, settings.SubscriptionRerunIntervalMs, int64(30000))
}

func TestLoadSettingsDefaults(t *testing.T) {
	path := writeSettings(t, `
meteor_url: ws://localhost:3000/websocket
mongo_url: mongodb://localhost:27017/meteor
router_url: localhost:4000
`)

	settings, err := LoadSettings(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.PollingIntervalMs, int64(10_000))
	assert.Equal(t, settings.SubscriptionRerunIntervalMs, int64(0))
}

func TestLoadSettingsMissingRequired(t *testing.T) {
	path := writeSettings(t, `
meteor_url: ws://localhost:3000/websocket
router_url: localhost:4000
`)

	if _, err := LoadSettings(path); err == nil {
		t.Errorf("missing mongo_url accepted but shouldn't be")
	}
}

func TestLoadSettingsEnvironmentOverride(t *testing.T) {
	path := writeSettings(t, `
meteor_url: ws://localhost:3000/websocket
mongo_url: mongodb://localhost:27017/meteor
router_url: localhost:4000
`)

	t.Setenv("ROUTER_URL", "localhost:5000")
	settings, err := LoadSettings(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.RouterUrl, "localhost:5000")
}

func TestSessionSettingsFromSettings(t *testing.T) {
	settings := &Settings{PollingIntervalMs: 2000, SubscriptionRerunIntervalMs: 500}
	sessionSettings := settings.SessionSettings()
	assert.Equal(t, sessionSettings.PollingInterval.Milliseconds(), int64(2000))
	assert.Equal(t, sessionSettings.RerunInterval.Milliseconds(), int64(500))
}
