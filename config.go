package router

import (
	"fmt"

	"github.com/spf13/viper"
)

// Settings is the router configuration, loaded from a config file and/or
// the environment. Unknown keys are ignored; missing required keys fail
// startup.
type Settings struct {
	MeteorUrl                   string
	MongoUrl                    string
	RouterUrl                   string
	PollingIntervalMs           int64
	SubscriptionRerunIntervalMs int64
}

var settingsKeys = []string{
	"meteor_url",
	"mongo_url",
	"router_url",
	"polling_interval_ms",
	"subscription_rerun_interval_ms",
}

// LoadSettings reads the settings file at path, or searches for a `config`
// file in the working directory when path is empty. Environment variables
// (METEOR_URL, MONGO_URL, ...) override file values.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetDefault("polling_interval_ms", 10_000)
	v.SetDefault("subscription_rerun_interval_ms", 0)
	for _, key := range settingsKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound || path != "" {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		// No file is fine as long as the environment provides the keys.
	}

	settings := &Settings{
		MeteorUrl:                   v.GetString("meteor_url"),
		MongoUrl:                    v.GetString("mongo_url"),
		RouterUrl:                   v.GetString("router_url"),
		PollingIntervalMs:           v.GetInt64("polling_interval_ms"),
		SubscriptionRerunIntervalMs: v.GetInt64("subscription_rerun_interval_ms"),
	}

	for key, value := range map[string]string{
		"meteor_url": settings.MeteorUrl,
		"mongo_url":  settings.MongoUrl,
		"router_url": settings.RouterUrl,
	} {
		if value == "" {
			return nil, fmt.Errorf("missing required setting %s", key)
		}
	}
	if settings.PollingIntervalMs <= 0 {
		return nil, fmt.Errorf("polling_interval_ms must be positive")
	}
	if settings.SubscriptionRerunIntervalMs < 0 {
		return nil, fmt.Errorf("subscription_rerun_interval_ms must not be negative")
	}

	return settings, nil
}

// SessionSettings derives the per-session timing knobs.
func (self *Settings) SessionSettings() *SessionSettings {
	sessionSettings := DefaultSessionSettings()
	sessionSettings.PollingInterval = millisDuration(self.PollingIntervalMs)
	sessionSettings.RerunInterval = millisDuration(self.SubscriptionRerunIntervalMs)
	return sessionSettings
}
