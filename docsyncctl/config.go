package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/docsync/docsync"
)

// EditConfig is the optional yaml file for `docsyncctl edit`.
// Unset fields keep the coordinator defaults. Durations are strings like "50ms".
type EditConfig struct {
	RelayUrl             string         `yaml:"relay_url,omitempty"`
	Name                 string         `yaml:"name,omitempty"`
	BroadcastThrottle    *time.Duration `yaml:"broadcast_throttle,omitempty"`
	AutoReconnect        *bool          `yaml:"auto_reconnect,omitempty"`
	MaxReconnectAttempts *int           `yaml:"max_reconnect_attempts,omitempty"`
	ReconnectDelay       *time.Duration `yaml:"reconnect_delay,omitempty"`
	MaxReconnectDelay    *time.Duration `yaml:"max_reconnect_delay,omitempty"`
	Presence             *bool          `yaml:"presence,omitempty"`
}

func LoadEditConfig(path string) (*EditConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseEditConfig(data)
}

func ParseEditConfig(data []byte) (*EditConfig, error) {
	var config EditConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &config, nil
}

func (self *EditConfig) Apply(settings *docsync.CoordinatorSettings) {
	if self.BroadcastThrottle != nil {
		settings.BroadcastThrottle = *self.BroadcastThrottle
	}
	if self.AutoReconnect != nil {
		settings.AutoReconnect = *self.AutoReconnect
	}
	if self.MaxReconnectAttempts != nil {
		settings.MaxReconnectAttempts = *self.MaxReconnectAttempts
	}
	if self.ReconnectDelay != nil {
		settings.ReconnectDelay = *self.ReconnectDelay
	}
	if self.MaxReconnectDelay != nil {
		settings.MaxReconnectDelay = *self.MaxReconnectDelay
	}
}

// presence is on unless the config turns it off
func (self *EditConfig) PresenceEnabled() bool {
	return self.Presence == nil || *self.Presence
}
