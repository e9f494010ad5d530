// Package config loads daemon and CLI configuration from the data
// directory, secrets.yaml and PICALA_* environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are settings taken from the environment. Set values win
// over config.yaml and secrets.yaml.
type EnvOverrides struct {
	Home        string `env:"PICALA_HOME"`
	Provider    string `env:"PICALA_PROVIDER"`
	SupabaseURL string `env:"PICALA_SUPABASE_URL"`
	AnonKey     string `env:"PICALA_SUPABASE_ANON_KEY"`
	LogLevel    string `env:"PICALA_LOG_LEVEL"`
	AMQPURL     string `env:"PICALA_AMQP_URL"`
	DaemonPort  int    `env:"PICALA_DAEMON_PORT"`
}

// LoadEnv reads the PICALA_* environment variables
func LoadEnv() (EnvOverrides, error) {
	var e EnvOverrides
	if err := env.Parse(&e); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Apply copies set values onto cfg
func (e EnvOverrides) Apply(cfg *LocalConfig) {
	if e.Provider != "" {
		cfg.Provider.Kind = e.Provider
	}
	if e.SupabaseURL != "" {
		cfg.Provider.URL = e.SupabaseURL
	}
	if e.AnonKey != "" {
		cfg.Provider.AnonKey = e.AnonKey
	}
	if e.LogLevel != "" {
		cfg.Daemon.LogLevel = e.LogLevel
	}
	if e.AMQPURL != "" {
		cfg.Events.AMQPURL = e.AMQPURL
	}
	if e.DaemonPort != 0 {
		cfg.Daemon.Port = e.DaemonPort
	}
}
