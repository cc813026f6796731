// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package config

import (
	"strings"
	"time"

	kvm "github.com/tenthirtyam/go-kvm"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced with defaults and explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applySessionDefaults(&cfg.Session)
	applyMetricsDefaults(&cfg.Metrics)
	applyRelayDefaults(&cfg.Relay)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = kvm.DefaultConnectTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = kvm.DefaultIdleTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = kvm.DefaultMaxBufferSize
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyRelayDefaults(cfg *RelayConfig) {
	if cfg.MTU == 0 {
		cfg.MTU = 1200
	}
}

// GetDefaultConfig returns a Config with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// SessionOptions translates the appliance, session and media sections into
// session options for role.
func (c *Config) SessionOptions(role kvm.Role) []kvm.SessionOption {
	opts := []kvm.SessionOption{
		kvm.WithRole(role),
		kvm.WithChannel(c.Appliance.Channel),
		kvm.WithConnectTimeout(c.Session.ConnectTimeout),
		kvm.WithIdleTimeout(c.Session.IdleTimeout),
		kvm.WithWriteTimeout(c.Session.WriteTimeout),
		kvm.WithMaxBufferSize(c.Session.MaxBufferSize),
	}
	if c.Appliance.Account != "" || c.Appliance.Password != "" {
		opts = append(opts, kvm.WithCredentials(c.Appliance.Account, c.Appliance.Password))
	}
	if role == kvm.RoleVM && c.Media.Path != "" {
		opts = append(opts, kvm.WithMedia(kvm.NewMediaDescriptor(c.Media.Path, c.Media.Writable)))
	}
	return opts
}
