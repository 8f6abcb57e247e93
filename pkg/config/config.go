// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads and validates the service configuration. Secrets and
// connection URIs can be overridden from the environment (a .env file is
// loaded first if present) so the YAML file can be committed without them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"

	"github.com/mergechat/chat-api/pkg/rooms"
)

type Config struct {
	Listen       string `yaml:"listen"`
	SharedSecret string `yaml:"shared_secret"`

	Homeserver struct {
		Domain string `yaml:"domain"`
	} `yaml:"homeserver"`

	Synapse dbutil.Config  `yaml:"synapse"`
	Bridges []BridgeConfig `yaml:"bridges"`

	Stream StreamConfig `yaml:"stream"`
	AMQP   AMQPConfig   `yaml:"amqp"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// FilterPresets maps preset name to per-source visibility rules. This is
	// the only section reloaded by the config watcher.
	FilterPresets map[string][]rooms.FilterRule `yaml:"filter_presets"`
}

// BridgeConfig is one bridge database. Slug selects the adapter; the rest is
// a regular database block.
type BridgeConfig struct {
	Slug     string        `yaml:"slug"`
	Database dbutil.Config `yaml:"database"`
}

// StreamConfig tunes the incremental sync poll. Durations are strings like
// "300ms"; zero values fall back to the stream package defaults.
type StreamConfig struct {
	PollInterval      string `yaml:"poll_interval"`
	BurstInterval     string `yaml:"burst_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	BatchSize         int    `yaml:"batch_size"`

	pollInterval      time.Duration
	burstInterval     time.Duration
	heartbeatInterval time.Duration
}

func (sc *StreamConfig) PollIntervalDuration() time.Duration      { return sc.pollInterval }
func (sc *StreamConfig) BurstIntervalDuration() time.Duration     { return sc.burstInterval }
func (sc *StreamConfig) HeartbeatIntervalDuration() time.Duration { return sc.heartbeatInterval }

// AMQPConfig enables mirroring mutation events to a topic exchange. Empty
// URL disables the fan-out entirely.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type umConfig Config

func (cfg *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(cfg))
	if err != nil {
		return err
	}
	return cfg.PostProcess()
}

func (cfg *Config) PostProcess() error {
	if cfg.Listen == "" {
		cfg.Listen = ":29330"
	}
	if cfg.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if cfg.Synapse.Type == "" {
		cfg.Synapse.Type = "postgres"
	}
	seen := make(map[string]bool, len(cfg.Bridges))
	for i := range cfg.Bridges {
		bridge := &cfg.Bridges[i]
		if bridge.Slug == "" {
			return fmt.Errorf("bridges[%d]: slug is required", i)
		}
		if seen[bridge.Slug] {
			return fmt.Errorf("bridges[%d]: duplicate slug %q", i, bridge.Slug)
		}
		seen[bridge.Slug] = true
		if bridge.Database.Type == "" {
			bridge.Database.Type = "postgres"
		}
	}
	if cfg.AMQP.URL != "" && cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = "chatapi.events"
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	return cfg.Stream.postProcess()
}

func (sc *StreamConfig) postProcess() error {
	var err error
	parse := func(name, value string) (time.Duration, error) {
		if value == "" {
			return 0, nil
		}
		d, perr := time.ParseDuration(value)
		if perr != nil {
			return 0, fmt.Errorf("stream.%s: %w", name, perr)
		}
		return d, nil
	}
	if sc.pollInterval, err = parse("poll_interval", sc.PollInterval); err != nil {
		return err
	}
	if sc.burstInterval, err = parse("burst_interval", sc.BurstInterval); err != nil {
		return err
	}
	sc.heartbeatInterval, err = parse("heartbeat_interval", sc.HeartbeatInterval)
	return err
}

// Load reads the config file, applies environment overrides and validates
// the result. A .env file in the working directory is loaded first when
// present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared_secret is required (config or CHATAPI_SHARED_SECRET)")
	}
	if cfg.Synapse.URI == "" {
		return nil, fmt.Errorf("synapse.uri is required (config or CHATAPI_SYNAPSE_URI)")
	}
	return &cfg, nil
}

func (cfg *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATAPI_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CHATAPI_SHARED_SECRET"); v != "" {
		cfg.SharedSecret = v
	}
	if v := os.Getenv("CHATAPI_SYNAPSE_URI"); v != "" {
		cfg.Synapse.URI = v
	}
	if v := os.Getenv("CHATAPI_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
}
