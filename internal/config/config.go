// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package config loads and validates Tagstream configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest precedence).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Tagstream service.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Readers   []ReaderConfig  `koanf:"readers" validate:"required,min=1,dive"`
	Zones     []ZoneConfig    `koanf:"zones" validate:"required,min=1,dive"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
	Connection ConnectionConfig `koanf:"connection"`
	Batching  BatchingConfig  `koanf:"batching"`
	Health    HealthConfig    `koanf:"health"`
	Estimator EstimatorConfig `koanf:"estimator"`
	Collision CollisionConfig `koanf:"collision"`
	Rules     RulesConfig     `koanf:"rules"`
	Store     StoreConfig     `koanf:"store"`
	Bus       BusConfig       `koanf:"bus"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// LoggingConfig mirrors logging.Config for the config file.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// TransportKind selects how a reader is reached.
type TransportKind string

const (
	// TransportTCP is a raw stream socket speaking newline-delimited JSON.
	TransportTCP TransportKind = "tcp"

	// TransportMQTT is a pub/sub broker with per-reader topics.
	TransportMQTT TransportKind = "mqtt"
)

// ReaderConfig describes one physical reader endpoint. Endpoints are
// created from configuration at startup and never deleted while active.
type ReaderConfig struct {
	// ID is the stable reader identity used across the whole pipeline.
	ID string `koanf:"id" validate:"required"`

	// Address is host:port for tcp transport; ignored for mqtt (the
	// broker address comes from the mqtt section).
	Address string `koanf:"address" validate:"required_if=Transport tcp"`

	Transport TransportKind `koanf:"transport" validate:"required,oneof=tcp mqtt"`

	// Zone is the zone this reader covers; must name a configured zone.
	Zone string `koanf:"zone" validate:"required"`

	AntennaCount int     `koanf:"antenna_count" validate:"min=1,max=32"`
	PowerDBm     float64 `koanf:"power_dbm" validate:"min=0,max=33"`
	Sensitivity  float64 `koanf:"sensitivity"`
}

// ZoneConfig describes one physical zone with its planar center, used by
// the location estimator for weighted centroids and distance/speed math.
type ZoneConfig struct {
	Name    string  `koanf:"name" validate:"required"`
	CenterX float64 `koanf:"center_x"`
	CenterY float64 `koanf:"center_y"`

	// Restricted marks the zone for the unauthorized-entry rule.
	Restricted bool `koanf:"restricted"`

	// Exit marks the zone as an exit/dispatch zone; movement into it is
	// classified as direction "out".
	Exit bool `koanf:"exit"`
}

// MQTTConfig configures the shared broker for mqtt-transport readers.
type MQTTConfig struct {
	Broker   string `koanf:"broker"`
	ClientID string `koanf:"client_id"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	QoS      byte   `koanf:"qos" validate:"max=2"`
}

// BatchingConfig tunes the global event batcher.
type BatchingConfig struct {
	// BatchSize seals a batch when this many events accumulate.
	BatchSize int `koanf:"batch_size" validate:"min=1"`

	// BatchMaxAge seals a batch when it has been open this long.
	BatchMaxAge time.Duration `koanf:"batch_max_age" validate:"min=1ms"`

	// QueueSize bounds the ingest channel between connection workers and
	// the batcher.
	QueueSize int `koanf:"queue_size" validate:"min=1"`

	// Workers is the size of the batch processing pool.
	Workers int `koanf:"workers" validate:"min=1,max=64"`

	// PersistRetries is how many times a failed batch persist is retried
	// before the batch is dead-lettered.
	PersistRetries int `koanf:"persist_retries" validate:"min=0,max=10"`

	// PersistTimeout bounds a single persistence attempt.
	PersistTimeout time.Duration `koanf:"persist_timeout" validate:"min=100ms"`
}

// HealthConfig tunes the reader health monitor.
type HealthConfig struct {
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"min=1s"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout" validate:"min=100ms"`

	// HistorySize is the rolling number of samples retained per reader.
	HistorySize int `koanf:"history_size" validate:"min=1,max=10000"`
}

// ConnectionConfig tunes per-reader connection behavior. It lives under
// the readers' shared defaults rather than per reader.
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	CommandTimeout   time.Duration `koanf:"command_timeout"`
	ReconnectBase    time.Duration `koanf:"reconnect_base"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
	MaxRetries       int           `koanf:"max_retries"`
}

// EstimatorConfig tunes location estimation and movement classification.
type EstimatorConfig struct {
	// Window is the sliding read window per tag.
	Window time.Duration `koanf:"window" validate:"min=100ms"`

	// SpeedThreshold (units/sec) above which the excess-velocity rule fires.
	SpeedThreshold float64 `koanf:"speed_threshold" validate:"min=0"`
}

// CollisionConfig tunes the collision detector.
type CollisionConfig struct {
	// Window is the maximum gap between consecutive reads in a group.
	Window time.Duration `koanf:"window" validate:"min=1ms"`

	// MinTags is the minimum distinct tags for a group to be a collision.
	MinTags int `koanf:"min_tags" validate:"min=2"`
}

// RulesConfig tunes the automation rule engine.
type RulesConfig struct {
	// CustodyClasses lists item-code prefixes whose zone changes are
	// always written to the chain-of-custody log.
	CustodyClasses []string `koanf:"custody_classes"`
}

// StoreConfig configures the external stores.
type StoreConfig struct {
	// PostgresDSN is the connection string for the relational store.
	PostgresDSN string `koanf:"postgres_dsn"`

	// DeadLetterDir is the Badger directory for dead-lettered batches.
	DeadLetterDir string `koanf:"dead_letter_dir"`
}

// BusConfig configures the outbound event stream.
type BusConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server address. Ignored when Embedded is true.
	URL string `koanf:"url"`

	// Embedded starts an in-process NATS JetStream server.
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// defaultConfig returns a Config with all defaults applied. File and env
// layers override these.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://127.0.0.1:1883",
			ClientID: "tagstream",
			QoS:      1,
		},
		Connection: DefaultConnectionConfig(),
		Batching: BatchingConfig{
			BatchSize:      100,
			BatchMaxAge:    time.Second,
			QueueSize:      4096,
			Workers:        4,
			PersistRetries: 2,
			PersistTimeout: 5 * time.Second,
		},
		Health: HealthConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  3 * time.Second,
			HistorySize:   120,
		},
		Estimator: EstimatorConfig{
			Window:         2 * time.Second,
			SpeedThreshold: 5.0,
		},
		Collision: CollisionConfig{
			Window:  100 * time.Millisecond,
			MinTags: 3,
		},
		Store: StoreConfig{
			DeadLetterDir: "/data/tagstream/deadletter",
		},
		Bus: BusConfig{
			Enabled:  true,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			StoreDir: "/data/tagstream/jetstream",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9464",
		},
	}
}

// DefaultConnectionConfig returns the per-reader connection defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HandshakeTimeout: 5 * time.Second,
		CommandTimeout:   3 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		MaxRetries:       10,
	}
}

// Validate checks structural validity plus cross-field consistency:
// every reader's zone must be a configured zone, and reader ids must be
// unique.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	zones := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if zones[z.Name] {
			return fmt.Errorf("config validation: duplicate zone %q", z.Name)
		}
		zones[z.Name] = true
	}

	seen := make(map[string]bool, len(c.Readers))
	for _, r := range c.Readers {
		if seen[r.ID] {
			return fmt.Errorf("config validation: duplicate reader id %q", r.ID)
		}
		seen[r.ID] = true
		if !zones[r.Zone] {
			return fmt.Errorf("config validation: reader %q references unknown zone %q", r.ID, r.Zone)
		}
	}
	return nil
}

// ZoneByName returns the named zone config, or false when absent.
func (c *Config) ZoneByName(name string) (ZoneConfig, bool) {
	for _, z := range c.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return ZoneConfig{}, false
}
