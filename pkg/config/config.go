// Package config loads repcore's application-wide configuration from a
// file, environment variables, and flags, via spf13/viper — the same
// layering the teacher repo uses for its own REST/pipeline configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/spf13/viper"
)

// Config holds application-wide configuration for the repcore binary.
type Config struct {
	Replica  ReplicaConfig  `mapstructure:"replica"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	LogLevel string         `mapstructure:"logLevel"`
}

// ReplicaConfig locates and opens the local SQLite replica file.
type ReplicaConfig struct {
	Path string `mapstructure:"path"`
	// Mode is "serving" or "backup" (spec §4.2, §5 transaction modes).
	Mode string `mapstructure:"mode"`
}

// PostgresConfig configures the upstream logical-replication connection.
type PostgresConfig struct {
	ConnString      string        `mapstructure:"connString"`
	Publication     string        `mapstructure:"publication"`
	Slot            string        `mapstructure:"slot"`
	Plugin          string        `mapstructure:"plugin"`
	Tables          []string      `mapstructure:"tables"`
	StandbyInterval time.Duration `mapstructure:"standbyInterval"`
}

// SyncConfig configures the Incremental Syncer's identity.
type SyncConfig struct {
	SubscriberID string `mapstructure:"subscriberID"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
	Path       string `mapstructure:"path"`
}

// DefaultConfig returns the baseline configuration applied before any
// file/env/flag layer is merged in.
func DefaultConfig() Config {
	return Config{
		Replica: ReplicaConfig{Mode: "serving"},
		Postgres: PostgresConfig{
			Publication:     "repcore_pub",
			Slot:            "repcore_slot",
			Plugin:          "pgoutput",
			StandbyInterval: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9100",
			Path:       "/metrics",
		},
		LogLevel: "info",
	}
}

// ReplicaMode maps ReplicaConfig.Mode to a changesource.Mode, defaulting to
// ModeServing for any unrecognized value.
func (c ReplicaConfig) ReplicaMode() changesource.Mode {
	if c.Mode == "backup" {
		return changesource.ModeBackup
	}
	return changesource.ModeServing
}

// Load reads config from file, then environment (prefixed REPCORE_), then
// whatever flags the caller has already bound into viper's defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.GetViper()

	def := DefaultConfig()
	v.SetDefault("replica.mode", def.Replica.Mode)
	v.SetDefault("postgres.publication", def.Postgres.Publication)
	v.SetDefault("postgres.slot", def.Postgres.Slot)
	v.SetDefault("postgres.plugin", def.Postgres.Plugin)
	v.SetDefault("postgres.standbyInterval", def.Postgres.StandbyInterval)
	v.SetDefault("metrics.listenAddr", def.Metrics.ListenAddr)
	v.SetDefault("metrics.path", def.Metrics.Path)
	v.SetDefault("logLevel", def.LogLevel)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("repcore")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("REPCORE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode config: %w", err)
	}

	return &cfg, nil
}
