package pgreplication

import (
	"cmp"
	"fmt"
	"time"
)

const (
	defaultStandbyUpdateInterval = 10 * time.Second
	defaultBufferSize            = 1000
	defaultPublication           = "repcore_pub"
	defaultSlot                  = "repcore_slot"
	defaultPlugin                = "pgoutput"

	// ddlMessagePrefix is the pg_logical_emit_message prefix a companion
	// event trigger is expected to use when forwarding raw DDL text, so
	// this source can distinguish it from application-level logical
	// messages on the same connection.
	ddlMessagePrefix = "repcore.ddl"
)

// Config configures one Postgres Change Source connection.
type Config struct {
	// ConnString is a libpq/pgx connection string for the replication
	// connection (must include replication=database).
	ConnString string

	Publication string
	Slot        string
	Plugin      string

	// Tables to add to the publication when it doesn't already exist.
	// ["*"] or ["*.*"] for all tables in all schemas; "schema.*" for a
	// whole schema; otherwise a literal "schema.table" or "table" name.
	Tables []string

	StandbyUpdateInterval time.Duration
	BufferSize            int
}

func mergeWithDefaults(cfg Config) Config {
	cfg.Publication = cmp.Or(cfg.Publication, defaultPublication)
	cfg.Slot = cmp.Or(cfg.Slot, defaultSlot)
	cfg.Plugin = cmp.Or(cfg.Plugin, defaultPlugin)
	cfg.StandbyUpdateInterval = cmp.Or(cfg.StandbyUpdateInterval, defaultStandbyUpdateInterval)
	cfg.BufferSize = cmp.Or(cfg.BufferSize, defaultBufferSize)
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.ConnString == "" {
		return fmt.Errorf("pgreplication: connection string is required")
	}
	if cfg.StandbyUpdateInterval < time.Second {
		return fmt.Errorf("pgreplication: standby update interval must be at least 1 second")
	}
	return nil
}
