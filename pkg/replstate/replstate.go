package replstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/watermark"
)

const (
	configTable = `"_zero.replicationConfig"`
	stateTable  = `"_zero.replicationState"`
)

// ErrAlreadyInitialized is returned by Init when replicationConfig already
// holds a row (spec §4.4: "fails if row already present").
var ErrAlreadyInitialized = errors.New("replstate: already initialized")

// ErrNotInitialized is returned by GetConfig/GetState/UpdateWatermark when
// Init has not run.
var ErrNotInitialized = errors.New("replstate: not initialized")

// ErrWatermarkNotMonotonic is returned by UpdateWatermark when the new
// watermark does not strictly follow the current one (spec §4.4, invariant
// I1).
var ErrWatermarkNotMonotonic = errors.New("replstate: watermark must move strictly forward")

// Config is the immutable replicationConfig singleton.
type Config struct {
	ReplicaVersion watermark.Watermark
	Publications   []string
}

// State is the replicationState singleton.
type State struct {
	StateVersion watermark.Watermark
}

// CreateTables creates both singleton tables if not already present. Safe
// to call repeatedly.
func CreateTables(ctx context.Context, exec replica.Queryer) error {
	if _, err := exec.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"lock" INTEGER PRIMARY KEY CHECK ("lock" = 1),
			"replicaVersion" TEXT NOT NULL,
			"publications" TEXT NOT NULL
		)`, configTable)); err != nil {
		return fmt.Errorf("replstate: create config table: %w", err)
	}

	if _, err := exec.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"lock" INTEGER PRIMARY KEY CHECK ("lock" = 1),
			"stateVersion" TEXT NOT NULL
		)`, stateTable)); err != nil {
		return fmt.Errorf("replstate: create state table: %w", err)
	}
	return nil
}

// Init writes the replicationConfig and replicationState singleton rows. It
// must be called exactly once, at initial-sync boot (spec §4.4); a second
// call fails with ErrAlreadyInitialized.
func Init(ctx context.Context, exec replica.Queryer, publications []string, initialWatermark watermark.Watermark) error {
	var n int
	if err := exec.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, configTable)).Scan(&n); err != nil {
		return fmt.Errorf("replstate: init: %w", err)
	}
	if n > 0 {
		return ErrAlreadyInitialized
	}

	pubJSON, err := json.Marshal(publications)
	if err != nil {
		return fmt.Errorf("replstate: init: marshal publications: %w", err)
	}

	if _, err := exec.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s ("lock", "replicaVersion", "publications") VALUES (1, ?, ?)`, configTable),
		string(initialWatermark), string(pubJSON)); err != nil {
		return fmt.Errorf("replstate: init config: %w", err)
	}

	if _, err := exec.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s ("lock", "stateVersion") VALUES (1, ?)`, stateTable),
		string(initialWatermark)); err != nil {
		return fmt.Errorf("replstate: init state: %w", err)
	}
	return nil
}

// GetConfig reads the replicationConfig singleton.
func GetConfig(ctx context.Context, q replica.Queryer) (Config, error) {
	var replicaVersion, pubJSON string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT "replicaVersion", "publications" FROM %s WHERE "lock" = 1`, configTable)).
		Scan(&replicaVersion, &pubJSON)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}

	var pubs []string
	if err := json.Unmarshal([]byte(pubJSON), &pubs); err != nil {
		return Config{}, fmt.Errorf("replstate: unmarshal publications: %w", err)
	}
	return Config{ReplicaVersion: watermark.Watermark(replicaVersion), Publications: pubs}, nil
}

// GetState reads the replicationState singleton.
func GetState(ctx context.Context, q replica.Queryer) (State, error) {
	var v string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT "stateVersion" FROM %s WHERE "lock" = 1`, stateTable)).Scan(&v)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	return State{StateVersion: watermark.Watermark(v)}, nil
}

// UpdateWatermark advances replicationState.stateVersion to v. v must
// strictly follow the currently recorded watermark (spec §4.4, invariant
// I1); callers that need idempotent retries of the same commit should treat
// ErrWatermarkNotMonotonic as benign when v equals the current watermark,
// which this function also rejects (no-op writes are the caller's concern).
func UpdateWatermark(ctx context.Context, exec replica.Queryer, v watermark.Watermark) error {
	current, err := GetState(ctx, exec)
	if err != nil {
		return err
	}
	if !v.After(current.StateVersion) {
		return fmt.Errorf("%w: current=%s new=%s", ErrWatermarkNotMonotonic, current.StateVersion, v)
	}

	res, err := exec.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET "stateVersion" = ? WHERE "lock" = 1`, stateTable), string(v))
	if err != nil {
		return fmt.Errorf("replstate: update watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("replstate: update watermark: expected 1 row affected, got %d", n)
	}
	return nil
}
