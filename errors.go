// Package repcore provides the typed error hierarchy shared across the
// replication core (spec §7): transient, protocol, schema, configuration,
// and unrecoverable failures, each wrapping an inner cause.
package repcore

import "fmt"

// TransientError wraps a failure that is expected to be retried by the
// caller -- SQLite lock contention, subscribe-time network errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientError.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// ProtocolError wraps an out-of-order or malformed change-stream sequence:
// missing begin/commit, watermark mismatch, publication/version refusal.
// Always fatal to the subscription.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocol wraps err as a ProtocolError.
func NewProtocol(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Op: op, Err: err}
}

// SchemaError wraps a reference to an unknown table or column in a DML
// message -- the producer's view of the schema has drifted from the Table
// Spec Cache. Fatal; the cache is reloaded on processor reconstruction.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string { return fmt.Sprintf("schema: %s: %v", e.Op, e.Err) }
func (e *SchemaError) Unwrap() error { return e.Err }

// NewSchema wraps err as a SchemaError.
func NewSchema(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SchemaError{Op: op, Err: err}
}

// ConfigError wraps a mismatch between the subscriber's requested
// publications and those recorded in replicationConfig. Fatal at startup.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfig wraps err as a ConfigError.
func NewConfig(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Op: op, Err: err}
}

// UnrecoverableError wraps a post-initial-sync validator failure. The
// replica file is considered corrupt; callers should propagate to
// process-exit.
type UnrecoverableError struct {
	Op  string
	Err error
}

func (e *UnrecoverableError) Error() string { return fmt.Sprintf("unrecoverable: %s: %v", e.Op, e.Err) }
func (e *UnrecoverableError) Unwrap() error { return e.Err }

// NewUnrecoverable wraps err as an UnrecoverableError.
func NewUnrecoverable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Op: op, Err: err}
}
