// Package replica provides the embedded SQLite store that mirrors an
// upstream relational database: connection/pragma setup, row-value
// marshaling, transaction-mode selection, and catalog (schema) reflection.
//
// It uses github.com/mattn/go-sqlite3 as the database/sql driver, matching
// the embedded-store usage seen elsewhere in the Go ecosystem (storj, juju).
package replica
