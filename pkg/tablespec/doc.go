// Package tablespec maintains the in-memory snapshot of replica column
// specs used to interpret row payloads and to derive a table's row key when
// the relation's own keyColumns are empty (spec §4.5).
//
// The cache is built lazily by scanning the replica's SQLite catalog; it
// never tries to mirror SQLite's own schema parser, and is cleared and
// rebuilt after any DDL within a transaction (spec §3, §9).
package tablespec
