// Package initsync implements the Initial Sync Driver (spec §4.10,
// component J): the one-shot bootstrap that turns a fresh, empty replica
// file into a replica holding the first consistent snapshot, with the meta
// tables (changeLog, replicationConfig, replicationState) initialized in
// the same transaction as the data that snapshot carries.
//
// Run is invoked exactly once per replica file, before the Incremental
// Syncer (pkg/syncer) ever subscribes. It drives a lower-level
// pkg/txproc.Processor directly rather than going through pkg/changeproc,
// because it needs to append replstate.Init's rows to the same *sql.Tx
// before that transaction commits (spec §4.10b): changeproc's Process
// commits as soon as it observes a commit message, leaving no seam for a
// caller to inject extra statements first.
package initsync
