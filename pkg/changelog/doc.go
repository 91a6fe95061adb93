// Package changelog implements the replica's append-log of
// (watermark, table, rowKey, op) triples that downstream view-syncers scan
// to compute incremental diffs (spec §3, §4.3).
//
// The log retains at most one entry per (table, rowKey): logSet/logDelete
// upsert on that pair, and logTruncate/logReset collapse any row-level
// entries written earlier at the same (watermark, table) before recording
// their own table-wide sentinel.
package changelog
