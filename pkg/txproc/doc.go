// Package txproc applies one upstream transaction -- row operations and DDL
// -- atomically to a replica (spec §4.6). A Processor is constructed on
// begin, driven through a sequence of row/DDL calls, and finalized by
// exactly one of Commit or Rollback.
package txproc
