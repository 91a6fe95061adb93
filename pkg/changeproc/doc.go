// Package changeproc partitions an ordered change-stream into transactions
// and dispatches each message to a per-transaction Transaction Processor
// (spec §4.7). A Processor instance lives for the duration of one
// subscription and is abandoned on fatal failure.
package changeproc
