// Package syncer implements the Incremental Syncer (spec §4.9, component
// I): the run loop that subscribes to a changesource.Source, drives a
// Change Processor over the resulting stream, reconnects with exponential
// backoff, and notifies subscribers when a new watermark becomes readable.
package syncer
