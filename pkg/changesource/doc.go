// Package changesource defines the abstract upstream change-stream contract
// the replication core consumes (spec §4.8, §6): a subscription request, the
// tagged message variant it streams back, and the coalescing ack
// back-channel the consumer uses to report progress.
//
// Concrete producers live in subpackages: memory (an in-process fake used by
// tests) and pgreplication (a real Postgres logical-replication client).
package changesource
