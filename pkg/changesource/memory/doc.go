// Package memory provides an in-memory changesource.Source fake that replays
// a fixed, pre-scripted sequence of messages -- used to drive the Incremental
// Syncer and Change Processor in tests without a real upstream.
package memory
