// Package replstate persists the two replication-state singletons held in
// the replica: the immutable replicationConfig (replica version and
// subscribed publications) and the mutable replicationState (last applied
// watermark). Spec §3, §4.4.
package replstate
