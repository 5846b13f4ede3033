// Package kcg implements the core of a Kafka consumer-group client: the
// generation lifecycle that repeatedly joins a group, participates in
// partition assignment (leading it when elected), resolves initial offsets,
// heartbeats, and exposes per-partition streams of message sets paired with
// commit actions.
//
// The package does not talk to brokers itself. Everything it needs from a
// cluster is consumed through the Conn interface: coordinator discovery,
// the group protocol requests, offset lookups, and fetches. Wire structures
// follow Kafka protocol v0 and are expressed with kmsg types; member
// metadata and assignments are the nested version-0 blobs the group
// coordinator expects.
//
// A Consumer is a value. Each generation owns a one-shot closed latch that
// any of its loops (heartbeat, fetch, commit) can trip; once tripped, every
// loop winds down at its next step and the engine rejoins the group,
// carrying forward the member id unless the broker invalidated it.
package kcg
