// Package meshnet implements the transport-agnostic core of a
// peer-to-peer mesh overlay: a routing table with TTL-bounded multi-hop
// forwarding, a node orchestrator that fans application messages out
// across one or more pluggable transport adapters, and the JSON wire
// format the two agree on.
//
// The overlay assumes a cooperative trust domain bounded by whatever
// link-layer pairing the transport already performs; meshnet itself does
// not authenticate peers, guarantee delivery, or persist anything across
// restarts.
package meshnet
