// Package wire implements the sync protocol's binary message envelope: the
// tagged union of ClientInitSync, ServerInitSync, ClientUpdateSync,
// BroadcastSync, AwarenessSync, Ack, and the out-of-band KickOff,
// DuplicateConnection and RateLimit frames exchanged over the duplex sync
// transport. There is no protobuf schema behind this format, but the layout
// (a type tag followed by length-prefixed fields) is deliberately as rigorous
// as one: every frame round-trips through Encode/Decode without
// ambiguity.
package wire
