// Package syncplugin implements the Sync Plugin and its protocol state
// machine: Disconnected, Connecting, Handshaking, Live, Reconnecting, Closed.
// It owns one duplex transport connection per object (gorilla/websocket by
// default), drives the ClientInitSync/ServerInitSync handshake, maintains a
// FIFO outbound queue of locally authored updates acked by msg_id, applies
// inbound BroadcastSync frames through the mediator with gap detection on
// seq_num, and reconnects with bounded exponential backoff. A circuit breaker
// wraps the dial step only, so a server that keeps refusing connections is not
// redialed on every attempt; handshake failures are retried on the backoff
// schedule alone.
package syncplugin
