package syncplugin

import "sync/atomic"

// State is one value in the sync protocol's state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateLive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateBox is an atomically-swapped State, read from multiple goroutines
// (the connection loop writes it; State callers such as the health checker
// read it) without a mutex.
type stateBox struct{ v atomic.Int32 }

func (b *stateBox) get() State  { return State(b.v.Load()) }
func (b *stateBox) set(s State) { b.v.Store(int32(s)) }
