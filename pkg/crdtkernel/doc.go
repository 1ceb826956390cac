// Package crdtkernel is the module's stand-in for the external, Yjs-compatible
// CRDT engine the rest of the runtime treats as a black box (see the system
// overview's "CRDT Kernel" component). It implements a client-clock operation
// log with last-writer-wins merge semantics: each mutation is stamped with a
// (client, clock) pair, state vectors are per-client high-water marks, and an
// update is the slice of operations a peer's state vector does not yet cover.
// Nothing outside this package inspects an Op directly; callers only ever see
// Update, StateVector and the opaque encoded state produced by Snapshot.
package crdtkernel
