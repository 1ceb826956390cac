// Package codec implements the EncodedCollab envelope described in the system's
// data model: a versioned (state_vector, doc_state) pair that round-trips a
// Collab's full state byte-for-byte. Version 1 encodes the document snapshot
// produced by the CRDT kernel directly; version 2 additionally tags the
// envelope with an integrity checksum so a corrupted snapshot is caught before
// it is handed back to the kernel.
package codec
