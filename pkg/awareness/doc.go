// Package awareness implements ephemeral per-client presence state for a
// Collab object: cursor position, selection, user metadata. Awareness state
// is keyed by (object_id, client_id), never persisted by the disk plugin, and
// dropped with Remove or reaped by Expire once a client has sent nothing for
// the sync plugin's AwarenessTimeout.
package awareness
