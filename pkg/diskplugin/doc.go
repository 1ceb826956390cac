// Package diskplugin implements the Disk Plugin: the persistence stage of the
// plugin pipeline. It stores each object's state in an embedded go.etcd.io/bbolt
// key-value store, partitioned per (workspace_id, object_id) into a meta
// record, a compressed snapshot, and an ordered log of update records. It
// replays that log back into the CRDT kernel on Init, appends new update
// records as they are committed, and compacts the log into a fresh snapshot
// once either threshold in Options is crossed, in the same shape as a
// bbolt-backed KV store paired with an FSM snapshot/restore cycle.
package diskplugin
