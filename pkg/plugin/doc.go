// Package plugin defines the Collab plugin contract and the append-only
// pipeline that dispatches lifecycle events to every registered plugin: Init,
// DidInit, ReceiveUpdate, Flush and Reset. ReceiveUpdate must return quickly
// and not mutate the document synchronously — plugins that need to do real
// work post it to their own goroutine. The pipeline does not time the call;
// a panic is the failure it recovers from, by marking the plugin degraded
// (see the design notes on the async dispatch pattern).
package plugin
