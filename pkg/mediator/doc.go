// Package mediator implements the Transaction Mediator: the single path
// through which a Collab's document is mutated or merged. It owns the
// exclusive lock that serializes commits, guarantees commit-before-notify
// ordering, dispatches to the plugin pipeline before in-process observers,
// and traps panics from either so one bad callback cannot corrupt the
// document or wedge the mediator.
package mediator
