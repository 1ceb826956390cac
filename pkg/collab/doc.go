// Package collab assembles the runtime's public embedding API: a Collab
// object wires a crdtkernel.Document, a mediator.Mediator, a plugin.Pipeline,
// and the disk and (optionally) sync plugins into one typed handle the host
// application opens, mutates, observes, and closes. This is the surface
// described as "external collaborators through narrow interfaces" in the
// system's scope — nothing outside this package ever touches the CRDT kernel
// or a plugin directly.
package collab
