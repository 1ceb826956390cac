// Package collabtypes holds the identity and classification types shared across
// the collaboration runtime: object identifiers, collab-type tags, and the
// origin/identity values used for loop-guarding and update provenance.
package collabtypes
