package collabtypes

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjectId uniquely identifies a collaborative object within a workspace. It is
// stable for the lifetime of the object and is used verbatim as the partition key
// component for both disk persistence and wire framing.
type ObjectId struct {
	WorkspaceID string
	ID          string
}

// NewObjectId generates a fresh ObjectId for the given workspace using a
// random v4 UUID.
func NewObjectId(workspaceID string) ObjectId {
	return ObjectId{WorkspaceID: workspaceID, ID: uuid.NewString()}
}

func (o ObjectId) String() string {
	return fmt.Sprintf("%s/%s", o.WorkspaceID, o.ID)
}

// Key returns the byte-sortable composite key used to namespace this object's
// records inside the embedded KV store: workspace_id + NUL + object_id.
func (o ObjectId) Key() []byte {
	b := make([]byte, 0, len(o.WorkspaceID)+len(o.ID)+1)
	b = append(b, o.WorkspaceID...)
	b = append(b, 0)
	b = append(b, o.ID...)
	return b
}

// CollabType classifies what domain schema a Collab object's state represents.
// The runtime treats every value opaquely; domain packages consuming a Collab
// only ever see the bytes coming out of the CRDT kernel and the type tag.
type CollabType string

const (
	CollabTypeDocument CollabType = "document"
	CollabTypeFolder   CollabType = "folder"
	CollabTypeDatabase CollabType = "database"
	CollabTypeWorkspace CollabType = "workspace"
	CollabTypeUserAwareness CollabType = "user_awareness"
	CollabTypeUnknown  CollabType = "unknown"
)

// Valid reports whether t is one of the recognized collab types.
func (t CollabType) Valid() bool {
	switch t {
	case CollabTypeDocument, CollabTypeFolder, CollabTypeDatabase, CollabTypeWorkspace, CollabTypeUserAwareness:
		return true
	default:
		return false
	}
}

// OriginKind distinguishes who produced an update, used both for loop-guarding
// (never echo an update back to the peer it came from) and for observer filtering.
type OriginKind int

const (
	// OriginEmpty marks updates with no provenance, such as edits committed
	// through a Collab opened without a configured Origin (the zero value).
	OriginEmpty OriginKind = iota
	// OriginClient marks updates produced by a local in-process mutation.
	OriginClient
	// OriginServer marks updates received over the sync channel from the
	// remote authority.
	OriginServer
)

func (k OriginKind) String() string {
	switch k {
	case OriginClient:
		return "client"
	case OriginServer:
		return "server"
	default:
		return "empty"
	}
}

// Origin tags a transaction/update with where it came from. Two client origins
// are equal only if both UID and DeviceID match; this lets a single user's two
// devices each see the other's edits as remote (so they still get persisted and
// broadcast) while a single device never re-applies its own echoed update.
type Origin struct {
	Kind     OriginKind
	UID      string
	DeviceID string
}

// Empty is the zero-provenance origin.
var Empty = Origin{Kind: OriginEmpty}

// NewClientOrigin builds a local-client origin.
func NewClientOrigin(uid, deviceID string) Origin {
	return Origin{Kind: OriginClient, UID: uid, DeviceID: deviceID}
}

// Server is the origin stamped on updates arriving from the sync plugin.
var Server = Origin{Kind: OriginServer}

// SameSource reports whether two origins identify the same client device, which
// is the condition the sync plugin uses to avoid echoing an update back to the
// device that authored it.
func (o Origin) SameSource(other Origin) bool {
	if o.Kind != OriginClient || other.Kind != OriginClient {
		return false
	}
	return o.UID == other.UID && o.DeviceID == other.DeviceID
}

func (o Origin) String() string {
	if o.Kind != OriginClient {
		return o.Kind.String()
	}
	return fmt.Sprintf("client:%s/%s", o.UID, o.DeviceID)
}
