package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/minio/highwayhash"
)

// Version identifies the wire/disk layout of an EncodedCollab envelope.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
)

// checksumKey is a fixed, published key for the HighwayHash checksum. It is
// not a secret — the checksum only needs to be collision-resistant against
// accidental corruption, not adversarial tampering, so a well-known key is the
// right choice (matches HighwayHash's own recommendation for non-keyed use).
var checksumKey = [32]byte{
	0x1d, 0x9c, 0x3f, 0x6a, 0x4e, 0x2b, 0x7d, 0x0c,
	0x8a, 0x5e, 0x11, 0x9f, 0x33, 0xc6, 0x70, 0x44,
	0x2f, 0x58, 0xa1, 0x0e, 0x6b, 0x3d, 0x99, 0x12,
	0x87, 0x4c, 0x25, 0xd0, 0x5a, 0x63, 0xe9, 0x01,
}

// EncodedCollab is the full state of one object: enough to reconstruct a
// Document via crdtkernel.Document.LoadSnapshot, plus the state vector a peer
// needs to compute a delta against it.
type EncodedCollab struct {
	Version     Version
	StateVector crdtkernel.StateVector
	DocState    []byte
	// Checksum is populated for V2 envelopes: HighwayHash-128 of DocState. It
	// is metadata only — a V1 envelope carries none and still decodes, while a
	// V2 envelope missing its 16 checksum bytes is rejected as truncated.
	Checksum [16]byte
	hasChecksum bool
}

// Checksum computes the HighwayHash-128 checksum of doc state bytes, used by
// V2 envelopes (EncodeV2/Verify) and by the disk plugin to detect snapshot
// corruption on load.
func Checksum(docState []byte) [16]byte {
	sum := highwayhash.Sum128(docState, checksumKey[:])
	return sum
}

// EncodeV1 produces the plain envelope: no checksum, smallest representation,
// used for the original wire format and any peer that predates the checksum
// extension.
func EncodeV1(sv crdtkernel.StateVector, docState []byte) EncodedCollab {
	return EncodedCollab{Version: V1, StateVector: sv, DocState: docState}
}

// EncodeV2 produces the checksummed envelope.
func EncodeV2(sv crdtkernel.StateVector, docState []byte) EncodedCollab {
	return EncodedCollab{Version: V2, StateVector: sv, DocState: docState, Checksum: Checksum(docState), hasChecksum: true}
}

// HasChecksum reports whether this envelope carries a verifiable checksum.
func (e EncodedCollab) HasChecksum() bool { return e.hasChecksum }

// Verify checks a V2 envelope's checksum against its doc state. It is a no-op
// (always nil) for V1 envelopes, which carry no checksum by definition.
func (e EncodedCollab) Verify() error {
	if !e.hasChecksum {
		return nil
	}
	if Checksum(e.DocState) != e.Checksum {
		return fmt.Errorf("codec: checksum mismatch on %d byte doc state", len(e.DocState))
	}
	return nil
}

// Marshal serializes the envelope to bytes:
//
//	[1]  version
//	[4]  state-vector length (big endian)
//	[..] state-vector bytes (crdtkernel.EncodeStateVector form)
//	[4]  doc-state length (big endian)
//	[..] doc-state bytes
//	[16] checksum, present only when version == V2
func (e EncodedCollab) Marshal() []byte {
	svb := crdtkernel.EncodeStateVector(e.StateVector)
	size := 1 + 4 + len(svb) + 4 + len(e.DocState)
	if e.Version == V2 {
		size += 16
	}
	out := make([]byte, size)
	out[0] = byte(e.Version)
	off := 1
	binary.BigEndian.PutUint32(out[off:], uint32(len(svb)))
	off += 4
	off += copy(out[off:], svb)
	binary.BigEndian.PutUint32(out[off:], uint32(len(e.DocState)))
	off += 4
	off += copy(out[off:], e.DocState)
	if e.Version == V2 {
		copy(out[off:], e.Checksum[:])
	}
	return out
}

// Unmarshal parses bytes produced by Marshal. It returns an error on any
// length mismatch rather than silently truncating, since a truncated envelope
// would otherwise decode into a plausible-looking but wrong document.
func Unmarshal(b []byte) (EncodedCollab, error) {
	if len(b) < 1+4+4 {
		return EncodedCollab{}, fmt.Errorf("codec: envelope too short (%d bytes)", len(b))
	}
	var e EncodedCollab
	e.Version = Version(b[0])
	if e.Version != V1 && e.Version != V2 {
		return EncodedCollab{}, fmt.Errorf("codec: unknown envelope version %d", e.Version)
	}
	off := 1
	svLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if off+svLen > len(b) {
		return EncodedCollab{}, fmt.Errorf("codec: truncated state vector")
	}
	sv, err := crdtkernel.DecodeStateVector(b[off : off+svLen])
	if err != nil {
		return EncodedCollab{}, err
	}
	e.StateVector = sv
	off += svLen

	if off+4 > len(b) {
		return EncodedCollab{}, fmt.Errorf("codec: truncated doc-state length")
	}
	docLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if off+docLen > len(b) {
		return EncodedCollab{}, fmt.Errorf("codec: truncated doc state")
	}
	e.DocState = append([]byte(nil), b[off:off+docLen]...)
	off += docLen

	if e.Version == V2 {
		if off+16 > len(b) {
			return EncodedCollab{}, fmt.Errorf("codec: truncated checksum")
		}
		copy(e.Checksum[:], b[off:off+16])
		e.hasChecksum = true
	}
	return e, nil
}
