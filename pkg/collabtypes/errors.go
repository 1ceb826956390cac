package collabtypes

import "errors"

// Sentinel errors for the error kinds named in the sync protocol and persistence
// design. Callers use errors.Is against these, and errors.As against AckError for
// the negative-ack code carried back from the remote authority.
var (
	ErrUpdateApplyFailed   = errors.New("collab: update failed to apply to local state")
	ErrPluginPanicked      = errors.New("collab: plugin panicked handling an update")
	ErrPersistenceFailed   = errors.New("collab: persistence operation failed")
	ErrCorruptSnapshot     = errors.New("collab: snapshot failed checksum verification")
	ErrHandshakeRejected   = errors.New("collab: server rejected handshake")
	ErrDuplicateConnection = errors.New("collab: duplicate connection for this object")
	ErrKickedOff           = errors.New("collab: kicked off by the server")
	ErrDisconnected        = errors.New("collab: sync channel is not connected")
	ErrPipelineClosed      = errors.New("collab: plugin pipeline is closed")
	ErrUnknownCollabType   = errors.New("collab: unknown collab type")
	ErrSequenceGap         = errors.New("collab: gap detected in broadcast sequence")
	ErrQueueOverflow       = errors.New("collab: outbound queue exceeded its bound")
	ErrReadOnlyDegraded    = errors.New("collab: object is read-only after exhausting persistence retries")
)

// AckError carries the negative-ack status code the remote authority attached
// to a rejected ClientUpdateSync frame.
type AckError struct {
	Code    uint32
	Message string
}

func (e *AckError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "collab: update rejected by server"
}

func (e *AckError) Is(target error) bool {
	return target == ErrUpdateApplyFailed
}
