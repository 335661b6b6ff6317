package torrent

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// TimeoutKind distinguishes the two timeout sources spec.md §7 lists under Timeout(which).
type TimeoutKind int

const (
	TimeoutConnect TimeoutKind = iota
	TimeoutIdle
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutConnect:
		return "connect"
	case TimeoutIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// ConnectError wraps a failed dial (spec.md §7: Connect). Recovery is exponential backoff, then
// the peer transitions to Dead.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError covers a bad magic string, mismatched info-hash, or a self-connect.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string { return "handshake: " + e.Reason }

// ProtocolErr is a fatal, connection-dropping violation of the wire grammar (oversized length,
// malformed message). Distinct from peer_protocol.ProtocolError, which is the pure-codec-layer
// error this wraps once a peer connection attributes it to a specific remote.
type ProtocolErr struct {
	Err error
}

func (e *ProtocolErr) Error() string { return "protocol error: " + e.Err.Error() }
func (e *ProtocolErr) Unwrap() error { return e.Err }

// TimeoutError is either a connect or an idle read/write timeout.
type TimeoutError struct {
	Which TimeoutKind
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %v", e.Which) }

// PeerDisconnectedError is a clean EOF from the remote; the peer may be retried later.
type PeerDisconnectedError struct{}

func (*PeerDisconnectedError) Error() string { return "peer disconnected" }

// StorageError wraps a failed pread/pwrite. Fatal at the torrent level (spec.md §7).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// HashMismatchError is recoverable at piece granularity: the piece is re-requested and the
// contributing peers become suspect (spec.md §7, §9 Open Questions: banning is optional policy).
type HashMismatchError struct {
	Piece pieceIndex
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch at piece %d", e.Piece)
}

// MetadataTooLargeError is raised when a peer's advertised metadata_size exceeds the configured
// cap (default 32 MiB, spec.md §4.6/§9).
type MetadataTooLargeError struct {
	Size int64
	Cap  int64
}

func (e *MetadataTooLargeError) Error() string {
	return fmt.Sprintf("metadata size %s exceeds cap %s", humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Cap)))
}

// MetadataMismatchError is raised when the assembled info dict's hash disagrees with the
// torrent's expected info-hash.
type MetadataMismatchError struct {
	Want, Got Id20
}

func (e *MetadataMismatchError) Error() string {
	return fmt.Sprintf("metadata mismatch: want %s got %s", e.Want, e.Got)
}

// RateLimitClosedError is the error kind for a rate limiter torn down because torrent shutdown is
// already in progress; it is not itself an error condition worth logging. RateLimiter.Acquire does
// not return it: a wait that ends early returns CancelledError.
type RateLimitClosedError struct{}

func (*RateLimitClosedError) Error() string { return "rate limiter closed" }

// CancelledError wraps context.Canceled arising from the torrent's cancellation token; recovery
// is silent, this is the normal shutdown path.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string { return "cancelled: " + e.Err.Error() }
func (e *CancelledError) Unwrap() error { return e.Err }

// wrapStorageErr is the one place pwrite/pread call sites convert a raw storage error into the
// tagged StorageError, attaching the operation name for diagnostics.
func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: errors.Wrap(err, op)}
}

// isFatalForTorrent reports whether err should move the owning torrent to the Error state,
// per the recovery policy table in spec.md §7.
func isFatalForTorrent(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// peerTimeout is a small helper constructing TimeoutError for call sites under time.After/select.
func peerTimeout(which TimeoutKind) error { return &TimeoutError{Which: which} }
