package tcp

import "errors"

// Error kinds surfaced to applications through sockapi (spec.md §7). A
// connection-level failure (ErrTimedOut on retransmission exhaustion) is
// latched in Conn.abortErr and returned to every blocked waiter;
// Conn.OpenActive returns ErrConnectionRefused when the handshake ends
// without one. This is as opposed to segment-level errors
// (bad checksum, unacceptable segment) which stay local and are never
// returned to a caller.
var (
	ErrInvalidArgument    = errors.New("utcp: invalid argument")
	ErrInProgress         = errors.New("utcp: operation already in progress")
	ErrAlready            = errors.New("utcp: operation already performed")
	ErrIsConnected        = errors.New("utcp: already connected")
	ErrConnectionRefused  = errors.New("utcp: connection refused")
	ErrConnectionReset    = errors.New("utcp: connection reset by peer")
	ErrTimedOut           = errors.New("utcp: timed out")
	ErrNotConnected       = errors.New("utcp: socket not connected")
)

var (
	errZeroDstPort = errors.New("utcp: zero destination port")
	errZeroSrcPort = errors.New("utcp: zero source port")
	// errPacketDrop signals a segment must be silently dropped without
	// being treated as a connection-level error (Listener.Demux: a non-SYN
	// segment matching no connection, no free pooled Conn for a SYN, or
	// the new Conn rejecting that SYN).
	errPacketDrop = errors.New("utcp: drop packet")
)
