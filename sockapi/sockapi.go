// Package sockapi implements the six-call application-facing interface
// (spec.md §6: socket/connect/read/write/close/abort) as a file-descriptor
// table atop tcp.Conn, grounded on the original C implementation's
// fd-indexed socket list (original_source/tools/liblevelip.c's
// struct lvlip_sock), re-expressed as a Go map per spec.md §9's "ordered
// sequences instead of intrusive queues" guidance.
//
// This is the surface an IPC dispatcher and an LD_PRELOAD shim would call
// into; both of those remain out of scope (spec.md §1) and are not
// implemented here.
package sockapi

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/lvlip/utcp/stack"
	"github.com/lvlip/utcp/tcp"
)

// Domain/Type/Protocol mirror the subset of POSIX socket() arguments this
// core understands (spec.md §6): AF_INET/SOCK_STREAM with protocol 0 or
// IPPROTO_TCP. Anything else returns ErrUnsupportedSocket so a caller can
// fall back to the host stack for it.
const (
	AFInet     = 2
	SockStream = 1
	IPProtoTCP = 6
)

var (
	// ErrUnsupportedSocket is returned by Socket for any domain/type/protocol
	// combination other than AF_INET+SOCK_STREAM+(0|IPPROTO_TCP).
	ErrUnsupportedSocket = errors.New("sockapi: unsupported domain/type/protocol")
	ErrBadFD             = errors.New("sockapi: bad file descriptor")
	ErrIsConnected       = tcp.ErrIsConnected
	ErrNotConnected      = tcp.ErrNotConnected
)

// binding is one open socket's bookkeeping: the Conn it wraps, plus
// correlation tags used only for logs/metrics, never for protocol
// behavior. traceID is a per-Conn identifier stable for the life of the
// socket (useful once many connections share one Stack's log stream); gen
// disambiguates a reused fd number across socket()/close() cycles, the
// same role xid plays identifying metric series in runZeroInc-sockstats.
type binding struct {
	conn      *tcp.Conn
	traceID   uuid.UUID
	gen       xid.ID
	connected bool
}

// Table is a process-wide socket table: fd (int32) -> binding, guarded by
// a mutex (spec.md §9 socket-table bookkeeping is an external collaborator
// in the distilled spec, but a runnable demo needs a concrete one).
type Table struct {
	mu      sync.Mutex
	st      *stack.Stack
	next    int32
	sockets map[int32]*binding

	nextEphemeral uint16
	logger        *slog.Logger
}

// NewTable builds an empty socket table atop st.
func NewTable(st *stack.Stack, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		st:            st,
		sockets:       make(map[int32]*binding),
		nextEphemeral: 49152, // IANA ephemeral port range start.
		logger:        logger,
	}
}

// Socket allocates a new fd for an AF_INET/SOCK_STREAM socket (spec.md §6
// socket()). No network connection is made yet; call Connect to drive the
// handshake. The table has no passive path: servers call Stack.Listen,
// whose tcp.Listener is not tied to any fd of this table.
func (t *Table) Socket(domain, typ, protocol int) (int32, error) {
	if domain != AFInet || typ != SockStream || (protocol != 0 && protocol != IPProtoTCP) {
		return -1, ErrUnsupportedSocket
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.sockets[fd] = &binding{traceID: uuid.New(), gen: xid.New()}
	t.logger.Debug("sockapi:socket", slog.Int64("fd", int64(fd)), slog.String("trace", t.sockets[fd].traceID.String()))
	return fd, nil
}

// Connect performs an active open and blocks until it completes, is
// refused, or times out (spec.md §6 connect()).
func (t *Table) Connect(fd int32, addr netip.AddrPort) error {
	b, err := t.lookup(fd)
	if err != nil {
		return err
	}
	if b.connected {
		return ErrIsConnected
	}
	t.mu.Lock()
	localPort := t.nextEphemeral
	t.nextEphemeral++
	if t.nextEphemeral == 0 {
		t.nextEphemeral = 49152
	}
	t.mu.Unlock()

	conn, err := t.st.Dial(localPort, addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	b.conn = conn
	b.connected = true
	t.mu.Unlock()
	t.logger.Debug("sockapi:connect", slog.Int64("fd", int64(fd)), slog.String("trace", b.traceID.String()), slog.String("remote", addr.String()))
	return nil
}

// Read reads up to len(buf) bytes received on fd (spec.md §6 read()).
func (t *Table) Read(fd int32, buf []byte) (int, error) {
	b, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}
	if b.conn == nil {
		return 0, ErrNotConnected
	}
	return b.conn.Read(buf)
}

// Write queues up to len(p) bytes for transmission on fd (spec.md §6
// write()).
func (t *Table) Write(fd int32, p []byte) (int, error) {
	b, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}
	if b.conn == nil {
		return 0, ErrNotConnected
	}
	return b.conn.Write(p)
}

// Close enqueues a FIN and releases fd (spec.md §6 close(): "does not
// block in the common path").
func (t *Table) Close(fd int32) error {
	b, err := t.lookup(fd)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.sockets, fd)
	t.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err = b.conn.Close()
	t.st.Release(b.conn)
	t.logger.Debug("sockapi:close", slog.Int64("fd", int64(fd)), slog.String("trace", b.traceID.String()))
	return err
}

// Abort releases fd immediately without a graceful close (spec.md §6
// abort(): "releases immediately").
func (t *Table) Abort(fd int32) error {
	b, err := t.lookup(fd)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.sockets, fd)
	t.mu.Unlock()
	if b.conn != nil {
		b.conn.Abort()
		t.st.Release(b.conn)
	}
	t.logger.Debug("sockapi:abort", slog.Int64("fd", int64(fd)), slog.String("trace", b.traceID.String()))
	return nil
}

func (t *Table) lookup(fd int32) (*binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.sockets[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return b, nil
}
