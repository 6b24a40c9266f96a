package tcp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lvlip/utcp/internal"
)

// ConnPool hands out and reclaims *Conn instances for a Listener's incoming
// connections, mirroring a sync.Pool specialized for *Conn (ported from the
// teacher's unexported "pool" interface in tcp/listener.go, exported here so
// a sockapi/Stack implementation outside this package can supply one).
type ConnPool interface {
	GetTCP() (*Conn, Value)
	PutTCP(*Conn)
}

// Listener demultiplexes incoming SYNs on a single local port across a pool
// of Conns, accepting fully-established ones (spec.md §4.1 passive open,
// §6 accept()). Unlike Conn's blocking Read/Write/connect, Accept keeps the
// teacher's backoff-polling model: spec.md does not require accept() to be
// condition-variable driven the way data-path blocking operations are.
type Listener struct {
	connID     uint64
	mu         sync.Mutex
	incoming   []*Conn
	accepted   []*Conn
	port       uint16
	poolGet    func() (*Conn, Value)
	poolReturn func(*Conn)
	logger
}

func (listener *Listener) reset(port uint16, pool ConnPool) {
	listener.accepted = listener.accepted[:0]
	listener.incoming = listener.incoming[:0]
	listener.connID++
	listener.port = port
	listener.poolGet = pool.GetTCP
	listener.poolReturn = pool.PutTCP
}

func (listener *Listener) SetLogger(log *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.Log = log
}

// LocalPort returns the port being listened on, 0 if closed.
func (listener *Listener) LocalPort() uint16 {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.port
}

func (listener *Listener) ConnectionID() *uint64 { return &listener.connID }

func (listener *Listener) Protocol() uint64 { return ProtoTCP }

func (listener *Listener) Close() error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return errors.New("utcp: listener already closed")
	}
	listener.debug("listener:close", slog.Uint64("port", uint64(listener.port)))
	listener.connID++
	listener.port = 0
	return nil
}

// Reset (re)opens the listener on port, backed by pool for fresh Conns.
func (listener *Listener) Reset(port uint16, pool ConnPool) error {
	if port == 0 {
		return errZeroDstPort
	} else if pool == nil {
		return errors.New("utcp: nil connection pool")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.debug("listener:reset", slog.Uint64("port", uint64(port)))
	listener.reset(port, pool)
	return nil
}

func (listener *Listener) NumberOfReadyToAccept() (nready int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0
	}
	for _, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		nready++
	}
	return nready
}

// TryAccept returns one established connection, or an error if none are
// ready yet.
func (listener *Listener) TryAccept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return nil, net.ErrClosed
	}
	listener.maintainConns()
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		listener.accepted = append(listener.accepted, conn)
		listener.incoming[i] = nil
		return conn, nil
	}
	return nil, errors.New("utcp: no connections ready to accept")
}

// Accept blocks, polling with backoff, until a connection completes its
// handshake or deadline elapses. A zero deadline blocks indefinitely.
func (listener *Listener) Accept(deadline time.Time) (*Conn, error) {
	backoff := internal.NewBackoff(internal.BackoffAccept)
	for {
		conn, err := listener.TryAccept()
		if err == nil {
			return conn, nil
		}
		if err == net.ErrClosed {
			return nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, errDeadlineExceeded
		}
		backoff.Miss()
	}
}

// Encapsulate serializes the next outgoing segment across every pending
// handshake and every accepted connection, returning the first that
// produces output.
func (listener *Listener) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, net.ErrClosed
	}
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() == StateEstablished {
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			err = listener.maintainConn(listener.incoming, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "incoming"))
		return n, err
	}
	for i, conn := range listener.accepted {
		if conn == nil {
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			err = listener.maintainConn(listener.accepted, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "accepted"))
		return n, err
	}
	return 0, nil
}

// Demux routes an incoming frame to the matching Conn, or admits a fresh
// one from the pool if it carries a bare SYN.
func (listener *Listener) Demux(carrierData []byte, tcpFrameOffset int) error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(carrierData[tcpFrameOffset:])
	if err != nil {
		return err
	}
	srcaddr, _, _, _, err := internal.GetIPAddr(carrierData)
	if err != nil {
		return err
	}
	dst := tfrm.DestinationPort()
	if dst != listener.port {
		return errors.New("utcp: not our port")
	}
	src := tfrm.SourcePort()

	accepted := true
	demuxed, err := listener.tryDemux(listener.accepted, src, srcaddr, carrierData, tcpFrameOffset)
	if !demuxed {
		accepted = false
		demuxed, err = listener.tryDemux(listener.incoming, src, srcaddr, carrierData, tcpFrameOffset)
	}
	if demuxed {
		listener.debug("listener:demux", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)), slog.Bool("accepted", accepted))
		return err
	}

	_, flags := tfrm.OffsetAndFlags()
	if flags != FlagSYN {
		return errPacketDrop
	}
	conn, iss := listener.poolGet()
	if conn == nil {
		listener.logerr("listener:no-free-conn")
		return errPacketDrop
	}
	err = conn.OpenListen(dst, iss)
	if err != nil {
		listener.poolReturn(conn)
		listener.logerr("listener:open", slog.String("err", err.Error()))
		return err
	}
	err = conn.Demux(carrierData, tcpFrameOffset)
	if err != nil {
		listener.poolReturn(conn)
		listener.logerr("listener:demux", slog.String("err", err.Error()))
		return errPacketDrop
	}
	listener.incoming = append(listener.incoming, conn)
	listener.debug("listener:demux-new", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
	return nil
}

func (listener *Listener) tryDemux(conns []*Conn, remotePort uint16, remoteAddr, carrierData []byte, tcpFrameOffset int) (demuxed bool, err error) {
	idx := getConn(conns, remotePort, remoteAddr)
	if idx >= 0 {
		err := conns[idx].Demux(carrierData, tcpFrameOffset)
		if err != nil {
			err = listener.maintainConn(conns, idx, err)
		}
		return true, err
	}
	return false, nil
}

func (listener *Listener) isClosed() bool { return listener.port == 0 }

func (listener *Listener) maintainConns() {
	listener.accepted = internal.DeleteZeroed(listener.accepted)
	for i := range listener.incoming {
		if listener.incoming[i] == nil {
			continue
		}
		state := listener.incoming[i].State()
		if state > StateEstablished || state.IsClosed() {
			listener.poolReturn(listener.incoming[i])
			listener.incoming[i] = nil
		}
	}
	listener.incoming = internal.DeleteZeroed(listener.incoming)
}

func getConn(conns []*Conn, remotePort uint16, remoteAddr []byte) int {
	for i, conn := range conns {
		if conn == nil {
			continue
		}
		if remotePort == conn.RemotePort() && bytes.Equal(remoteAddr, conn.RemoteAddr()) {
			return i
		}
	}
	return -1
}

func (listener *Listener) maintainConn(conns []*Conn, idx int, err error) error {
	if err == net.ErrClosed {
		listener.poolReturn(conns[idx])
		conns[idx] = nil
		return nil
	}
	return err
}
