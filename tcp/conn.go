package tcp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/lvlip/utcp/internal"
)

var (
	errDeadlineExceeded    = os.ErrDeadlineExceeded
	errNoRemoteAddr        = errors.New("utcp: no remote address established")
	errInvalidIP           = errors.New("utcp: invalid IP")
	errMismatchedIPVersion = errors.New("utcp: mismatched IP version")
)

// Conn builds on Handler, adding IP-address bookkeeping, deadlines, timer
// scheduling, and a blocking, net.Conn-flavored API (spec.md §5: "reads and
// writes block the calling goroutine rather than returning a would-block
// status"). Where the teacher's Conn (tcp/conn.go) polls Handler state with
// an exponential backoff loop, this Conn instead blocks on a sync.Cond —
// the one deliberate structural departure documented in SPEC_FULL.md §5:
// retransmission and delayed-ACK are now driven by real timers rather than
// a caller re-polling in a loop, so there is a natural place to wake
// blocked readers/writers (Broadcast) instead of having them re-poll too.
type Conn struct {
	mu         sync.Mutex
	cond       *sync.Cond
	h          Handler
	remoteAddr []byte
	rdead      time.Time
	wdead      time.Time
	abortErr   error
	logger
	ipID uint16

	svc     *timerService
	retrans *Timer
	delack  *Timer
	keepal  *Timer
	linger  *Timer
	rto     time.Duration
	synTry  int
	dataTry int
	retransmitDue bool
	metrics *Metrics

	// output is invoked (outside conn.mu) whenever a state change may have
	// made new output possible: a freshly queued Write, an ACK coming due,
	// a retransmit firing, a FIN being queued. A Stack wires this to
	// whatever drives Encapsulate+Device.FrameWrite; tests may wire it to
	// a loopback pair directly.
	output func()
}

// SetMetrics attaches a Metrics bundle whose counters/gauges this Conn
// updates as it runs. Passing nil disables instrumentation (the default).
func (conn *Conn) SetMetrics(m *Metrics) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.metrics = m
	conn.h.metrics = m
}

// NewConn allocates a Conn bound to a shared timer service (normally one
// timerService per Stack, spec.md §5 "single scheduler thread").
func NewConn(svc *timerService) *Conn {
	conn := &Conn{svc: svc}
	conn.cond = sync.NewCond(&conn.mu)
	conn.retrans = newTimer(svc)
	conn.delack = newTimer(svc)
	conn.keepal = newTimer(svc)
	conn.linger = newTimer(svc)
	return conn
}

// reset must be called while holding conn.mu.
func (conn *Conn) reset(h Handler) {
	conn.h = h
	conn.remoteAddr = conn.remoteAddr[:0]
	conn.rdead = time.Time{}
	conn.wdead = time.Time{}
	conn.abortErr = nil
	conn.ipID = 0
	conn.rto = initialRTO
	conn.synTry = 0
	conn.dataTry = 0
	conn.retrans.Cancel()
	conn.delack.Cancel()
	conn.keepal.Cancel()
	conn.linger.Cancel()
}

type ConnConfig struct {
	RxBuf             []byte
	TxBuf             []byte
	TxPacketQueueSize int
	MaxOutOfOrder     int
	Logger            *slog.Logger
	// MSS is the local MSS advertised in this Conn's SYN/SYN|ACK and the cap
	// applied to whatever MSS the peer announces (spec.md §4.2). Zero uses
	// the handler's defaultLocalMSS.
	MSS Size
	// OutputReady is called (outside any lock) whenever new data may be
	// ready to send: after Write, after a retransmit timer fires, after
	// the delayed-ACK timer fires, and after any state transition.
	OutputReady func()
}

func (conn *Conn) Configure(config ConnConfig) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err = conn.h.SetBuffers(config.TxBuf, config.RxBuf, config.TxPacketQueueSize, config.MaxOutOfOrder)
	if err != nil {
		return err
	}
	conn.logger.Log = config.Logger
	conn.h.SetLoggers(config.Logger, config.Logger)
	conn.h.SetLocalMSS(config.MSS)
	conn.output = config.OutputReady
	return nil
}

func (conn *Conn) LocalPort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.LocalPort()
}

func (conn *Conn) RemotePort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.RemotePort()
}

func (conn *Conn) RemoteAddr() []byte {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.remoteAddr
}

func (conn *Conn) State() State {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.State()
}

func (conn *Conn) BufferedInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedInput()
}

func (conn *Conn) BufferedUnsent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedUnsent()
}

func (conn *Conn) AvailableInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.FreeRx()
}

func (conn *Conn) AvailableOutput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.AvailableOutput()
}

// OpenActive starts an active ("client") open and blocks until the
// handshake completes or fails (spec.md §6: Connect blocks the caller).
// There is no context parameter, and a write deadline set before the call
// is cleared when the connection is reset; one set from another goroutine
// while it waits is honoured.
func (conn *Conn) OpenActive(localPort uint16, remote netip.AddrPort, iss Value) error {
	conn.mu.Lock()
	if !remote.IsValid() {
		conn.mu.Unlock()
		return errInvalidIP
	}
	rport := remote.Port()
	err := conn.h.OpenActive(localPort, rport, iss)
	if err != nil {
		conn.mu.Unlock()
		return err
	}
	conn.reset(conn.h)
	raddr := remote.Addr()
	if raddr.Is4() {
		addr4 := raddr.As4()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr4[:]...)
	} else if raddr.Is6() {
		addr6 := raddr.As16()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr6[:]...)
	}
	conn.debug("conn:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(rport)))
	if conn.metrics != nil {
		conn.metrics.ConnectionsOpened.WithLabelValues("active").Inc()
		conn.metrics.ActiveConnections.Inc()
	}
	connid := conn.h.connid
	err = conn.waitLocked(&conn.wdead, func() bool {
		return conn.h.connid != connid || conn.h.State() != StateSynSent
	})
	state := conn.h.State()
	abortErr := conn.abortErr
	conn.mu.Unlock()
	conn.notifyOutput()
	if err != nil {
		return err
	}
	if abortErr != nil {
		return abortErr
	}
	if state != StateEstablished {
		return ErrConnectionRefused
	}
	return nil
}

// OpenListen opens a passive connection awaiting the first SYN.
func (conn *Conn) OpenListen(localPort uint16, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.h.OpenListen(localPort, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.debug("conn:listen", slog.Uint64("lport", uint64(localPort)))
	if conn.metrics != nil {
		conn.metrics.ConnectionsOpened.WithLabelValues("passive").Inc()
		conn.metrics.ActiveConnections.Inc()
	}
	return nil
}

func (conn *Conn) Close() error {
	conn.mu.Lock()
	err := conn.h.Close()
	conn.trace("conn:close", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	conn.cond.Broadcast()
	conn.mu.Unlock()
	conn.notifyOutput()
	return err
}

// Abort terminates all state of the connection forcibly and wakes every
// blocked Read/Write with net.ErrClosed.
func (conn *Conn) Abort() {
	conn.mu.Lock()
	conn.trace("conn:abort", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	conn.h.Abort()
	conn.reset(conn.h)
	conn.abortErr = net.ErrClosed
	if conn.metrics != nil {
		conn.metrics.ConnectionsAborted.Inc()
		conn.metrics.ActiveConnections.Dec()
	}
	conn.cond.Broadcast()
	conn.mu.Unlock()
}

// InternalHandler returns the underlying Handler for low-level/testing use.
func (conn *Conn) InternalHandler() *Handler { return &conn.h }

// Write queues b to be sent, blocking while the send window/write queue
// cannot admit more (spec.md §6 write()).
func (conn *Conn) Write(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.checkPipeOpen(); err != nil {
		return 0, err
	}
	plen := len(b)
	if plen == 0 {
		return 0, nil
	}
	n := 0
	for n < plen {
		if err := conn.checkPipeOpen(); err != nil {
			return n, err
		}
		ngot, err := conn.h.Write(b[n:])
		n += ngot
		if err != nil && err != internal.ErrRingBufferFull {
			return n, err
		}
		if ngot > 0 {
			conn.armRetransmitLocked()
			conn.mu.Unlock()
			conn.notifyOutput()
			conn.mu.Lock()
			continue
		}
		if n == plen {
			break
		}
		if err := conn.waitLocked(&conn.wdead, func() bool {
			return conn.h.AvailableOutput() > 0 || !conn.h.State().TxDataOpen() || conn.abortErr != nil
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Read reads data received from the remote, blocking until data is
// available, the connection half-closes (io.EOF), or it aborts.
func (conn *Conn) Read(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.waitLocked(&conn.rdead, func() bool {
		return conn.h.BufferedInput() > 0 || !conn.h.State().RxDataOpen() || conn.abortErr != nil
	}); err != nil {
		if conn.h.BufferedInput() > 0 {
			return conn.h.Read(b)
		}
		return 0, err
	}
	return conn.h.Read(b)
}

// waitLocked blocks on conn.cond until ready() is true, the deadline (if
// non-zero) elapses, or the connection aborts. Must be called with conn.mu
// held; returns with conn.mu held.
func (conn *Conn) waitLocked(deadline *time.Time, ready func() bool) error {
	for !ready() {
		if conn.abortErr != nil {
			return conn.abortErr
		}
		if !deadline.IsZero() {
			if !time.Now().Before(*deadline) {
				return errDeadlineExceeded
			}
			d := time.Until(*deadline)
			wake := time.AfterFunc(d, func() {
				conn.mu.Lock()
				conn.cond.Broadcast()
				conn.mu.Unlock()
			})
			conn.cond.Wait()
			wake.Stop()
		} else {
			conn.cond.Wait()
		}
	}
	return nil
}

func (conn *Conn) checkPipeOpen() error {
	if conn.abortErr != nil {
		return conn.abortErr
	}
	if conn.h.State().IsClosed() {
		return net.ErrClosed
	}
	return nil
}

// Demux feeds one incoming network-order TCP segment, preceded by off
// bytes of IP header, into the connection, then manages the delayed-ACK
// and retransmit timers according to what the segment did (spec.md §4.5).
func (conn *Conn) Demux(buf []byte, off int) (err error) {
	conn.mu.Lock()
	if off >= len(buf) {
		conn.mu.Unlock()
		return errors.New("utcp: bad offset in Conn.Demux")
	}
	raddr, _, id, _, err := internal.GetIPAddr(buf[:off])
	if err != nil {
		conn.mu.Unlock()
		return err
	}
	if conn.isRaddrSet() && !bytes.Equal(conn.remoteAddr, raddr) {
		conn.mu.Unlock()
		return errors.New("utcp: IP addr mismatch on connection")
	}
	prevUnacked := conn.h.HasUnacked()
	prevBuffered := conn.h.BufferedInput()
	prevState := conn.h.State()
	prevChallengeAcks := conn.h.scb.ChallengeAckCount()
	err = conn.h.Recv(buf[off:])
	ackOnly := errors.Is(err, errDropSegmentAckOnly)
	if ackOnly {
		err = nil
	}
	if conn.metrics != nil {
		if got := conn.h.scb.ChallengeAckCount(); got > prevChallengeAcks {
			conn.metrics.ChallengeAcks.Add(float64(got - prevChallengeAcks))
		}
	}
	if err != nil {
		// A dropped segment may still have changed the TCB (a RST during
		// the handshake, a queued challenge ACK), so waiters are woken.
		conn.cond.Broadcast()
		conn.mu.Unlock()
		conn.notifyOutput()
		return err
	}
	if conn.metrics != nil {
		if newState := conn.h.State(); newState != prevState {
			conn.metrics.StateTransitions.WithLabelValues(newState.String()).Inc()
		}
	}
	if conn.h.State() == StateTimeWait {
		// spec.md §4.2: "any segment received restarts the [linger]
		// timer", whether this Recv just entered TIME-WAIT or the
		// connection was already lingering there. armLingerLocked always
		// replaces the deadline, so this covers both.
		conn.armLingerLocked(defaultMSL)
	}
	if !conn.isRaddrSet() && conn.h.RemotePort() != 0 {
		conn.remoteAddr = append(conn.remoteAddr[:0], raddr...)
		conn.ipID = ^(id - 1)
	}
	gotData := conn.h.BufferedInput() > prevBuffered || ackOnly
	if gotData {
		conn.scheduleAckLocked()
	}
	if prevUnacked && !conn.h.HasUnacked() {
		conn.rto = initialRTO
		conn.synTry, conn.dataTry = 0, 0
		conn.retrans.Cancel()
	} else if !prevUnacked && conn.h.HasUnacked() {
		conn.armRetransmitLocked()
	}
	if conn.h.State().IsClosed() {
		conn.abortErr = net.ErrClosed
	}
	conn.cond.Broadcast()
	conn.mu.Unlock()
	conn.notifyOutput()
	return nil
}

// scheduleAckLocked implements the delayed-ACK coalescing rule (spec.md
// §4.5: "ACK immediately if two segments are already pending, else start
// or refresh a 200ms delayed-ACK timer").
func (conn *Conn) scheduleAckLocked() {
	if conn.delack.Armed() {
		conn.delack.Cancel()
		conn.h.scb.ScheduleACK()
		conn.cond.Broadcast()
		if conn.metrics != nil {
			conn.metrics.DelayedAckCoalesced.Inc()
		}
		return
	}
	conn.delack.Arm(time.Now().Add(delackDelay), func() {
		conn.mu.Lock()
		conn.h.scb.ScheduleACK()
		conn.cond.Broadcast()
		if conn.metrics != nil {
			conn.metrics.DelayedAckFlushed.Inc()
		}
		conn.mu.Unlock()
		conn.notifyOutput()
	})
}

// armRetransmitLocked (re)arms the RTO timer at the connection's current
// backoff if there is unacknowledged data or an outstanding SYN (spec.md
// §8 testable property 6).
func (conn *Conn) armRetransmitLocked() {
	if !conn.h.HasUnacked() {
		conn.retrans.Cancel()
		return
	}
	if conn.rto == 0 {
		conn.rto = initialRTO
	}
	connid := conn.h.connid
	conn.retrans.Arm(time.Now().Add(conn.rto), func() { conn.onRTO(connid) })
}

// onRTO runs on the timer service goroutine. connid guards against firing
// against a Conn that has since been reused for a different connection
// (spec.md §9 weak connection identifiers).
func (conn *Conn) onRTO(connid uint64) {
	conn.mu.Lock()
	if conn.h.connid != connid || !conn.h.HasUnacked() {
		conn.mu.Unlock()
		return
	}
	synWait := conn.h.State() == StateSynSent
	if conn.metrics != nil {
		kind := "data"
		if synWait {
			kind = "syn"
		}
		conn.metrics.Retransmits.WithLabelValues(kind).Inc()
	}
	if synWait {
		conn.synTry++
		if conn.synTry > MaxSynRetries {
			conn.h.Abort()
			conn.abortErr = ErrTimedOut
			if conn.metrics != nil {
				conn.metrics.ConnectionsAborted.Inc()
			}
			conn.cond.Broadcast()
			conn.mu.Unlock()
			return
		}
	} else {
		conn.dataTry++
		if conn.dataTry > MaxDataRetries {
			conn.h.Abort()
			conn.abortErr = ErrTimedOut
			if conn.metrics != nil {
				conn.metrics.ConnectionsAborted.Inc()
			}
			conn.cond.Broadcast()
			conn.mu.Unlock()
			return
		}
	}
	conn.rto *= 2
	if conn.rto > maxRTO {
		conn.rto = maxRTO
	}
	conn.retransmitDue = true
	conn.retrans.Arm(time.Now().Add(conn.rto), func() { conn.onRTO(connid) })
	conn.mu.Unlock()
	conn.notifyOutput()
}

// NeedsRetransmit reports whether the RTO timer fired since the last
// EncapsulateRetransmit call.
func (conn *Conn) NeedsRetransmit() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.retransmitDue
}

// EncapsulateRetransmit serializes the oldest unacknowledged segment (or a
// fresh SYN, if one is still outstanding) instead of advancing the send
// sequence, mirroring Encapsulate's IP-address bookkeeping.
func (conn *Conn) EncapsulateRetransmit(carrierData []byte, offsetToIP, offsetToFrame int) (n int, err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.retransmitDue = false
	if len(conn.remoteAddr) == 0 {
		return 0, errNoRemoteAddr
	}
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	raddr, _, _, _, err := internal.GetIPAddr(ipFrame)
	if err != nil {
		return 0, err
	} else if len(raddr) != len(conn.remoteAddr) {
		return 0, errMismatchedIPVersion
	}
	n, ok, err := conn.h.Retransmit(carrierData[offsetToFrame:])
	if err != nil || !ok {
		return 0, err
	}
	conn.trace("conn:retransmit", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	err = internal.SetIPAddrs(ipFrame, conn.ipID, nil, conn.remoteAddr)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// armLingerLocked (re)schedules release of the TCB 2*MSL from now. Called
// on entering TIME-WAIT and again on every subsequent segment received
// while lingering there (spec.md §4.2: "any segment received restarts the
// timer"); Timer.Arm replaces any previously-armed deadline on this slot.
func (conn *Conn) armLingerLocked(msl time.Duration) {
	connid := conn.h.connid
	conn.linger.Arm(time.Now().Add(2*msl), func() {
		conn.mu.Lock()
		if conn.h.connid == connid && conn.h.State() == StateTimeWait {
			conn.h.scb.reset()
			conn.h.reset(0, 0, 0)
			conn.cond.Broadcast()
		}
		conn.mu.Unlock()
	})
}

// Encapsulate serializes the next outgoing segment (a fresh data, ACK or
// control segment, or nothing; retransmits go through
// EncapsulateRetransmit) into carrierData[offsetToFrame:], writing
// the IP header fields at carrierData[offsetToIP:offsetToFrame].
func (conn *Conn) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (n int, err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.remoteAddr) == 0 {
		return 0, errNoRemoteAddr
	}
	if offsetToIP < 0 {
		return 0, errNoRemoteAddr
	}
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	raddr, _, _, _, err := internal.GetIPAddr(ipFrame)
	if err != nil {
		return 0, err
	} else if len(raddr) != len(conn.remoteAddr) {
		return 0, errMismatchedIPVersion
	}
	prevUnacked := conn.h.HasUnacked()
	n, err = conn.h.Send(carrierData[offsetToFrame:])
	if err != nil || n == 0 {
		return 0, err
	}
	if !prevUnacked && conn.h.HasUnacked() {
		conn.armRetransmitLocked()
	}
	// TIME-WAIT is always entered via Recv (the rcvFinWait1/rcvFinWait2/
	// StateClosing branches in control.go), never by sending this
	// segment, so the linger timer is armed from Demux instead of here.
	conn.trace("conn:encaps", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	err = internal.SetIPAddrs(ipFrame, conn.ipID, nil, conn.remoteAddr)
	if err != nil {
		return 0, err
	}
	conn.ipID++
	return n, nil
}

func (conn *Conn) Protocol() uint64 { return ProtoTCP }

func (conn *Conn) isRaddrSet() bool { return len(conn.remoteAddr) != 0 }

func (conn *Conn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.setReadDeadline(t)
	if err != nil {
		return err
	}
	return conn.setWriteDeadline(t)
}

func (conn *Conn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setReadDeadline(t)
}

func (conn *Conn) setReadDeadline(t time.Time) error {
	err := conn.checkPipeOpen()
	if err == nil {
		conn.rdead = t
		conn.cond.Broadcast()
	}
	return err
}

func (conn *Conn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setWriteDeadline(t)
}

func (conn *Conn) setWriteDeadline(t time.Time) error {
	err := conn.checkPipeOpen()
	if err == nil {
		conn.wdead = t
		conn.cond.Broadcast()
	}
	return err
}

func (conn *Conn) ConnectionID() *uint64 { return conn.h.ConnectionID() }

func (conn *Conn) notifyOutput() {
	if conn.output != nil {
		conn.output()
	}
}
