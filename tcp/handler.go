package tcp

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"log/slog"

	"github.com/lvlip/utcp/internal"
)

var (
	errMismatchedSrcPort = errors.New("utcp: source port mismatch")
	errMismatchedDstPort = errors.New("utcp: destination port mismatch")
)

// Handler is the low-level TCP data structure: frame sequencing, buffering
// and state-machine glue, with no knowledge of IP addressing and no
// knowledge of timers/time.Time itself (spec.md §4.3's output path and
// §3's buffering, ported and extended from the teacher's tcp/handler.go).
// Out-of-order admission (spec.md §4.2 step 6, absent from the teacher)
// happens here via Reassembler, one layer above ControlBlock, which only
// ever receives sequential segments. Deadlines, retransmit scheduling and
// keepalive/linger timers live in Conn, which owns Handler and a set of
// [Timer] slots bound to a shared [timerService].
type Handler struct {
	connid     uint64
	scb        ControlBlock
	bufTx      ringTx
	bufRx      internal.Ring
	reasm      Reassembler
	localPort  uint16
	remotePort uint16
	optcodec   OptionCodec
	closing    bool
	metrics    *Metrics
	// localMSS is the MSS value this Handler advertises in its own SYN and
	// the cap negotiateMSS applies to whatever the peer announces.
	localMSS Size
	logger
}

// defaultLocalMSS is used when no explicit local MSS cap has been
// configured (spec.md §4.2: "clamp to local MSS").
const defaultLocalMSS Size = 1460

// SetLocalMSS sets the MSS value this Handler advertises in its SYN
// options and the ceiling applied to whatever MSS the peer announces.
// mss==0 resets to defaultLocalMSS.
func (h *Handler) SetLocalMSS(mss Size) { h.localMSS = mss }

func (h *Handler) advertisedMSS() Size {
	if h.localMSS == 0 {
		return defaultLocalMSS
	}
	return h.localMSS
}

func (h *Handler) SetLoggers(handler, scb *slog.Logger) {
	h.logger.Log = handler
	h.scb.logger.Log = scb
}

// ConnectionID returns the connection identifier, incremented every time
// the Handler is reused for a new connection.
func (h *Handler) ConnectionID() *uint64 { return &h.connid }

// State returns the state of the TCP state machine (see State).
func (h *Handler) State() State { return h.scb.State() }

// SetBuffers sets the buffers used to assemble outgoing segments and
// accumulate incoming data. A nil argument reuses the currently set
// buffer. maxOfo bounds the out-of-order queue (spec.md §3 ofo_queue).
func (h *Handler) SetBuffers(txbuf, rxbuf []byte, packets, maxOfo int) error {
	if h.bufRx.Buf == nil && (len(rxbuf) < minBufferSize || len(txbuf) < minBufferSize) {
		return errors.New("utcp: short buffer")
	}
	if !h.scb.State().IsClosed() {
		return errors.New("utcp: handler must be closed before setting buffers")
	}
	if rxbuf != nil {
		h.bufRx.Buf = rxbuf
	}
	h.scb.SetRecvWindow(Size(h.bufRx.Size()))
	h.bufRx.Reset()
	h.reasm.Reset(maxOfo)
	return h.bufTx.ResetOrReuse(txbuf, packets, 0)
}

// LocalPort returns the local port, 0 if unset.
func (h *Handler) LocalPort() uint16 { return h.localPort }

// RemotePort returns the remote port, 0 if the connection is passive and
// not yet established.
func (h *Handler) RemotePort() uint16 { return h.remotePort }

// OpenActive prepares an active ("client") connection to a known remote
// port.
func (h *Handler) OpenActive(localPort, remotePort uint16, iss Value) error {
	if remotePort == 0 {
		return errZeroDstPort
	} else if h.bufRx.Size() < minBufferSize || h.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	} else if h.scb.State() != StateClosed && h.scb.State() != StateTimeWait {
		return errNeedClosedTCBToOpen
	}
	h.scb.reset()
	h.reset(localPort, remotePort, iss)
	h.scb.SetRecvWindow(Size(h.bufRx.Size()))
	return nil
}

// OpenListen prepares a passive ("server") connection awaiting the first
// SYN on localPort.
func (h *Handler) OpenListen(localPort uint16, iss Value) error {
	if localPort == 0 {
		return errZeroSrcPort
	} else if h.bufRx.Size() < minBufferSize || h.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	}
	err := h.scb.Open(iss, Size(h.bufRx.Size()))
	if err != nil {
		return err
	}
	h.reset(localPort, 0, iss)
	return nil
}

// Abort forcibly terminates all state. No more data may be sent or
// received after this call. A stateless RST is the caller's
// responsibility to emit (spec.md §7: RST generated on abort).
func (h *Handler) Abort() {
	h.info("tcp.Handler.Abort")
	h.scb.Abort()
	h.reset(0, 0, 0)
}

func (h *Handler) reset(localPort, remotePort uint16, iss Value) {
	maxOfo := cap(h.reasm.segs)
	if maxOfo == 0 {
		maxOfo = 8
	}
	*h = Handler{
		connid:     h.connid + 1,
		scb:        h.scb,
		bufTx:      h.bufTx,
		bufRx:      h.bufRx,
		localPort:  localPort,
		remotePort: remotePort,
		logger:     h.logger,
		metrics:    h.metrics,
		localMSS:   h.localMSS,
		closing:    false,
	}
	h.bufTx.ResetOrReuse(nil, 0, iss)
	h.bufRx.Reset()
	h.reasm.Reset(maxOfo)
}

// Recv processes an incoming TCP frame (first byte is the TCP header's
// first octet). Out-of-order data segments are buffered in the
// reassembler rather than rejected; every contiguous prefix unblocked by
// the arriving segment is drained into the receive buffer before
// returning (spec.md §4.2 step 6, §8 property 2).
func (h *Handler) Recv(incomingPacket []byte) error {
	// Unlike Send, Recv does not bail out on IsTxOver's TIME-WAIT clause:
	// a segment arriving in TIME-WAIT with nothing currently pending is
	// exactly the case that must still reach ControlBlock.Recv so it can
	// be re-ACKed and restart the linger timer (spec.md §4.2).
	if h.State() == StateClosed && !h.AwaitingSynSend() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(incomingPacket)
	if err != nil {
		return err
	}
	if err := tfrm.ValidateExceptCRC(); err != nil {
		return err
	}

	remotePort := tfrm.SourcePort()
	if h.remotePort != 0 && remotePort != h.remotePort {
		return errMismatchedSrcPort
	}
	if h.localPort != tfrm.DestinationPort() {
		return errMismatchedDstPort
	}
	payload := tfrm.Payload()
	segIncoming := tfrm.Segment(len(payload))
	if h.scb.IncomingIsKeepalive(segIncoming) {
		h.info("tcp.Handler:rx-keepalive", slog.Uint64("port", uint64(h.localPort)))
		return nil
	}

	established := h.scb.State() == StateEstablished || h.scb.State() == StateCloseWait
	rcvNxt := h.scb.RecvNext()
	isOutOfOrder := established && segIncoming.DATALEN > 0 && segIncoming.SEQ != rcvNxt &&
		segIncoming.SEQ.InWindow(rcvNxt, h.scb.RecvWindow())
	if isOutOfOrder {
		if len(payload)+h.ofoBuffered() > h.bufRx.Free() {
			return errors.New("utcp: rx buffer full")
		}
		buffered := append([]byte(nil), payload...)
		hasFin := segIncoming.Flags.HasAny(FlagFIN)
		err := h.reasm.Insert(rcvNxt, segIncoming.SEQ, buffered, hasFin)
		if err != nil {
			h.debug("tcp.Handler:ofo-drop", slog.String("err", err.Error()))
			if h.metrics != nil {
				h.metrics.OutOfOrderDropped.Inc()
			}
		} else if h.metrics != nil {
			h.metrics.OutOfOrderInserts.Inc()
		}
		h.debug("tcp.Handler:ofo-insert", slog.Uint64("port", uint64(h.localPort)),
			slog.Uint64("seg.seq", uint64(segIncoming.SEQ)), slog.Uint64("rcv.nxt", uint64(rcvNxt)))
		// Out-of-order segments are still acknowledged: Conn.Demux
		// schedules that ACK through the same delayed-ACK path as
		// in-order data.
		return errDropSegmentAckOnly
	}

	if segIncoming.Flags.HasAny(FlagSYN) {
		h.negotiateMSS(tfrm.Options())
	}

	prevState := h.scb.State()
	err = h.scb.Recv(segIncoming)
	if err != nil {
		return err
	}
	if h.scb.State() == StateClosed {
		return net.ErrClosed
	}
	if prevState != h.scb.State() && h.logenabled(slog.LevelInfo) {
		h.info("tcp.Handler:rx-statechange", slog.Uint64("port", uint64(h.localPort)),
			slog.String("old", prevState.String()), slog.String("new", h.scb.State().String()))
	}
	if segIncoming.DATALEN != 0 {
		if _, err := h.bufRx.Write(payload); err != nil {
			return err
		}
	}
	if segIncoming.DATALEN > 0 || segIncoming.Flags.HasAny(FlagFIN) {
		// The contiguous prefix may now extend further thanks to
		// previously out-of-order segments. Drain itself accounts for
		// every drained byte (plus one more for a drained FIN) in the
		// rcv.NXT it returns; that value, not a manual per-segment bump,
		// is what must land in the TCB, or data delivered out of the
		// reassembler never advances rcv.NXT and the peer retransmits it.
		newRcvNxt := h.reasm.Drain(h.scb.RecvNext(), func(data []byte, fin bool) {
			if len(data) > 0 {
				h.bufRx.Write(data)
			}
			if fin && h.scb.State() == StateEstablished {
				h.scb._state = StateCloseWait
				h.scb.pending[1] = FlagFIN
			}
		})
		h.scb.rcv.NXT = newRcvNxt
	}
	if segIncoming.Flags.HasAny(FlagSYN) && h.remotePort == 0 {
		h.debug("tcp.Handler:rx-remoteport-set", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("remoteport", uint64(remotePort)))
		h.remotePort = remotePort
	}
	return nil
}

// negotiateMSS scans opts for an MSS option (kind 2, length 4, spec.md §6
// "Wire format") and feeds whatever it finds (or 0, if absent) to
// ControlBlock.negotiateMSS along with this Handler's local cap.
func (h *Handler) negotiateMSS(opts []byte) {
	var peerMSS Size
	h.optcodec.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize && len(data) == 2 {
			peerMSS = Size(binary.BigEndian.Uint16(data))
		}
		return nil
	})
	h.scb.negotiateMSS(peerMSS, h.advertisedMSS())
}

// ofoBuffered returns the total bytes currently held in the out-of-order
// queue, used to judge whether a new out-of-order segment still fits in
// the advertised receive window.
func (h *Handler) ofoBuffered() int {
	n := 0
	for _, s := range h.reasm.segs {
		n += len(s.data)
	}
	return n
}

// errDropSegmentAckOnly signals Recv buffered an out-of-order segment
// without otherwise mutating sequence state. Conn.Demux treats it as a
// successful Recv and schedules an ACK through its delayed-ACK path.
var errDropSegmentAckOnly = errors.New("utcp: out-of-order segment buffered")

func (h *Handler) Close() error {
	h.trace("tcp.Handler.Close")
	if h.closing {
		return errConnectionClosing
	} else if h.State().IsClosed() {
		return net.ErrClosed
	}
	h.closing = true
	return nil
}

// Send writes a TCP frame (header+options+payload, no IP framing) to b.
// Returns the number of bytes written to b.
func (h *Handler) Send(b []byte) (int, error) {
	if h.IsTxOver() {
		return 0, net.ErrClosed
	}
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	buffered := h.bufTx.BufferedUnsent()
	if buffered == 0 && h.closing {
		h.closing = false
		err = h.scb.Close()
		if err != nil {
			h.logerr("tcp.Handler.Close", slog.String("err", errstr(err)), slog.String("state", h.State().String()))
			h.Abort()
			return 0, io.EOF
		}
	}
	offset := uint8(5)
	var segment Segment
	if h.AwaitingSynSend() {
		segment = ClientSynSegment(h.bufTx.iss, Size(h.bufRx.Size()))
		h.optcodec.PutOption16(b[sizeHeaderTCP:], OptMaxSegmentSize, uint16(h.advertisedMSS()))
		offset++
	} else {
		available := min(buffered, len(b)-sizeHeaderTCP, int(h.scb.MSS()))
		var ok bool
		segment, ok = h.scb.PendingSegment(available)
		if !ok {
			return 0, nil
		}
		if available > 0 {
			n, err := h.bufTx.MakePacket(b[sizeHeaderTCP:sizeHeaderTCP+int(segment.DATALEN)], segment.SEQ)
			if err != nil {
				return 0, err
			} else if n != int(segment.DATALEN) {
				panic("utcp: expected n == available")
			}
		} else if segment.Flags.HasAll(synack) {
			h.optcodec.PutOption16(b[sizeHeaderTCP:], OptMaxSegmentSize, uint16(h.advertisedMSS()))
			offset++
		}
	}
	err = h.scb.Send(segment)
	if err != nil {
		return 0, err
	}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(segment, offset)
	tfrm.SetUrgentPtr(0)
	datalen := int(offset)*4 + int(segment.DATALEN)
	// TIME-WAIT's release is driven solely by Conn's 2*MSL linger timer
	// (spec.md §4.5), not by sending this ACK: the peer may still resend
	// its FIN if this ACK is lost, and Recv must still be reachable to
	// re-ACK and restart that timer.
	return datalen, nil
}

// Retransmit re-serializes the oldest not-yet-acknowledged data, or the
// original SYN if the connection is still awaiting its peer's SYN|ACK,
// into b. Called by Conn.EncapsulateRetransmit after Conn.onRTO has
// flagged a retransmit, never by the ordinary Send path. ok is false if
// nothing needs retransmitting.
func (h *Handler) Retransmit(b []byte) (n int, ok bool, err error) {
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, false, err
	}
	if h.scb.State() == StateSynSent {
		seg := ClientSynSegment(h.scb.ISS(), Size(h.bufRx.Size()))
		tfrm.SetSourcePort(h.localPort)
		tfrm.SetDestinationPort(h.remotePort)
		tfrm.SetSegment(seg, 6)
		if _, err := h.optcodec.PutOption16(b[sizeHeaderTCP:], OptMaxSegmentSize, uint16(h.advertisedMSS())); err != nil {
			return 0, false, err
		}
		tfrm.SetUrgentPtr(0)
		return sizeHeaderTCP + 4, true, nil
	}
	if !h.bufTx.HasUnacked() {
		return 0, false, nil
	}
	dn, seq, ok := h.bufTx.PeekOldest(b[sizeHeaderTCP:])
	if !ok {
		return 0, false, nil
	}
	seg := Segment{SEQ: seq, ACK: h.scb.RecvNext(), Flags: FlagACK, WND: Size(h.bufRx.Free()), DATALEN: Size(dn)}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(seg, 5)
	tfrm.SetUrgentPtr(0)
	return sizeHeaderTCP + dn, true, nil
}

// HasUnacked reports whether the retransmit timer must stay armed
// (spec.md §3 invariant / §8 property 6): either a SYN is outstanding, or
// the write queue holds unacknowledged bytes.
func (h *Handler) HasUnacked() bool {
	return h.scb.State() == StateSynSent || h.bufTx.HasUnacked()
}

// FreeTx returns the space free in the transmit buffer.
func (h *Handler) FreeTx() int { return h.bufTx.Free() }

// FreeRx returns the space free in the receive buffer.
func (h *Handler) FreeRx() int { return h.bufRx.Free() }

// SizeRx returns the receive ring buffer's capacity.
func (h *Handler) SizeRx() int { return h.bufRx.Size() }

// Write queues b to be sent over the network on the next Send call.
func (h *Handler) Write(b []byte) (int, error) {
	state := h.State()
	if h.closing {
		return 0, errConnectionClosing
	} else if !state.TxDataOpen() {
		return 0, net.ErrClosed
	}
	return h.bufTx.Write(b)
}

// Read reads data received from the remote peer.
func (h *Handler) Read(b []byte) (n int, err error) {
	if h.bufRx.Buffered() > 0 {
		n, err = h.bufRx.Read(b)
	}
	if n == 0 && err == nil {
		state := h.State()
		if state.IsClosed() {
			err = net.ErrClosed
		} else if !state.RxDataOpen() {
			err = io.EOF
		}
	}
	return n, err
}

// BufferedInput returns the number of bytes ready to Read.
func (h *Handler) BufferedInput() int { return h.bufRx.Buffered() }

// BufferedUnsent returns the number of bytes queued by Write but not yet
// handed to Send.
func (h *Handler) BufferedUnsent() int { return h.bufTx.BufferedUnsent() }

// AvailableOutput returns the space Write may still accept.
func (h *Handler) AvailableOutput() int { return h.bufTx.Free() }

// AwaitingSynResponse reports whether this is an active client that has
// sent its SYN and is waiting on SYN|ACK.
func (h *Handler) AwaitingSynResponse() bool {
	return h.remotePort != 0 && h.scb.State() == StateSynSent
}

// AwaitingSynAck reports whether this is a passive server that has not
// yet received a SYN.
func (h *Handler) AwaitingSynAck() bool {
	return h.remotePort == 0 && h.scb.State() == StateListen
}

// AwaitingSynSend reports whether this is an active client that has not
// yet sent its first SYN.
func (h *Handler) AwaitingSynSend() bool {
	return h.remotePort != 0 && h.scb.State() == StateClosed
}

// IsTxOver reports whether no more frames will ever be transmitted on this
// Handler's current connection.
func (h *Handler) IsTxOver() bool {
	state := h.State()
	return state == StateClosed && !h.AwaitingSynSend() ||
		state == StateTimeWait && !h.scb.HasPending()
}

func errstr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
