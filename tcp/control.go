package tcp

import (
	"io"
	"log/slog"
	"math"
	"net"

	"github.com/lvlip/utcp/internal"
)

// ControlBlock is a Transmission Control Block (TCB) per RFC 9293 §3.3.1.
// As in the teacher this implementation it is generalized from, admission
// of out-of-order segments is handled one layer up (see Reassembler);
// ControlBlock itself only ever receives sequential segments and leaves
// buffer management to its caller. Its internal state is driven by the
// "system calls" of RFC 9293: Open/Close/Send/Recv.
type ControlBlock struct {
	// # Send Sequence Space
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//		   SND.UNA    SND.NXT    SND.UNA
	//								+SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	//		1          2          3
	//	----------|----------|----------
	//		   RCV.NXT    RCV.NXT
	//					 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv recvSpace
	// rstPtr carries the sequence number of a pending RST segment, set
	// when FlagRST is queued in pending, so the RST looks "believable"
	// per RFC 9293.
	rstPtr Value
	// pending is the queue of control flags to send in the next 2
	// segments. Send advances the queue, clearing flags it has sent.
	// The second slot holds a FIN queued behind the first slot's flags
	// (set when the peer's FIN moves the connection to CLOSE-WAIT).
	pending      [2]Flags
	_state       State // leading underscore keeps it out of the way of the State() method.
	challengeAck bool
	// ackDue is set by ScheduleACK when the delayed-ACK timer expires
	// (spec.md §4.5): PendingSegment otherwise never emits a bare ACK for
	// data that didn't also generate outgoing data or a control flag of
	// its own, so something has to force one out once the delay elapses.
	ackDue bool
	// mss is the effective segment size (spec.md §3 Config group): the
	// peer-announced MSS option value, or 536 if the peer sent none,
	// clamped to whatever local cap negotiateMSS was given. Output
	// segmentation (Handler.Send) never builds a data segment larger than
	// this.
	mss Size
	// challengeAckCount counts every challenge ACK sent (RFC 9293 §3.4.3),
	// read by Handler/Conn to drive Metrics.ChallengeAcks.
	challengeAckCount uint64
	logger
}

// ChallengeAckCount returns the lifetime count of challenge ACKs sent by
// this TCB, reset whenever the TCB is reused for a new connection.
func (tcb *ControlBlock) ChallengeAckCount() uint64 { return tcb.challengeAckCount }

// ScheduleACK forces the next PendingSegment call to emit a pure ACK, even
// if there is no outgoing data or control flag otherwise queued. Used by
// Conn.scheduleAckLocked (tcp/conn.go) when the delayed-ACK timer fires or
// a second segment arrives while it is armed.
func (tcb *ControlBlock) ScheduleACK() { tcb.ackDue = true }

// State returns the connection's current state.
func (tcb *ControlBlock) State() State { return tcb._state }

// RecvNext returns the next sequence number expected from the remote. 0
// before StateSynRcvd.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the local receive window. 0 if closed.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// ISS returns the initial send sequence number set on Open.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// defaultMSS is the RFC 9293 §3.7.1 fallback effective segment size
// assumed when a SYN/SYN|ACK carries no MSS option.
const defaultMSS Size = 536

// MSS returns the effective segment size negotiated for this connection:
// the peer-announced MSS option (or 536 if none was sent), clamped to the
// local cap passed to negotiateMSS. 536 before the handshake completes.
func (tcb *ControlBlock) MSS() Size {
	if tcb.mss == 0 {
		return defaultMSS
	}
	return tcb.mss
}

// negotiateMSS sets the effective segment size from a peer-announced MSS
// option value (spec.md §4.2 SYN_SENT input: "negotiate MSS from options
// (clamp to local MSS)"). peerMSS==0 means the peer sent no MSS option,
// in which case RFC 9293 §3.7.1's default of 536 applies. localCap==0
// means no local cap is imposed.
func (tcb *ControlBlock) negotiateMSS(peerMSS, localCap Size) {
	if peerMSS == 0 {
		peerMSS = defaultMSS
	}
	if localCap > 0 && localCap < peerMSS {
		peerMSS = localCap
	}
	tcb.mss = peerMSS
}

// MaxInFlightData returns the largest payload that can be sent right now
// given the remote's advertised window and what's already unacked. 0
// before StateSynRcvd.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb._state.hasIRS() {
		return 0
	}
	unacked := Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	if unacked >= tcb.snd.WND {
		return 0
	}
	return tcb.snd.WND - unacked
}

// SetRecvWindow sets the local receive window: the maximum amount of data
// the caller permits in flight from the remote.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) {
	tcb.rcv.WND = wnd
}

// SetLogger attaches a structured logger used for trace/debug/error output.
func (tcb *ControlBlock) SetLogger(log *slog.Logger) {
	tcb.logger = logger{internal.Logger{Log: log}}
}

// IncomingIsKeepalive reports whether seg is a keepalive probe. Keepalives
// must not be passed to Recv/Send.
func (tcb *ControlBlock) IncomingIsKeepalive(seg Segment) bool {
	return seg.SEQ == tcb.rcv.NXT-1 &&
		seg.Flags == FlagACK &&
		seg.ACK == tcb.snd.NXT && seg.DATALEN == 0
}

// MakeKeepalive builds a TCP keepalive segment. It must not be passed to
// Recv/Send.
func (tcb *ControlBlock) MakeKeepalive() Segment {
	return Segment{
		SEQ:   tcb.snd.NXT - 1,
		ACK:   tcb.rcv.NXT,
		Flags: FlagACK,
		WND:   tcb.rcv.WND,
	}
}

// sendSpace holds the Send Sequence Space: sequence numbers for local data.
type sendSpace struct {
	ISS Value // initial send sequence number, chosen locally on Open.
	UNA Value // send unacknowledged: seqs at/after this are not yet acked by remote.
	NXT Value // send next: this seq and up to UNA+WND-1 may be sent.
	WND Size  // window advertised by remote: permitted unacked octets in flight.
	WL1 Value // seg.SEQ of the segment that last updated WND (RFC9293 §3.10.7.4 bullet 5).
	WL2 Value // seg.ACK of the segment that last updated WND.
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }

func (snd *sendSpace) maxSend() Size {
	inFlight := snd.inFlight()
	if inFlight >= snd.WND {
		return 0
	}
	return snd.WND - inFlight
}

// recvSpace holds the Receive Sequence Space: sequence numbers for remote
// data.
type recvSpace struct {
	IRS Value // initial receive sequence number, set by the remote's SYN.
	NXT Value // receive next: seqs before this have been acked.
	WND Size  // local window: permitted unacked remote octets in flight.
}

// Open performs a passive open: on success the ControlBlock enters
// StateListen, waiting for an incoming SYN. To actively open a connection,
// call Send with a segment from ClientSynSegment instead.
func (tcb *ControlBlock) Open(iss Value, wnd Size) error {
	var err error
	switch {
	case tcb._state != StateClosed && tcb._state != StateListen:
		err = errNeedClosedTCBToOpen
	case wnd > math.MaxUint16:
		err = errWindowTooLarge
	}
	if err != nil {
		tcb.logerr("tcb:open", slog.String("err", err.Error()))
		return err
	}
	tcb._state = StateListen
	tcb.prepareToHandshake(iss, wnd)
	tcb.trace("tcb:open-server")
	return nil
}

func (tcb *ControlBlock) prepareToHandshake(iss Value, wnd Size) {
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
	tcb.mss = 0
}

// HasPending reports whether a control segment is queued to send.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// PendingSegment computes the next segment to send for a given payload
// length. It does not advance the sequence space or the pending flags
// (Send does that), but it does consume a queued challenge ACK and a
// delayed ACK set by ScheduleACK.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}, true
	}
	pending := tcb.pending[0]
	established := tcb._state == StateEstablished
	if !established && tcb._state != StateCloseWait {
		payloadLen = 0
	}
	ackDue := tcb.ackDue && (established || tcb._state == StateCloseWait)
	if pending == 0 && payloadLen == 0 && !ackDue {
		return Segment{}, false
	}
	if ackDue {
		tcb.ackDue = false
		pending |= FlagACK
	}

	maxPayload := tcb.snd.maxSend()
	if payloadLen > int(maxPayload) {
		if maxPayload == 0 && !tcb.pending[0].HasAny(FlagFIN|FlagRST|FlagSYN) {
			return Segment{}, false
		} else if maxPayload > tcb.snd.WND {
			panic("utcp: bad send-window calculation")
		}
		payloadLen = int(maxPayload)
	}

	if established {
		pending |= FlagACK
	} else {
		payloadLen = 0
	}

	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}
	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}

	seg := Segment{SEQ: seq, ACK: ack, WND: tcb.rcv.WND, Flags: pending, DATALEN: Size(payloadLen)}
	tcb.traceSeg("tcb:pending-out", seg)
	return seg, true
}

// Recv processes an incoming segment and advances the TCB. Segments must
// arrive in sequence order — out-of-order admission is the caller's
// responsibility (see Reassembler).
func (tcb *ControlBlock) Recv(seg Segment) error {
	if err := tcb.validateIncomingSegment(seg); err != nil {
		tcb.traceRcv("tcb:rcv.reject")
		tcb.traceSeg("tcb:rcv.reject", seg)
		tcb.logerr("tcb:rcv.reject", slog.String("err", err.Error()))
		return err
	}

	prevNxt := tcb.snd.NXT
	var pending Flags
	var err error
	switch tcb._state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateCloseWait:
		// RFC 9293: remote has nothing more to tell us until we close our half.
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.close()
		}
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb._state = StateTimeWait
		}
	case StateTimeWait:
		// RFC 9293 §3.10.7.7: the peer's last ACK may have been lost, so
		// its FIN (or a stray probe) can still arrive here. Re-ACK rather
		// than drop; Conn is the one that restarts the 2*MSL linger timer
		// on any segment received in this state (spec.md §4.2).
		pending = FlagACK
	default:
		panic("utcp: unexpected recv state: " + tcb._state.String())
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending
	if prevNxt != 0 && tcb.snd.NXT != prevNxt && tcb.logenabled(slog.LevelDebug) {
		tcb.debug("tcb:snd.nxt-change", slog.String("state", tcb._state.String()),
			slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)),
			slog.Uint64("prevnxt", uint64(prevNxt)), slog.Uint64("seg.seq", uint64(seg.SEQ)))
	}

	// Accept the segment: update window only per the RFC9293 §3.10.7.4
	// bullet 5 rule (WL1/WL2), not unconditionally on every segment.
	if seg.Flags.HasAny(FlagACK) {
		if tcb.snd.WL1.LessThan(seg.SEQ) || (tcb.snd.WL1 == seg.SEQ && tcb.snd.WL2.LessThanEq(seg.ACK)) {
			tcb.snd.WND = seg.WND
			tcb.snd.WL1 = seg.SEQ
			tcb.snd.WL2 = seg.ACK
		}
		tcb.snd.UNA = seg.ACK
	}
	seglen := seg.LEN()
	tcb.rcv.NXT.UpdateForward(seglen)

	if tcb.logenabled(internal.LevelTrace) {
		tcb.traceRcv("tcb:rcv")
		tcb.traceSeg("recv:seg", seg)
	}
	return nil
}

// Send processes an outgoing segment and advances the TCB.
func (tcb *ControlBlock) Send(seg Segment) error {
	if err := tcb.validateOutgoingSegment(seg); err != nil {
		tcb.traceSnd("tcb:snd.reject")
		tcb.traceSeg("tcb:snd.reject", seg)
		tcb.logerr("tcb:snd.reject", slog.String("err", err.Error()))
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb._state {
	case StateClosed:
		if seg.Flags == FlagSYN {
			tcb._state = StateSynSent
			tcb.prepareToHandshake(seg.SEQ, seg.WND)
			tcb.trace("tcb:open-client")
		}
	case StateSynRcvd:
		if hasFIN {
			tcb._state = StateFinWait1
		}
	case StateEstablished:
		if hasFIN {
			tcb._state = StateFinWait1
		}
	case StateCloseWait:
		if hasFIN {
			tcb._state = StateLastAck
		} else if hasACK {
			newPending = finack
		}
	}

	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	seglen := seg.LEN()
	tcb.snd.NXT.UpdateForward(seglen)
	tcb.rcv.WND = seg.WND

	if tcb.logenabled(internal.LevelTrace) {
		tcb.traceSnd("tcb:snd")
		tcb.traceSeg("tcb:snd", seg)
	}
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) (err error) {
	hasAck := seg.Flags.HasAny(FlagACK)
	isFirst := tcb._state == StateClosed && seg.isFirstSYN()
	checkSeq := !isFirst && !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	zeroWindowOK := tcb.snd.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.snd.NXT
	outOfWindow := checkSeq && !seg.SEQ.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK
	switch {
	case tcb._state == StateClosed && !isFirst:
		err = io.ErrClosedPipe
	case seg.WND > math.MaxUint16:
		err = errWindowTooLarge
	case hasAck && seg.ACK != tcb.rcv.NXT:
		err = errAckNotNext
	case outOfWindow:
		if tcb.snd.WND == 0 {
			err = errZeroWindow
		} else {
			err = errSeqNotInWindow
		}
	case seg.DATALEN > 0 && (tcb._state == StateFinWait1 || tcb._state == StateFinWait2):
		err = errConnectionClosing
	case checkSeq && tcb.snd.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.snd.NXT:
		err = errZeroWindow
	case checkSeq && !seglast.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK:
		err = errLastNotInWindow
	}
	return err
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) (err error) {
	flags := seg.Flags
	hasAck := flags.HasAll(FlagACK)
	// RST is exempt from the strict "seq == rcv.NXT" sequencing check, the
	// same way validateOutgoingSegment exempts it: a RST merely landing
	// inside the receive window must reach handleRST so it can challenge-ACK
	// rather than being dropped as merely out of sequence.
	checkSEQ := !flags.HasAny(FlagSYN) && !flags.HasAny(FlagRST)
	established := tcb._state == StateEstablished
	preestablished := tcb._state.IsPreestablished()
	acksOld := hasAck && !tcb.snd.UNA.LessThan(seg.ACK)
	acksUnsentData := hasAck && !seg.ACK.LessThanEq(tcb.snd.NXT)
	ctlOrDataSegment := established && (seg.DATALEN > 0 || flags.HasAny(FlagFIN|FlagRST))
	zeroWindowOK := tcb.rcv.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.rcv.NXT

	switch {
	case seg.WND > math.MaxUint16:
		err = errWindowOverflow
	case tcb._state == StateClosed:
		err = io.ErrClosedPipe
	case flags.HasAny(FlagRST) && tcb._state != StateSynSent && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		err = errSeqNotInWindow
	case checkSEQ && tcb.rcv.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.rcv.NXT:
		err = errZeroWindow
	case checkSEQ && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		err = errSeqNotInWindow
	case checkSEQ && !seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		err = errLastNotInWindow
	case checkSEQ && seg.SEQ != tcb.rcv.NXT:
		err = errRequireSequential
	}
	if err != nil {
		return err
	}
	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}
	if flags.HasAny(FlagSYN) && tcb._state.IsSynchronized() {
		// RFC 9293 §3.10.7.4: a SYN on a synchronized connection draws a
		// challenge ACK and is otherwise dropped.
		tcb.challengeAck = true
		tcb.challengeAckCount++
		return errDropSegment
	}

	isDebug := tcb.logenabled(slog.LevelDebug)
	switch {
	// RFC9293 §3.10.7.4: duplicate ACKs and ACKs of unsent data on an
	// established connection are dropped, not treated as errors.
	case established && acksOld && !ctlOrDataSegment:
		err = errDropSegment
		tcb.pending[0] &= FlagFIN
		if isDebug {
			tcb.debug("rcv:ACK-dup", slog.String("state", tcb._state.String()),
				slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.una", uint64(tcb.snd.UNA)))
		}
	case established && acksUnsentData:
		err = errDropSegment
		tcb.pending[0] = FlagACK
		if isDebug {
			tcb.debug("rcv:ACK-unsent", slog.String("state", tcb._state.String()),
				slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)))
		}
	case preestablished && (acksOld || acksUnsentData):
		err = errDropSegment
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		if isDebug {
			tcb.debug("rcv:RST-old", slog.String("state", tcb._state.String()), slog.Uint64("ack", uint64(seg.ACK)))
		}
	}
	return err
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{ISS: localISS, UNA: localISS, NXT: localISS, WND: remoteWND}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{IRS: remoteISS, NXT: remoteISS, WND: localWND}
}

func (tcb *ControlBlock) handleRST(seq Value) error {
	tcb.debug("rcv:RST", slog.String("state", tcb._state.String()))
	if seq != tcb.rcv.NXT {
		// RFC9293: if RST doesn't exactly match rcv.NXT but falls within
		// the receive window, send a challenge ACK instead of resetting.
		tcb.challengeAck = true
		tcb.challengeAckCount++
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	if tcb._state.IsPreestablished() {
		tcb.pending[0] = 0
		tcb._state = StateListen
		tcb.resetSnd(tcb.snd.ISS+tcb.rstJump(), tcb.snd.WND)
		tcb.resetRcv(tcb.rcv.WND, 3_14159_2653^tcb.rcv.IRS)
	} else {
		tcb.close()
		return net.ErrClosed
	}
	return errDropSegment
}

func (tcb *ControlBlock) rstJump() Value { return 100 }

// close resets the TCB fully to StateClosed.
func (tcb *ControlBlock) close() {
	tcb._state = StateClosed
	tcb.pending = [2]Flags{}
	tcb.challengeAck = false
	tcb.challengeAckCount = 0
	tcb.ackDue = false
	tcb.mss = 0
	tcb.resetRcv(0, 0)
	tcb.resetSnd(0, 0)
	tcb.debug("tcb:close")
}

// Abort immediately discards all TCB state and moves to StateClosed,
// without going through the graceful FIN sequence. Used when an
// application calls abort() or when a fatal connection-level error is
// latched. No RST is queued or sent to the peer.
func (tcb *ControlBlock) Abort() {
	tcb.close()
}

// reset clears all TCB state back to StateClosed. Called by Handler before
// reusing a TCB for a new connection (OpenActive/OpenListen).
func (tcb *ControlBlock) reset() {
	tcb.close()
}

// Close begins passive/active connection teardown. From LISTEN or SYN-SENT
// it discards the TCB at once (StateClosed); from the other open states it
// keeps the TCB and arranges for pending outgoing segments to carry the
// close forward. Callers must not Send data after calling Close.
func (tcb *ControlBlock) Close() (err error) {
	switch tcb._state {
	case StateClosed:
		err = errConnNotexist
	case StateCloseWait:
		tcb._state = StateLastAck
		tcb.pending = [2]Flags{finack, 0}
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished:
		tcb.pending[0] = (tcb.pending[0] & FlagACK) | FlagFIN
	case StateFinWait2, StateTimeWait:
		err = errConnectionClosing
	default:
		err = errInvalidState
	}
	if err == nil {
		tcb.trace("tcb:close", slog.String("state", tcb._state.String()))
	} else {
		tcb.logerr("tcb:close", slog.String("err", err.Error()))
	}
	return err
}
