package tcp

// State-specific handlers for ControlBlock.Recv, one per RFC 9293 state.
// Each returns the control flags that must be queued for the next outgoing
// segment, ported from the teacher's tcp/control_rcvhandlers.go and
// generalized to carry WL1/WL2 window-update bookkeeping (see control.go).

func (tcb *ControlBlock) rcvListen(seg Segment) (pending Flags, err error) {
	switch {
	case !seg.Flags.HasAll(FlagSYN):
		err = errExpectedSYN
	}
	if err != nil {
		return 0, err
	}
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	tcb.snd.WL1 = seg.SEQ
	tcb.snd.WL2 = tcb.snd.ISS

	tcb.pending[0] = synack
	tcb._state = StateSynRcvd
	return synack, nil
}

func (tcb *ControlBlock) rcvSynSent(seg Segment) (pending Flags, err error) {
	hasSyn := seg.Flags.HasAny(FlagSYN)
	hasAck := seg.Flags.HasAny(FlagACK)
	switch {
	case !hasSyn:
		err = errExpectedSYN
	case hasAck && seg.ACK != tcb.snd.UNA+1:
		err = errBadSegack
	}
	if err != nil {
		return 0, err
	}

	if hasAck {
		tcb._state = StateEstablished
		pending = FlagACK
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
		tcb.snd.UNA = seg.ACK
		tcb.snd.WND = seg.WND
		tcb.snd.WL1 = seg.SEQ
		tcb.snd.WL2 = seg.ACK
	} else {
		// Simultaneous open (RFC 9293 §3.5): bare SYN received while in
		// SYN-SENT, no ACK. Move to SYN-RECEIVED and re-send our own SYN|ACK.
		pending = synack
		tcb._state = StateSynRcvd
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (pending Flags, err error) {
	if seg.ACK != tcb.snd.UNA+1 {
		return 0, errBadSegack
	}
	tcb._state = StateEstablished
	tcb.snd.WL1 = seg.SEQ
	tcb.snd.WL2 = seg.ACK
	return 0, nil
}

func (tcb *ControlBlock) rcvEstablished(seg Segment) (pending Flags, err error) {
	flags := seg.Flags

	dataToAck := seg.DATALEN > 0
	hasFin := flags.HasAny(FlagFIN)
	if dataToAck || hasFin {
		pending = FlagACK
		if hasFin {
			tcb._state = StateCloseWait
			tcb.pending[1] = FlagFIN
		}
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	hasFin := flags&FlagFIN != 0
	hasAck := flags&FlagACK != 0
	switch {
	case hasFin && hasAck && seg.ACK == tcb.snd.NXT:
		// Remote ACKed our FIN in the same segment as their own FIN: skip
		// FIN-WAIT-2/CLOSING and go straight to TIME-WAIT.
		tcb._state = StateTimeWait
	case hasFin:
		tcb._state = StateClosing
	case hasAck:
		tcb._state = StateFinWait2
	default:
		return 0, errFinwaitExpectedACK
	}
	pending = FlagACK
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait2(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(finack) {
		return pending, errFinwaitExpectedFinack
	}
	tcb._state = StateTimeWait
	return FlagACK, nil
}
