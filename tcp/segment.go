package tcp

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

var (
	// errDropSegment signals that a segment must be silently discarded.
	errDropSegment    = errors.New("utcp: drop segment")
	errWindowTooLarge = errors.New("utcp: invalid window size > 2**16")

	errBufferTooSmall      = errors.New("utcp: buffer too small")
	errNeedClosedTCBToOpen = errors.New("utcp: need closed TCB to call open")
	errInvalidState        = errors.New("utcp: invalid state")
	errConnNotexist        = errors.New("utcp: connection does not exist")
	errConnectionClosing   = errors.New("utcp: connection closing")
	errExpectedSYN         = errors.New("utcp: seqs: expected SYN")
	errBadSegack           = errors.New("utcp: seqs: bad segment ack")
	errFinwaitExpectedACK    = errors.New("utcp: finwait1: expected ACK or FIN")
	errFinwaitExpectedFinack = errors.New("utcp: finwait2: expected FIN|ACK")

	errWindowOverflow    = newRejectErr("wnd > 2**16")
	errSeqNotInWindow    = newRejectErr("seq not in snd/rcv.wnd")
	errZeroWindow        = newRejectErr("zero window")
	errLastNotInWindow   = newRejectErr("last not in snd/rcv.wnd")
	errRequireSequential = newRejectErr("seq != rcv.nxt (require sequential segments)")
	errAckNotNext        = newRejectErr("ack != snd.nxt")
)

func newRejectErr(err string) *RejectError { return &RejectError{err: "reject in/out seg: " + err} }

// RejectError is returned when a segment cannot be admitted into a
// ControlBlock's sequence space bookkeeping.
type RejectError struct{ err string }

func (e *RejectError) Error() string { return e.err }

// Segment is an incoming or outgoing TCP segment reduced to the fields the
// state machine reasons about: its place in the sequence space, its
// advertised window, and its flags. The header bytes themselves live in
// Frame; Segment is what ControlBlock consumes and produces.
type Segment struct {
	SEQ     Value // sequence number of the segment's first octet (the ISN if SYN is set).
	ACK     Value // acknowledgment number, valid only if Flags has FlagACK set.
	DATALEN Size  // payload octets, excluding the SYN/FIN control octets.
	WND     Size  // advertised window.
	Flags   Flags
}

// LEN returns the segment length in octets, counting SYN and FIN as one
// octet each per RFC9293 §3.4.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // FIN
	add += Size(seg.Flags>>1) & 1 // SYN
	return seg.DATALEN + add
}

// Last returns the sequence number of the segment's last octet.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

// String renders a segment as e.g. "<SEQ=300><ACK=91><DATA=4>[SYN,ACK]".
func (seg Segment) String() string {
	buf := make([]byte, 0, 48)
	buf = append(buf, '<')
	buf = append(buf, "SEQ"...)
	buf = append(buf, '=')
	buf = strconv.AppendInt(buf, int64(seg.SEQ), 10)
	buf = append(buf, '>', '<')
	buf = append(buf, "ACK"...)
	buf = append(buf, '=')
	buf = strconv.AppendInt(buf, int64(seg.ACK), 10)
	buf = append(buf, '>')
	if seg.DATALEN > 0 {
		buf = append(buf, '<', 'D', 'A', 'T', 'A', '=')
		buf = strconv.AppendInt(buf, int64(seg.DATALEN), 10)
		buf = append(buf, '>')
	}
	buf = append(buf, seg.Flags.String()...)
	return string(buf)
}

func (seg Segment) isFirstSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0 && seg.WND > 0
}

// ClientSynSegment builds the first segment an active opener sends.
func ClientSynSegment(clientISS Value, clientWND Size) Segment {
	return Segment{SEQ: clientISS, WND: clientWND, Flags: FlagSYN}
}

// StringExchange renders a segment exchange in RFC9293-figure style, e.g.:
//
//	SYN-SENT      --> <SEQ=300><ACK=91>[SYN,ACK]     --> SYN-RECEIVED
func StringExchange(seg Segment, a, b State, invertDir bool) string {
	buf := appendStringExchange(make([]byte, 0, 64), seg, a, b, invertDir)
	return string(buf)
}

func appendStringExchange(buf []byte, seg Segment, a, b State, invertDir bool) []byte {
	const emptySpaces = "             "
	const fill = len(emptySpaces) - 1
	appendVal := func(buf []byte, name string, v Value) []byte {
		buf = append(buf, '<')
		buf = append(buf, name...)
		buf = append(buf, '=')
		buf = strconv.AppendInt(buf, int64(v), 10)
		buf = append(buf, '>')
		return buf
	}
	startLen := len(buf)
	dirSep := []byte(" --> ")
	if invertDir {
		dirSep = []byte(" <-- ")
	}
	astr := a.String()
	buf = append(buf, astr...)
	if len(astr) < fill {
		buf = append(buf, emptySpaces[:fill-len(astr)]...)
	}
	buf = append(buf, dirSep...)
	buf = appendVal(buf, "SEQ", seg.SEQ)
	buf = appendVal(buf, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		buf = appendVal(buf, "DATA", Value(seg.DATALEN))
	}
	buf = append(buf, '[')
	buf = seg.Flags.AppendFormat(buf)
	buf = append(buf, ']')
	if len(buf)-startLen < 48 {
		buf = append(buf, emptySpaces[:48-len(buf)]...)
	}
	buf = append(buf, dirSep...)
	buf = append(buf, b.String()...)
	return buf
}

// Flags holds the TCP control bits of a segment header.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll reports whether every bit in mask is set in flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny reports whether any bit in mask is set in flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask clears any bits outside the defined flag range.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String renders flags as e.g. "[SYN,ACK]".
func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+3*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag list to b.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates the states of RFC9293's TCP state machine.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynRcvd
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynRcvd:     "SYN-RECEIVED",
	StateSynSent:     "SYN-SENT",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsPreestablished reports whether the connection has not yet completed
// the three-way handshake.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsClosing reports whether the connection is tearing down but not yet
// terminated.
func (s State) IsClosing() bool {
	return !(s <= StateEstablished)
}

// IsClosed reports whether the connection may be relieved of all state:
// either never opened, or in TIME-WAIT awaiting its linger timer.
func (s State) IsClosed() bool {
	return s == StateClosed || s == StateTimeWait
}

// IsSynchronized reports whether the connection has passed through
// ESTABLISHED.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

func (s State) isOpen() bool { return !s.IsClosed() }

func (s State) hasIRS() bool {
	return s.isOpen() && s != StateSynSent && s != StateListen
}

// RxDataOpen reports whether the application may still expect to receive
// data or an eventual EOF (as opposed to having already observed an error
// such as a reset).
func (s State) RxDataOpen() bool {
	switch s {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait, StateClosed:
		return false
	}
	return true
}

// TxDataOpen reports whether the application may still enqueue outgoing
// data for transmission.
func (s State) TxDataOpen() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateSynSent, StateSynRcvd, StateListen, StateClosed:
		return true
	}
	return false
}

// OptionKind identifies a TCP header option per the IANA TCP option
// registry.
type OptionKind uint8

const (
	OptEnd OptionKind = iota
	OptNop
	OptMaxSegmentSize
	OptWindowScale
	OptSACKPermitted
	OptSACK
	OptEcho
	optEchoReply
	OptTimestamps
	optPOCP
	optPOSP
	optCC
	optCCnew
	optCCecho
	optACR
	optACD
	optSkeeter
	optBubba
	OptTrailerChecksum
	optMD5Signature
	OptSCPSCapabilities
	OptSNA
	OptRecordBoundaries
	OptCorruptionExperienced
	OptSNAP
	OptUnassigned
	OptCompressionFilter
	OptQuickStartResponse
	OptUserTimeout
	OptAuthetication
	OptMultipath
)

const (
	OptFastOpenCookie        OptionKind = 34
	OptEncryptionNegotiation OptionKind = 69
	OptAccurateECN0          OptionKind = 172
	OptAccurateECN1          OptionKind = 174
)

var optionNames = map[OptionKind]string{
	OptEnd: "end", OptNop: "nop", OptMaxSegmentSize: "mss",
	OptWindowScale: "wscale", OptSACKPermitted: "sack-permitted", OptSACK: "sack",
	OptEcho: "echo(obsolete)", optEchoReply: "echo-reply(obsolete)", OptTimestamps: "timestamps",
	OptFastOpenCookie: "fastopen-cookie", OptMultipath: "multipath",
}

func (kind OptionKind) String() string {
	if name, ok := optionNames[kind]; ok {
		return name
	}
	return "opt(" + strconv.Itoa(int(kind)) + ")"
}

// IsObsolete reports whether kind is a historical option no modern stack
// should emit.
func (kind OptionKind) IsObsolete() bool {
	if kind.IsDefined() {
		return strings.HasSuffix(kind.String(), "(obsolete)")
	}
	return false
}

// IsDefined reports whether kind is a known, unreserved option.
func (kind OptionKind) IsDefined() bool {
	return kind <= 30 || kind == 34 || kind == 69 || kind == 172 || kind == 174
}

// OptionParser walks the variable-length option bytes following a TCP
// header's fixed fields.
type OptionParser struct {
	SkipSizeValidation bool
	SkipObsolete       bool
}

// ForEachOption calls fn for every option found in opts, in order.
func (op *OptionParser) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if off >= len(opts) {
			return errors.New("utcp: short TCP options")
		}
		// size counts the kind and length octets as well as the data.
		size := int(opts[off])
		off++
		if size < 2 || len(opts[off:]) < size-2 {
			return fmt.Errorf("utcp: option %q length %d exceeds buffer size %d", kind.String(), size, len(opts[off:]))
		}
		if !op.SkipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize, OptUserTimeout:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return fmt.Errorf("utcp: bad TCP option %q size want %d got %d", kind.String(), expectSize, size)
			}
		}
		if !(op.SkipObsolete && kind.IsObsolete()) {
			if err := fn(kind, opts[off:off+size-2]); err != nil {
				return err
			}
		}
		off += size - 2
	}
	return nil
}
