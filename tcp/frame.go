package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/lvlip/utcp/internal"
)

const sizeHeaderTCP = 20

// ProtoTCP is the IPv4/IPv6 next-header/protocol value for TCP (IANA
// protocol number 6), used by Conn.Protocol to identify itself to a
// demultiplexer sitting above several protocol handlers.
const ProtoTCP = 6

// ErrShortBuffer is returned by NewFrame when a buffer is too small to hold
// a TCP header.
var ErrShortBuffer = errors.New("utcp: short buffer")

// NewFrame returns a Frame backed by buf. buf must be at least 20 bytes.
// Callers should call Frame.ValidateSize before reading options/payload to
// avoid panics on truncated input.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame is a TCP segment's raw header and payload bytes, with accessors for
// every RFC 9293 §3.1 header field.
type Frame struct {
	buf []byte
}

// RawData returns the frame's underlying buffer.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }
func (tfrm Frame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], src)
}

func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }
func (tfrm Frame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], dst)
}

// Seq returns the sequence number of the segment's first data octet, or
// the ISN if SYN is set.
func (tfrm Frame) Seq() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[4:8])) }
func (tfrm Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v))
}

// Ack is the next sequence number the sender expects to receive, valid
// only when ACK is set.
func (tfrm Frame) Ack() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[8:12])) }
func (tfrm Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v))
}

// OffsetAndFlags returns the header length (in 32-bit words) and flags.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength returns the header length in bytes, computed from Offset.
// Performs no validation against the buffer's actual length.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }
func (tfrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum)
}

func (tfrm Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Payload returns the segment's data, excluding options. Call ValidateSize
// first to avoid panics on a truncated buffer.
func (tfrm Frame) Payload() []byte { return tfrm.buf[tfrm.HeaderLength():] }

// Options returns the option bytes following the fixed header.
func (tfrm Frame) Options() []byte { return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()] }

// Segment converts the frame's header fields into a Segment for
// ControlBlock consumption.
func (tfrm Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("utcp: payload size overflow")
	}
	_, flags := tfrm.OffsetAndFlags()
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequence, ack, flags and window fields into the
// frame. offset is the header length in 32-bit words (minimum 5).
func (tfrm Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("utcp: tcp offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("utcp: tcp window overflow")
	}
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetOffsetAndFlags(offset, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros the fixed-size portion of the header.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

func (tfrm Frame) String() string {
	seg := tfrm.Segment(len(tfrm.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", tfrm.SourcePort(), tfrm.DestinationPort(), seg.String())
}

// ValidateSize checks that the header-length field is internally
// consistent with the buffer it was built from.
func (tfrm Frame) ValidateSize() error {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP {
		return errors.New("utcp: header length field smaller than fixed header")
	}
	if off > len(tfrm.RawData()) {
		return errors.New("utcp: header length field exceeds buffer size")
	}
	return nil
}

// ValidateExceptCRC runs every header validation except the checksum,
// useful before SetChecksum when building an outgoing frame.
func (tfrm Frame) ValidateExceptCRC() error {
	if err := tfrm.ValidateSize(); err != nil {
		return err
	}
	if tfrm.DestinationPort() == 0 {
		return errors.New("utcp: zero destination port")
	}
	if tfrm.SourcePort() == 0 {
		return errors.New("utcp: zero source port")
	}
	return nil
}

// SetChecksum computes and writes the TCP checksum over the IPv4
// pseudo-header plus this frame's full contents (header and payload); the
// checksum field itself is zeroed first.
func (tfrm Frame) SetChecksum(srcIP, dstIP [4]byte) {
	tfrm.SetCRC(0)
	tfrm.SetCRC(internal.TCPChecksum(srcIP, dstIP, tfrm.buf))
}

// VerifyChecksum reports whether the frame's checksum field matches the
// IPv4 pseudo-header checksum of its contents.
func (tfrm Frame) VerifyChecksum(srcIP, dstIP [4]byte) bool {
	got := tfrm.CRC()
	tfrm.SetCRC(0)
	want := internal.TCPChecksum(srcIP, dstIP, tfrm.buf)
	tfrm.SetCRC(got)
	return got == want
}
