package device

import (
	"encoding/binary"
	"errors"

	"github.com/lvlip/utcp/internal"
)

// SizeHeaderIPv4 is the length of a header-option-free IPv4 header.
const SizeHeaderIPv4 = 20

var errShortIPv4Header = errors.New("device: buffer too small for IPv4 header")

// BuildIPv4Header writes a minimal (no options) IPv4 header into
// buf[:SizeHeaderIPv4], addressed to carry a TCP segment of payloadLen
// bytes, and writes the header's own checksum into it. Grounded on the same
// field layout internal.GetIPAddr/SetIPAddrs already parse; this is the
// writer counterpart needed once this module originates its own packets
// (spec.md's device section) rather than only patching addresses into an
// existing captured buffer.
func BuildIPv4Header(buf []byte, id uint16, ttl uint8, src, dst [4]byte, payloadLen int) error {
	if len(buf) < SizeHeaderIPv4 {
		return errShortIPv4Header
	}
	buf[0] = 0x45 // version 4, IHL 5 (20 bytes, no options).
	buf[1] = 0    // DSCP/ECN.
	binary.BigEndian.PutUint16(buf[2:4], uint16(SizeHeaderIPv4+payloadLen))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset: zero (DF not set, not a fragment).
	buf[8] = ttl
	buf[9] = 6 // protocol: TCP.
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	var c internal.CRC791
	c.WriteEven(buf[:10])
	c.WriteEven(buf[12:20])
	binary.BigEndian.PutUint16(buf[10:12], c.Sum16())
	return nil
}

// SetIPv4PayloadLength rewrites buf's total-length field after its TCP
// payload length changes (e.g. after a retransmit encodes fewer bytes than
// the original packet's scratch buffer holds) and recomputes the header
// checksum.
func SetIPv4PayloadLength(buf []byte, payloadLen int) error {
	if len(buf) < SizeHeaderIPv4 {
		return errShortIPv4Header
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(SizeHeaderIPv4+payloadLen))
	buf[10], buf[11] = 0, 0
	var c internal.CRC791
	c.WriteEven(buf[:10])
	c.WriteEven(buf[12:20])
	binary.BigEndian.PutUint16(buf[10:12], c.Sum16())
	return nil
}
