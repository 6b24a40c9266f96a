package internal

import (
	"encoding/binary"
	"errors"
)

var (
	errUnsupportedIP             = errors.New("utcp: unsupported IP version")
	errInvalidIPVersionToSetAddr = errors.New("utcp: invalid ip version to set address")
)

// GetIPAddr returns the source/destination address slices (aliasing buf),
// the IPv4 identification field, and the byte offset where the IP header
// ends, for either an IPv4 or IPv6 packet.
func GetIPAddr(buf []byte) (src, dst []byte, id, ipEndOff uint16, err error) {
	version := buf[0] >> 4
	switch version {
	case 4:
		ihl := buf[0] & 0xf
		ipEndOff = 4 * uint16(ihl)
		id = binary.BigEndian.Uint16(buf[4:6])
		src = buf[12:16]
		dst = buf[16:20]
	case 6:
		src = buf[8:24]
		dst = buf[24:40]
		ipEndOff = 40
	default:
		err = errUnsupportedIP
	}
	return src, dst, id, ipEndOff, err
}

// SetIPAddrs writes src/dst (if non-nil) into the IP header at the start of
// buf, and the IPv4 identification field if id > 0.
func SetIPAddrs(buf []byte, id uint16, src, dst []byte) error {
	var srcaddr, dstaddr []byte
	switch buf[0] >> 4 {
	case 4:
		srcaddr = buf[12:16]
		dstaddr = buf[16:20]
		if id > 0 {
			binary.BigEndian.PutUint16(buf[4:6], id)
		}
	case 6:
		srcaddr = buf[8:24]
		dstaddr = buf[24:40]
	default:
		return errInvalidIPVersionToSetAddr
	}
	if src != nil && len(srcaddr) != len(src) {
		return errors.New("utcp: mismatched length of ip src addr")
	}
	if dst != nil && len(dstaddr) != len(dst) {
		return errors.New("utcp: mismatched length of ip dst addr")
	}
	copy(srcaddr, src)
	copy(dstaddr, dst)
	return nil
}
