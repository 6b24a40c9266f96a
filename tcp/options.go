package tcp

import "errors"

// OptionCodec encodes TCP header options into a segment's option space.
// Ported from the teacher's tcp/options.go.
type OptionCodec struct {
	Flags OptionFlags
}

// OptionFlags toggles OptionCodec's validation strictness.
type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	OptFlagSkipObsolete
)

// HasAny reports whether any bit in ofTheseFlags is set in flags.
func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool {
	return flags&ofTheseFlags != 0
}

// PutOption16 writes a 2-byte option value, e.g. maximum segment size.
func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

// PutOption32 writes a 4-byte option value.
func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// PutOption writes a kind-length-data option to dst and returns the number
// of bytes written.
func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return -1, ErrShortBuffer
	} else if putSize > 255 {
		return -1, errors.New("utcp: option length overflow")
	} else if kind == OptNop || kind == OptEnd {
		return -1, errors.New("utcp: cannot PutOption a structural option kind")
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// ForEachOption parses opts using op.Flags to drive the same semantics as
// OptionParser.ForEachOption.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	parser := OptionParser{
		SkipSizeValidation: op.Flags.HasAny(OptFlagSkipSizeValidation),
		SkipObsolete:       op.Flags.HasAny(OptFlagSkipObsolete),
	}
	return parser.ForEachOption(opts, fn)
}
