package tcp

// Value and Size implement the modulo-2^32 sequence space arithmetic of
// RFC 9293 §3.3 (originally RFC 793 §3.3): sequence numbers wrap around
// after 2^32-1, so ordering between two values is only meaningful relative
// to a third ("is a between b and c going forward"), never by plain
// integer comparison. Every comparison in ControlBlock goes through these
// methods rather than through < or > directly, matching the call sites
// the rest of this package expects (Segment.Last, ringTx, sentlist).

// Value is a position in the TCP sequence space.
type Value uint32

// Size is a count of octets, i.e. a distance between two Values.
type Size uint32

// Add returns v advanced by n octets, wrapping at 2^32 as sequence numbers
// do.
func Add(v Value, n Size) Value {
	return v + Value(n)
}

// Sizeof returns the distance from a to b going forward through the
// sequence space, i.e. the n such that Add(a, n) == b. It is always
// non-negative; Sizeof(b, a) returns the complement distance, not a
// negative number.
func Sizeof(a, b Value) Size {
	return Size(b - a)
}

// LessThan reports whether v precedes other in the sequence space,
// i.e. v < other using modulo arithmetic (RFC9293 SEG.SEQ < SEG.SEQ style
// comparisons). Equivalent to the classic LT(a,b) macro comparing
// int32(a-b) < 0.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v equals or precedes other in the sequence
// space.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// GreaterThan reports whether v follows other in the sequence space.
func (v Value) GreaterThan(other Value) bool {
	return other.LessThan(v)
}

// GreaterThanEq reports whether v equals or follows other in the sequence
// space.
func (v Value) GreaterThanEq(other Value) bool {
	return v == other || v.GreaterThan(other)
}

// InWindow reports whether v falls in [start, start+size), the half-open
// interval of sequence numbers a receive or send window currently admits.
// A zero-sized window only ever admits v == start (used for the
// zero-window probe acceptability test in validateIncomingSegment).
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	return Sizeof(start, v) < size
}

// UpdateForward advances *v by n, in place. Used by ControlBlock to bump
// rcv.NXT/snd.NXT as segments are consumed.
func (v *Value) UpdateForward(n Size) {
	*v = Add(*v, n)
}

// String renders the sequence value as a plain decimal, matching the
// RFC9293-figure style exchange traces the rest of the package emits.
func (v Value) String() string {
	return uitoa(uint32(v))
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
