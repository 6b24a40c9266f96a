package tcp

import "errors"

// errOfoQueueFull is returned by Reassembler.Insert when the queue already
// holds maxSegments entries and the new segment does not merge into one of
// them.
var errOfoQueueFull = errors.New("utcp: out-of-order queue full")

// Reassembler buffers segments that arrive past a gap in the receive
// sequence space (spec.md §3 "out-of-order queue", §4.2 step 6, §8
// testable property 2). ControlBlock itself only ever admits sequential
// segments (see its errRequireSequential rejection, ported from the
// teacher's sequential-only admission model); Reassembler is the new
// component, grounded in RFC 9293 §3.8.1 and general interval-merging
// idiom, that sits one layer above it (see Handler) and holds segments
// until the gap closes. Drain then hands the now-contiguous prefix to the
// caller's callback (Handler writes it to the receive buffer) and returns
// the advanced rcv.NXT, which Handler stores in the TCB.
type Reassembler struct {
	maxSegments int
	segs        []ofoSegment
}

// ofoSegment is one buffered out-of-order segment, keyed by the sequence
// number of its first byte.
type ofoSegment struct {
	seq  Value
	data []byte
	fin  bool
}

// interval is a byte range expressed as an offset from some base sequence
// number, used internally to clip a newly arrived segment against the
// ranges already queued.
type interval struct{ start, end Size }

// Reset clears the queue and sets its maximum held-segment count.
func (r *Reassembler) Reset(maxSegments int) {
	r.maxSegments = maxSegments
	r.segs = r.segs[:0]
}

// Len reports the number of distinct out-of-order segments currently held.
func (r *Reassembler) Len() int { return len(r.segs) }

// Insert admits a segment known to start at or past base (the connection's
// rcv.NXT at the time of arrival). Overlapping byte ranges are
// deduplicated, keeping the earliest-arriving copy of any given byte
// (spec.md §3: "deduplicate overlapping ranges, keeping the earliest
// copy"); a new segment that only partially overlaps what's already queued
// is split so the non-overlapping remainder is still admitted. A bare FIN
// with no payload is recorded as a one-octet, fin=true entry.
func (r *Reassembler) Insert(base, seq Value, data []byte, fin bool) error {
	start := Sizeof(base, seq)
	end := start + Size(len(data))
	if fin {
		end++
	}
	if end <= start {
		return nil
	}

	frags := []interval{{start, end}}
	for _, s := range r.segs {
		sStart := Sizeof(base, s.seq)
		sLen := Size(len(s.data))
		if s.fin {
			sLen++
		}
		sEnd := sStart + sLen

		next := frags[:0]
		for _, f := range frags {
			if f.end <= sStart || f.start >= sEnd {
				next = append(next, f) // disjoint from s, keep whole.
				continue
			}
			if f.start < sStart {
				next = append(next, interval{f.start, sStart})
			}
			if f.end > sEnd {
				next = append(next, interval{sEnd, f.end})
			}
		}
		frags = next
		if len(frags) == 0 {
			break
		}
	}

	for _, f := range frags {
		if len(r.segs) >= r.maxSegments {
			return errOfoQueueFull
		}
		fragSeq := Add(base, f.start)
		fragLen := f.end - f.start
		dataOff := f.start - start
		isFinFrag := fin && f.end == end
		payloadLen := fragLen
		if isFinFrag {
			payloadLen--
		}
		r.segs = append(r.segs, ofoSegment{
			seq:  fragSeq,
			data: data[dataOff : dataOff+payloadLen],
			fin:  isFinFrag,
		})
	}
	r.sortByDistance(base)
	return nil
}

// Drain removes and returns, in order, every segment now contiguous with
// rcvNxt: the first queued segment whose start matches rcvNxt, then every
// subsequent one whose start immediately follows the previous segment's
// end. deliver is called once per drained segment, in order. Drain returns
// the advanced rcvNxt.
func (r *Reassembler) Drain(rcvNxt Value, deliver func(data []byte, fin bool)) Value {
	i := 0
	for i < len(r.segs) {
		s := r.segs[i]
		if s.seq != rcvNxt {
			break
		}
		deliver(s.data, s.fin)
		length := Size(len(s.data))
		if s.fin {
			length++
		}
		rcvNxt = Add(rcvNxt, length)
		i++
	}
	if i > 0 {
		r.segs = append(r.segs[:0], r.segs[i:]...)
	}
	return rcvNxt
}

// sortByDistance keeps segs ordered by distance from base (ascending).
// Insertion sort: maxSegments is expected to stay small (tens at most).
func (r *Reassembler) sortByDistance(base Value) {
	segs := r.segs
	for i := 1; i < len(segs); i++ {
		j := i
		for j > 0 && Sizeof(base, segs[j-1].seq) > Sizeof(base, segs[j].seq) {
			segs[j-1], segs[j] = segs[j], segs[j-1]
			j--
		}
	}
}
