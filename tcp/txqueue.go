package tcp

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/lvlip/utcp/internal"
)

var errPacketQueueFull = errors.New("utcp: packet queue full")

// minBufferSize is the smallest usable ring buffer; a ring needs at least
// two bytes of slack to distinguish empty from full.
const minBufferSize = 2

// ringTx is a byte ring buffer with a retransmission queue layered on top:
// everything written but not yet handed to [ringTx.MakePacket] is "unsent";
// everything handed out but not yet acknowledged is "sent" and stays
// recorded in slist so the retransmit timer (tcp/timers.go) can resend it.
//
//	|   acked(free)  |          sent         |          unsent          |             free       |
//	0       freeEnd=first.off       last.end==unsent.off        freeStart=unsent.end         Size()
type ringTx struct {
	rawbuf    []byte
	slist     sentlist
	unsentoff int
	unsentend int
	sentoff   int
	sentend   int
	emptyRing ringidx
	iss       Value
}

// ringidx is one packet's worth of sent data, tracked by ring offset and
// sequence number so a retransmit can re-read the original bytes.
type ringidx struct {
	off  int
	end  int
	seq  Value
	size Size
}

// Reset prepares rtx to use buf as its ring buffer, with room for
// maxqueuedPackets in-flight segments.
func (rtx *ringTx) Reset(buf []byte, maxqueuedPackets int, iss Value) error {
	buf = buf[:len(buf):len(buf)]
	if maxqueuedPackets <= 0 {
		return errors.New("utcp: queued packets <=0")
	} else if len(buf) < minBufferSize || len(buf) < maxqueuedPackets {
		return errors.New("utcp: invalid buffer size")
	}
	*rtx = ringTx{rawbuf: buf}
	rtx.slist.Reset(maxqueuedPackets, iss)
	rtx.iss = iss
	return nil
}

// ResetOrReuse is Reset but nil buf / zero maxQueuedPackets reuse the
// existing buffers.
func (rtx *ringTx) ResetOrReuse(buf []byte, maxQueuedPackets int, ack Value) error {
	if buf == nil {
		buf = rtx.rawbuf
	}
	if maxQueuedPackets == 0 {
		maxQueuedPackets = cap(rtx.slist.pkts)
	}
	return rtx.Reset(buf, maxQueuedPackets, ack)
}

// Size returns the ring's total capacity.
func (rtx *ringTx) Size() int { return len(rtx.rawbuf) }

// Free returns the space available to Write.
func (rtx *ringTx) Free() int {
	r := rtx.sentAndUnsentBuffer()
	return r.Free()
}

// BufferedUnsent returns the amount of written but not-yet-sent bytes.
func (rtx *ringTx) BufferedUnsent() int {
	r, _ := rtx.unsentRing()
	return r.Buffered()
}

// BufferedSent returns the amount of bytes sent but not yet acknowledged.
func (rtx *ringTx) BufferedSent() int {
	r, _ := rtx.sentRing()
	return r.Buffered()
}

// Write appends data to the unsent ring.
func (rtx *ringTx) Write(b []byte) (n int, err error) {
	r, lim := rtx.unsentRing()
	if rtx.sentend == 0 {
		// Nothing is in flight, so only the ring's own size bounds the write.
		lim = len(rtx.rawbuf)
	}
	n, err = r.WriteLimited(b, lim)
	if err != nil {
		return 0, err
	}
	rtx.unsentend = rtx.addEnd(rtx.unsentend, n)
	return n, err
}

// MakePacket moves up to len(b) unsent bytes into the sent/retransmission
// queue, copying them into b for transmission.
func (rtx *ringTx) MakePacket(b []byte, currentSeq Value) (int, error) {
	free := rtx.slist.Free()
	if free == 0 {
		return 0, errPacketQueueFull
	}
	endSeq, ok := rtx.endSeq()
	if ok && currentSeq.LessThan(endSeq) {
		return 0, errors.New("utcp: sequence number less than last sequence number")
	}
	r, _ := rtx.unsentRing()
	oldSentOff := r.Off
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	newUnsentOff := rtx.addEnd(rtx.unsentoff, n)
	pkt := rtx.slist.AddPacket(n, oldSentOff, rtx.Size())
	if pkt.off != oldSentOff || pkt.end != addEnd(pkt.off, n, rtx.Size()) {
		panic("utcp: invalid generated packet")
	}
	rtx.unsentoff = newUnsentOff
	rtx.sentend = newUnsentOff
	if newUnsentOff == rtx.unsentend {
		rtx.unsentend = 0
	}
	return n, nil
}

// RecvACK removes fully-acknowledged segments from the retransmission
// queue and trims a partially-acknowledged head segment.
func (rtx *ringTx) RecvACK(ack Value) error {
	err := rtx.slist.RecvAck(ack, rtx.Size())
	if err != nil {
		return err
	}
	oldest := rtx.slist.Oldest()
	newest := rtx.slist.Newest()
	if oldest == nil {
		rtx.sentend = 0
	} else {
		rtx.sentoff = oldest.off
		rtx.sentend = newest.end
	}
	rtx.consolidateBufs()
	return nil
}

// HasUnacked reports whether any segment is awaiting acknowledgement, the
// condition under which the retransmit timer must stay armed
// (spec.md §3 invariant, §8 testable property 6).
func (rtx *ringTx) HasUnacked() bool {
	return rtx.slist.Oldest() != nil
}

// PeekOldest copies the bytes of the oldest unacknowledged segment into b
// (without removing it from the queue) for retransmission, returning its
// sequence number. ok is false if there is nothing unacknowledged or b is
// too small.
func (rtx *ringTx) PeekOldest(b []byte) (n int, seq Value, ok bool) {
	oldest := rtx.slist.Oldest()
	if oldest == nil || oldest.size == 0 {
		return 0, 0, false
	}
	if int(oldest.size) > len(b) {
		return 0, 0, false
	}
	ring := internal.Ring{Buf: rtx.rawbuf, Off: oldest.off, End: oldest.end}
	n, err := ring.ReadPeek(b[:oldest.size])
	if err != nil {
		return 0, 0, false
	}
	return n, oldest.seq, true
}

func (rtx *ringTx) sentAndUnsentBuffer() internal.Ring {
	end := rtx.unsentend
	if end == 0 {
		end = rtx.sentend
	}
	return internal.Ring{Buf: rtx.rawbuf, Off: rtx.sentoff, End: end}
}

func (rtx *ringTx) unsentRing() (internal.Ring, int) {
	return rtx.ring(rtx.unsentoff, rtx.unsentend), rtx.sentoff
}

func (rtx *ringTx) sentRing() (internal.Ring, int) {
	return rtx.ring(rtx.sentoff, rtx.sentend), rtx.unsentoff
}

func (rtx *ringTx) ring(off, end int) internal.Ring {
	return internal.Ring{Buf: rtx.rawbuf, Off: off, End: end}
}

func (rtx *ringTx) addEnd(a, b int) int { return addEnd(a, b, len(rtx.rawbuf)) }

func (rtx *ringTx) consolidateBufs() {
	if rtx.unsentend == 0 && rtx.sentend == 0 {
		rtx.sentoff = 0
		rtx.unsentoff = 0
	}
}

func (rtx *ringTx) endSeq() (Value, bool) {
	newest := rtx.slist.Newest()
	if newest == nil {
		return 0, false
	}
	return newest.endSeq(), true
}

func (pkt *ringidx) markRcvd() { *pkt = ringidx{} }

func (pkt *ringidx) isRecvd() bool { return pkt.size == 0 }

func (pkt *ringidx) endSeq() Value { return Add(pkt.seq, pkt.size) }

// sentlist records the sequence-ordered list of in-flight (sent,
// unacknowledged) segments.
type sentlist struct {
	ssn  Value
	pkts []ringidx
}

func (sl *sentlist) Reset(pktQueueSize int, iss Value) {
	sl.pkts = slices.Grow(sl.pkts[:0], pktQueueSize)
	sl.ssn = iss
}

func (sl sentlist) Newest() *ringidx {
	if len(sl.pkts) == 0 {
		return nil
	}
	return &sl.pkts[len(sl.pkts)-1]
}

func (sl sentlist) Oldest() *ringidx {
	if len(sl.pkts) == 0 {
		return nil
	}
	return &sl.pkts[0]
}

func (sl *sentlist) EndSeq() Value {
	seq := sl.ssn
	if last := sl.Newest(); last != nil {
		seq = last.endSeq()
	}
	return seq
}

func (sl *sentlist) Free() int { return cap(sl.pkts) - len(sl.pkts) }

func (sl *sentlist) AddPacket(datalen, off, bufsize int) *ringidx {
	if sl.Free() == 0 {
		panic("utcp: pkt buffer full")
	}
	if last := sl.Newest(); last != nil && off != last.end {
		panic("utcp: new sent packet offset must match last sent packet end")
	}
	sl.pkts = append(sl.pkts, ringidx{
		off:  off,
		end:  addEnd(off, datalen, bufsize),
		seq:  sl.EndSeq(),
		size: Size(datalen),
	})
	return &sl.pkts[len(sl.pkts)-1]
}

func (sl *sentlist) RecvAck(ack Value, bufsize int) error {
	newest := sl.Newest()
	if newest == nil {
		return errors.New("utcp: no packet to ack")
	} else if newest.endSeq().LessThan(ack) {
		return errors.New("utcp: ack of unsent packet")
	}
	for i := range sl.pkts {
		pkt := &sl.pkts[i]
		endseq := pkt.endSeq()
		if endseq.LessThanEq(ack) {
			sl.ssn = endseq
			pkt.markRcvd()
		} else {
			break
		}
	}
	sl.removeRecvd()
	partial := sl.Oldest()
	if partial == nil {
		return nil
	}
	totalAcked := int32(ack - partial.seq)
	if totalAcked <= 0 {
		return nil
	}
	partial.off = addOff(partial.off, int(totalAcked), bufsize)
	partial.size -= Size(totalAcked)
	partial.seq += Value(totalAcked)
	return nil
}

func (sl *sentlist) removeRecvd() {
	if sl.Oldest() == nil || !sl.Oldest().isRecvd() {
		return
	}
	off := 0
	for i := range sl.pkts {
		if sl.pkts[i].isRecvd() {
			continue
		}
		sl.pkts[off] = sl.pkts[i]
		off++
	}
	sl.pkts = sl.pkts[:off]
}

func addEnd(a, b int, size int) int {
	result := a + b
	if result > size {
		result -= size
	}
	return result
}

func addOff(a, b int, size int) int {
	result := a + b
	if result >= size {
		result -= size
	}
	return result
}

// appendString renders the ring's free/sent/unsent zones for debugging,
// e.g. "|---free(32)---|---usnt(10)---|---free(5)---|".
func (rtx *ringTx) appendString(b []byte) []byte {
	size := rtx.Size()
	type zone struct {
		name       string
		start, end int
	}
	zcontains := func(off int, z *zone) bool {
		if z.end == 0 {
			return false
		}
		return off >= z.start && off < z.end
	}
	zs := zone{name: "sent", start: rtx.sentoff, end: rtx.sentend}
	zu := zone{name: "usnt", start: rtx.unsentoff, end: rtx.unsentend}
	bufStart := zs.start
	if bufStart == 0 {
		bufStart = zu.start
	}
	bufEnd := zu.end
	if bufEnd == 0 {
		bufEnd = zs.end
	}
	zf := zone{name: "free", start: bufEnd, end: bufStart}
	getZone := func(off int) *zone {
		if zcontains(off, &zs) {
			return &zs
		} else if zcontains(off, &zu) {
			return &zu
		}
		return &zf
	}
	zones := []*zone{getZone(0)}
	for i := 1; i < size; i++ {
		if z := getZone(i); z != zones[len(zones)-1] {
			zones = append(zones, z)
		}
	}
	var l1, l2 bytes.Buffer
	zoneLen := func(z *zone, sz int) int {
		if z.end == 0 {
			return 0
		}
		if z.end < z.start {
			return (sz - z.start) + z.end
		}
		return z.end - z.start
	}
	for _, z := range zones {
		seg := "|---" + z.name + "(" + strconv.Itoa(zoneLen(z, size)) + ")---"
		l2.WriteString(seg)
		n, _ := fmt.Fprintf(&l1, "%d", z.start)
		for i := 0; i < len(seg)-n; i++ {
			l1.WriteByte(' ')
		}
	}
	l2.WriteByte('|')
	endIdx := size
	if len(zones) > 0 && zones[len(zones)-1].end != 0 {
		endIdx = zones[len(zones)-1].end
	}
	fmt.Fprintf(&l1, "%d\n", endIdx)
	l2.WriteTo(&l1)
	l1.WriteByte('\n')
	return append(b, l1.Bytes()...)
}
