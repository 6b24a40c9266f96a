package tcp

import "github.com/lvlip/utcp/internal"

// rstQueueCap bounds how many stateless RST replies may sit pending at
// once. A burst past this many unmatched segments between two Drain calls
// just means replies queued while it is full are dropped — these are best-effort,
// nothing tracks whether they ever land.
const rstQueueCap = 4

// RSTQueue holds stateless RST responses awaiting transmission: replies to
// segments addressed to a local port with no matching ControlBlock, queued
// by stack.Stack. Abort queues nothing here and sends no RST. It is a small fixed-capacity FIFO, not
// an intrusive list like the teacher's write/out-of-order queues, because
// entries here never need to be pulled out of the middle — only appended
// and drained oldest-first. Not safe for concurrent use; callers (Stack)
// must hold whatever lock guards the rest of their demux path.
type RSTQueue struct {
	entries [rstQueueCap]rstEntry
	head    uint8
	count   uint8
}

// rstEntry is one stateless RST reply: enough of a TCP/IP 4-tuple and
// sequence pair to rebuild a bare RST segment later, without keeping the
// originating frame alive.
type rstEntry struct {
	remoteAddr [4]byte
	remotePort uint16
	localPort  uint16
	seq        Value
	ack        Value
	flags      Flags
}

func (e *rstEntry) toSegment() Segment {
	return Segment{SEQ: e.seq, ACK: e.ack, Flags: e.flags}
}

// Queue enqueues a RST response. A no-op if srcaddr isn't IPv4 or the
// queue is already at rstQueueCap.
func (q *RSTQueue) Queue(srcaddr []byte, remotePort, localPort uint16, seq, ack Value, flags Flags) {
	if len(srcaddr) != 4 || q.count >= rstQueueCap {
		return
	}
	tail := (q.head + q.count) % rstQueueCap
	e := &q.entries[tail]
	copy(e.remoteAddr[:], srcaddr)
	e.remotePort = remotePort
	e.localPort = localPort
	e.seq = seq
	e.ack = ack
	e.flags = flags
	q.count++
}

// Pending returns the number of queued RST entries.
func (q *RSTQueue) Pending() int { return int(q.count) }

// Drain writes the oldest pending RST into carrierData and returns the TCP
// frame length written. Returns (0, nil) if the queue is empty or
// offsetToIP<0.
func (q *RSTQueue) Drain(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	if q.count == 0 || offsetToIP < 0 {
		return 0, nil
	}
	e := &q.entries[q.head]
	q.head = (q.head + 1) % rstQueueCap
	q.count--

	tfrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, nil
	}
	tfrm.SetSourcePort(e.localPort)
	tfrm.SetDestinationPort(e.remotePort)
	tfrm.SetSegment(e.toSegment(), 5)
	tfrm.SetUrgentPtr(0)
	if err := internal.SetIPAddrs(carrierData[offsetToIP:offsetToFrame], 0, nil, e.remoteAddr[:]); err != nil {
		return 0, nil
	}
	return sizeHeaderTCP, nil
}
