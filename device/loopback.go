package device

import "sync"

// Loopback is an in-memory Device backed by a channel, used by tests in
// place of a real TAP device (spec.md §4's note that device I/O is an
// external collaborator this core only depends on through an interface).
// Two Loopbacks created by NewLoopbackPair are cross-wired: frames written
// to one are read from the other.
type Loopback struct {
	mtu    int
	out    chan []byte
	in     chan []byte
	once   *sync.Once
	closed chan struct{}
}

// NewLoopbackPair returns two Loopback devices wired to each other, each
// frame written to one readable from the other, with queue depth buffered
// up to backlog frames before FrameWrite blocks.
func NewLoopbackPair(mtu, backlog int) (a, b *Loopback) {
	ab := make(chan []byte, backlog)
	ba := make(chan []byte, backlog)
	closed := make(chan struct{})
	once := &sync.Once{}
	a = &Loopback{mtu: mtu, out: ab, in: ba, once: once, closed: closed}
	b = &Loopback{mtu: mtu, out: ba, in: ab, once: once, closed: closed}
	return a, b
}

func (l *Loopback) FrameRead(b []byte) (int, error) {
	select {
	case frame, ok := <-l.in:
		if !ok {
			return 0, ErrClosed
		}
		n := copy(b, frame)
		return n, nil
	case <-l.closed:
		return 0, ErrClosed
	}
}

func (l *Loopback) FrameWrite(b []byte) (int, error) {
	frame := make([]byte, len(b))
	copy(frame, b)
	select {
	case l.out <- frame:
		return len(b), nil
	case <-l.closed:
		return 0, ErrClosed
	}
}

func (l *Loopback) MTU() int { return l.mtu }

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
