// Package internal holds small data structures shared by the tcp and device
// packages that are not part of the public API surface.
package internal

import (
	"bytes"
	"errors"
	"io"
	"math"
	"unsafe"
)

var (
	// ErrRingBufferFull is returned when a Write call cannot fit in a Ring.
	ErrRingBufferFull = errors.New("utcp: ring buffer full")
	errRingNoData     = errors.New("utcp: empty write")
)

// Ring implements a byte ring buffer used for the TCP receive buffer and as
// the backing store of the retransmission-aware transmit ring (see
// tcp.ringTx). Semantics follow the teacher's ring buffer contract closely:
// Off marks the start of readable data, End marks the (exclusive) end, and
// End==0 denotes an empty buffer.
type Ring struct {
	Buf []byte
	Off int
	End int
}

// FreeLimited returns the amount of bytes that can be written up to the
// argument offset limitOffset. See [Ring.WriteLimited].
func (r *Ring) FreeLimited(limitOffset int) (free int) {
	if r.isFull() {
		return 0
	}
	var writeAt = r.End
	if writeAt == 0 {
		writeAt = r.Off
		if limitOffset >= writeAt {
			return limitOffset - writeAt
		}
		return r.Size() - writeAt + limitOffset
	}
	if writeAt <= limitOffset && writeAt <= r.Off {
		return min(r.Off, limitOffset) - writeAt
	} else if writeAt <= limitOffset {
		return limitOffset - writeAt
	} else if writeAt <= r.Off {
		return r.Off - writeAt
	}
	return r.Size() - writeAt + min(limitOffset, r.Off)
}

// WriteLimited performs a write that does not write over the ring buffer's
// limitOffset index. Up to [Ring.FreeLimited] bytes can be written.
func (r *Ring) WriteLimited(b []byte, limitOffset int) (int, error) {
	if limitOffset > len(r.Buf) {
		panic("utcp: bad limit offset")
	}
	if len(b) > len(r.Buf) {
		return 0, io.ErrShortBuffer
	}
	limit := r.FreeLimited(limitOffset)
	if len(b) > limit {
		return 0, ErrRingBufferFull
	}
	return r.Write(b)
}

// WriteString avoids allocating when the caller already has a string.
func (r *Ring) WriteString(s string) (int, error) {
	return r.Write(unsafe.Slice(unsafe.StringData(s), len(s)))
}

// Write appends data to the ring buffer to be read back in order with Read.
func (r *Ring) Write(b []byte) (int, error) {
	if r.isFull() {
		return 0, ErrRingBufferFull
	} else if len(b) == 0 {
		return 0, errRingNoData
	}
	midFree := r.midFree()
	if midFree > 0 {
		n := copy(r.Buf[r.End:r.Off], b)
		r.End += n
		return n, nil
	} else if r.End == 0 {
		r.End = r.Off
	}
	n := copy(r.Buf[r.End:], b)
	r.End += n
	if n < len(b) {
		n2 := copy(r.Buf, b[n:])
		r.End = n2
		n += n2
	}
	return n, nil
}

// ReadDiscard advances the read pointer n bytes without copying data.
func (r *Ring) ReadDiscard(n int) error {
	if n <= 0 {
		return errors.New("utcp: invalid discard amount")
	}
	buffered := r.Buffered()
	switch {
	case n > buffered:
		return errors.New("utcp: discard exceeds length")
	case n == buffered:
		r.Reset()
	case n+r.Off > len(r.Buf):
		r.Off = n - (len(r.Buf) - r.Off)
	default:
		r.Off += n
	}
	return nil
}

// ReadAt reads data at an offset from the start of readable data without
// advancing the read pointer.
func (r *Ring) ReadAt(p []byte, off64 int64) (int, error) {
	if math.MaxInt != math.MaxInt64 && off64+int64(len(p)) > math.MaxInt32 {
		return 0, errors.New("utcp: offset too large")
	}
	off := int(off64)
	if off+len(p) > r.Buffered() {
		return 0, io.ErrUnexpectedEOF
	}
	r2 := *r
	r2.Off = r.addOff(r2.Off, off)
	return r2.ReadPeek(p)
}

// ReadPeek reads without advancing the read pointer.
func (r *Ring) ReadPeek(b []byte) (int, error) {
	return r.read(b)
}

// Read reads up to len(b) bytes and advances the read pointer.
func (r *Ring) Read(b []byte) (int, error) {
	n, err := r.read(b)
	if err != nil {
		return n, err
	}
	r.onReadEnd(n)
	return n, nil
}

func (r *Ring) read(b []byte) (n int, err error) {
	if r.Buffered() == 0 {
		return 0, io.EOF
	}
	if r.End > r.Off {
		n = copy(b, r.Buf[r.Off:r.End])
		return n, nil
	}
	n = copy(b, r.Buf[r.Off:])
	if n < len(b) {
		n2 := copy(b[n:], r.Buf[:r.End])
		n += n2
	}
	return n, nil
}

// Reset flushes all data from the ring buffer.
func (r *Ring) Reset() {
	r.Off = 0
	r.End = 0
}

// Size returns the capacity of the ring buffer.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns the amount of bytes ready to read.
func (r *Ring) Buffered() int { return r.Size() - r.Free() }

// Free returns the amount of bytes that can still be written.
func (r *Ring) Free() int {
	if r.End == 0 || r.Off == 0 {
		return len(r.Buf) - r.End
	}
	if r.Off < r.End {
		startFree := r.Off
		endFree := len(r.Buf) - r.End
		return startFree + endFree
	}
	return r.Off - r.End
}

func (r *Ring) midFree() int {
	if r.End >= r.Off || r.End == 0 {
		return 0
	}
	return r.Off - r.End
}

func (r *Ring) isFull() bool {
	return r.End != 0 && (r.End == r.Off || (r.End == len(r.Buf) && r.Off == 0))
}

func (r *Ring) onReadEnd(totalRead int) {
	if totalRead <= 0 {
		panic("utcp: invalid onReadEnd bytes read")
	}
	newOff := r.addOff(r.Off, totalRead)
	if newOff == r.End {
		r.Reset()
	} else if newOff == len(r.Buf) {
		r.Off = 0
	} else {
		r.Off = newOff
	}
}

func (r *Ring) addOff(a, b int) int {
	result := a + b
	if result > len(r.Buf) {
		result -= len(r.Buf)
	}
	return result
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// String renders the buffered contents, for debugging.
func (r *Ring) String() string {
	var b bytes.Buffer
	r2 := *r
	b.ReadFrom(&r2)
	return b.String()
}
