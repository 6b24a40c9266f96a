// Package device implements the layer-2/IP collaborator boundary: the raw
// frame I/O this TCP core treats as an external dependency (spec.md's
// Non-goals exclude IP routing/ARP/fragmentation and the layer-2 device
// itself; this package is the thin adapter the core reads/writes through).
package device

import "errors"

// ErrClosed is returned by FrameRead/FrameWrite once Close has been called.
var ErrClosed = errors.New("device: closed")

// Device is a layer-2 frame transport: something that reads and writes
// whole Ethernet frames (Stack writes full Ethernet+IPv4+TCP frames over
// every Device, Loopback included). Grounded on the teacher's
// internal/tap.go Tap/Bridge types, which expose the same Read/Write/Close
// shape; Device names the methods FrameRead/FrameWrite to make plain, at
// every call site in this module, that a whole frame moves per call (no
// stream framing) — the detail SPEC_FULL.md's device section calls out.
type Device interface {
	// FrameRead reads one frame into b, blocking until one arrives.
	// Returns the frame length.
	FrameRead(b []byte) (n int, err error)
	// FrameWrite writes one whole frame.
	FrameWrite(b []byte) (n int, err error)
	// MTU returns the device's maximum frame payload size.
	MTU() int
	Close() error
}
