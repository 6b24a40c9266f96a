package tcp_test

import (
	"bytes"
	"testing"

	"github.com/lvlip/utcp/tcp"
)

func TestReassemblerDrainsInOrder(t *testing.T) {
	var r tcp.Reassembler
	r.Reset(8)

	const base tcp.Value = 1000
	if err := r.Insert(base, base+5, []byte("world"), false); err != nil {
		t.Fatalf("Insert(gap segment): %v", err)
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() after one insert = %d, want 1", got)
	}

	// Nothing is contiguous with base yet: the gap [base, base+5) is
	// still open.
	var drained [][]byte
	next := r.Drain(base, func(data []byte, fin bool) { drained = append(drained, append([]byte(nil), data...)) })
	if next != base || len(drained) != 0 {
		t.Fatalf("Drain before gap closes: next=%d (want %d), drained %d segments (want 0)", next, base, len(drained))
	}

	if err := r.Insert(base, base, []byte("hello"), false); err != nil {
		t.Fatalf("Insert(filling segment): %v", err)
	}
	next = r.Drain(base, func(data []byte, fin bool) { drained = append(drained, append([]byte(nil), data...)) })
	if next != base+10 {
		t.Fatalf("Drain after gap closes: next=%d, want %d", next, base+10)
	}
	if len(drained) != 2 || !bytes.Equal(drained[0], []byte("hello")) || !bytes.Equal(drained[1], []byte("world")) {
		t.Fatalf("drained = %q, want [hello world] in order", drained)
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() after full drain = %d, want 0", got)
	}
}

func TestReassemblerDedupesOverlap(t *testing.T) {
	var r tcp.Reassembler
	r.Reset(8)
	const base tcp.Value = 0

	if err := r.Insert(base, base, []byte("0123456789"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Covers [5,20): overlaps bytes [5,10) of the first segment; only the
	// non-overlapping tail [10,20) should be admitted as a new entry,
	// keeping the earliest-arriving copy of the overlap.
	if err := r.Insert(base, base+5, []byte("AAAAAAAAAAAAAAA"), false); err != nil {
		t.Fatalf("Insert(overlapping): %v", err)
	}
	if got := r.Len(); got != 2 {
		t.Fatalf("Len() after overlapping insert = %d, want 2 (original + non-overlapping tail)", got)
	}

	var drained []byte
	next := r.Drain(base, func(data []byte, fin bool) { drained = append(drained, data...) })
	if next != base+20 {
		t.Fatalf("Drain: next=%d, want %d", next, base+20)
	}
	want := "0123456789AAAAAAAAAA"
	if string(drained) != want {
		t.Fatalf("drained = %q, want %q (original copy kept, overlap not clobbered)", drained, want)
	}
}

func TestReassemblerFinAsOneOctet(t *testing.T) {
	var r tcp.Reassembler
	r.Reset(8)
	const base tcp.Value = 50

	if err := r.Insert(base, base, []byte("bye"), true); err != nil {
		t.Fatalf("Insert(with fin): %v", err)
	}
	var gotFin bool
	var gotData []byte
	next := r.Drain(base, func(data []byte, fin bool) {
		gotData = append(gotData, data...)
		gotFin = fin
	})
	if !gotFin {
		t.Fatalf("Drain did not report fin=true")
	}
	if string(gotData) != "bye" {
		t.Fatalf("drained data = %q, want \"bye\"", gotData)
	}
	// "bye" (3 octets) plus the FIN's one octet.
	if next != base+4 {
		t.Fatalf("Drain: next=%d, want %d", next, base+4)
	}
}

func TestReassemblerQueueFull(t *testing.T) {
	var r tcp.Reassembler
	r.Reset(2)
	const base tcp.Value = 0

	if err := r.Insert(base, base+10, []byte("a"), false); err != nil {
		t.Fatalf("Insert #1: %v", err)
	}
	if err := r.Insert(base, base+20, []byte("b"), false); err != nil {
		t.Fatalf("Insert #2: %v", err)
	}
	if err := r.Insert(base, base+30, []byte("c"), false); err == nil {
		t.Fatalf("Insert #3 on a full queue succeeded, want errOfoQueueFull")
	}
}
