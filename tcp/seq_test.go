package tcp_test

import (
	"math"
	"testing"

	"github.com/lvlip/utcp/tcp"
)

func TestValueAddWraps(t *testing.T) {
	v := tcp.Value(math.MaxUint32 - 2)
	got := tcp.Add(v, 5)
	if got != 2 {
		t.Fatalf("Add wrap: got %d, want 2", got)
	}
}

func TestSizeofComplement(t *testing.T) {
	a, b := tcp.Value(100), tcp.Value(110)
	if got := tcp.Sizeof(a, b); got != 10 {
		t.Fatalf("Sizeof(a,b) = %d, want 10", got)
	}
	// The reverse distance is the 2^32 complement, never negative.
	want := tcp.Size(uint32(math.MaxUint32) - 10 + 1)
	if got := tcp.Sizeof(b, a); got != want {
		t.Fatalf("Sizeof(b,a) = %d, want %d", got, want)
	}
}

func TestValueLessThanAcrossWrap(t *testing.T) {
	// A value just before the wraparound point is still "less than" one
	// just after it, per the modulo ordering rule (RFC9293 §3.3).
	before := tcp.Value(math.MaxUint32)
	after := tcp.Value(5)
	if !before.LessThan(after) {
		t.Fatalf("expected %d < %d across wraparound", before, after)
	}
	if after.GreaterThan(before) != true {
		t.Fatalf("expected %d > %d across wraparound", after, before)
	}
}

func TestValueLessThanEqGreaterThanEq(t *testing.T) {
	a := tcp.Value(42)
	if !a.LessThanEq(a) || !a.GreaterThanEq(a) {
		t.Fatalf("expected reflexive LessThanEq/GreaterThanEq for equal values")
	}
	if a.LessThanEq(a - 1) {
		t.Fatalf("did not expect %d <= %d", a, a-1)
	}
}

func TestValueInWindow(t *testing.T) {
	start := tcp.Value(1000)
	tests := []struct {
		v    tcp.Value
		size tcp.Size
		want bool
	}{
		{1000, 10, true},
		{1009, 10, true},
		{1010, 10, false}, // half-open: start+size is excluded
		{999, 10, false},
		{1000, 0, true},  // zero window only admits exactly start
		{1001, 0, false},
	}
	for _, tt := range tests {
		if got := tt.v.InWindow(start, tt.size); got != tt.want {
			t.Errorf("InWindow(%d, start=%d, size=%d) = %v, want %v", tt.v, start, tt.size, got, tt.want)
		}
	}
}

func TestValueUpdateForward(t *testing.T) {
	v := tcp.Value(math.MaxUint32 - 1)
	v.UpdateForward(3)
	if v != 1 {
		t.Fatalf("UpdateForward wrap: got %d, want 1", v)
	}
}

func TestValueString(t *testing.T) {
	if got := tcp.Value(0).String(); got != "0" {
		t.Fatalf("Value(0).String() = %q, want \"0\"", got)
	}
	if got := tcp.Value(12345).String(); got != "12345" {
		t.Fatalf("Value(12345).String() = %q, want \"12345\"", got)
	}
}
