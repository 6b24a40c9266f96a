package tcp

import "testing"

func TestRingTxWriteSendAck(t *testing.T) {
	var rtx ringTx
	buf := make([]byte, 64)
	const iss Value = 1000
	if err := rtx.Reset(buf, 4, iss); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	data := []byte("hello world")
	n, err := rtx.Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(data))
	}
	if got := rtx.BufferedUnsent(); got != len(data) {
		t.Fatalf("BufferedUnsent = %d, want %d", got, len(data))
	}

	out := make([]byte, 5)
	n, err = rtx.MakePacket(out, iss)
	if err != nil || n != 5 {
		t.Fatalf("MakePacket #1 = (%d, %v), want (5, nil)", n, err)
	}
	if string(out[:n]) != "hello" {
		t.Fatalf("MakePacket #1 bytes = %q, want %q", out[:n], "hello")
	}
	if !rtx.HasUnacked() {
		t.Fatalf("HasUnacked() = false right after MakePacket, want true")
	}
	if got := rtx.BufferedSent(); got != 5 {
		t.Fatalf("BufferedSent = %d, want 5", got)
	}

	out2 := make([]byte, 6)
	n, err = rtx.MakePacket(out2, iss+5)
	if err != nil || n != 6 {
		t.Fatalf("MakePacket #2 = (%d, %v), want (6, nil)", n, err)
	}
	if string(out2[:n]) != " world" {
		t.Fatalf("MakePacket #2 bytes = %q, want %q", out2[:n], " world")
	}

	peek := make([]byte, 5)
	pn, seq, ok := rtx.PeekOldest(peek)
	if !ok || pn != 5 || seq != iss || string(peek[:pn]) != "hello" {
		t.Fatalf("PeekOldest = (%d, %d, %v) %q, want (5, %d, true) \"hello\"", pn, seq, ok, peek[:pn], iss)
	}

	if err := rtx.RecvACK(iss + 5); err != nil {
		t.Fatalf("RecvACK(partial): %v", err)
	}
	if !rtx.HasUnacked() {
		t.Fatalf("HasUnacked() = false after partial ACK, want true (second segment still outstanding)")
	}

	if err := rtx.RecvACK(iss + 11); err != nil {
		t.Fatalf("RecvACK(full): %v", err)
	}
	if rtx.HasUnacked() {
		t.Fatalf("HasUnacked() = true after full ACK, want false")
	}
}

func TestRingTxMakePacketRejectsOutOfOrderSeq(t *testing.T) {
	var rtx ringTx
	buf := make([]byte, 64)
	const iss Value = 500
	if err := rtx.Reset(buf, 4, iss); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := rtx.Write([]byte("abcdef")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]byte, 3)
	if _, err := rtx.MakePacket(out, iss); err != nil {
		t.Fatalf("MakePacket #1: %v", err)
	}
	// A sequence number behind what's already been queued must be rejected.
	if _, err := rtx.MakePacket(out, iss); err == nil {
		t.Fatalf("MakePacket with a stale sequence number succeeded, want rejection")
	}
}

func TestRingTxQueueFull(t *testing.T) {
	var rtx ringTx
	buf := make([]byte, 64)
	const iss Value = 0
	if err := rtx.Reset(buf, 1, iss); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := rtx.Write([]byte("abcdef")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]byte, 3)
	if _, err := rtx.MakePacket(out, iss); err != nil {
		t.Fatalf("MakePacket #1: %v", err)
	}
	if _, err := rtx.MakePacket(out, iss+3); err != errPacketQueueFull {
		t.Fatalf("MakePacket over a 1-deep queue = %v, want errPacketQueueFull", err)
	}
}
