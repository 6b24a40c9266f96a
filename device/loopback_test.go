package device_test

import (
	"bytes"
	"testing"

	"github.com/lvlip/utcp/device"
)

func TestLoopbackPairCrossWired(t *testing.T) {
	a, b := device.NewLoopbackPair(1500, 4)
	defer a.Close()
	defer b.Close()

	msg := []byte("hello over loopback")
	if _, err := a.FrameWrite(msg); err != nil {
		t.Fatalf("a.FrameWrite: %v", err)
	}
	buf := make([]byte, 1500)
	n, err := b.FrameRead(buf)
	if err != nil {
		t.Fatalf("b.FrameRead: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("b read %q, want %q", buf[:n], msg)
	}

	reply := []byte("and back")
	if _, err := b.FrameWrite(reply); err != nil {
		t.Fatalf("b.FrameWrite: %v", err)
	}
	n, err = a.FrameRead(buf)
	if err != nil {
		t.Fatalf("a.FrameRead: %v", err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Fatalf("a read %q, want %q", buf[:n], reply)
	}
}

func TestLoopbackCloseUnblocksReaders(t *testing.T) {
	a, b := device.NewLoopbackPair(1500, 1)
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1500)
		_, err := a.FrameRead(buf)
		done <- err
	}()
	if err := a.Close(); err != nil {
		t.Fatalf("a.Close: %v", err)
	}
	if err := <-done; err != device.ErrClosed {
		t.Fatalf("FrameRead after Close = %v, want ErrClosed", err)
	}
}

func TestLoopbackMTU(t *testing.T) {
	a, b := device.NewLoopbackPair(9000, 1)
	defer a.Close()
	defer b.Close()
	if a.MTU() != 9000 || b.MTU() != 9000 {
		t.Fatalf("MTU() = %d/%d, want 9000/9000", a.MTU(), b.MTU())
	}
}
