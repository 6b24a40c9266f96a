package stack_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/lvlip/utcp/device"
	"github.com/lvlip/utcp/stack"
)

func newTestStack(t *testing.T, dev device.Device, ip [4]byte, localMAC, peerMAC [6]byte) *stack.Stack {
	t.Helper()
	st, err := stack.New(stack.Config{
		Device:    dev,
		LocalIP:   ip,
		LocalMAC:  localMAC,
		PeerMAC:   peerMAC,
		ConnCount: 4,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("stack.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	go st.Run()
	return st
}

// TestStackHandshakeEchoClose dials a connection across a Loopback pair of
// Stacks, end to end through real Ethernet+IPv4 framing, echoes data
// through a server accept loop, then closes the connection gracefully.
func TestStackHandshakeEchoClose(t *testing.T) {
	clientDev, serverDev := device.NewLoopbackPair(1500, 64)
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 2}
	clientIP := [4]byte{192, 168, 1, 1}
	serverIP := [4]byte{192, 168, 1, 2}

	clientStack := newTestStack(t, clientDev, clientIP, clientMAC, serverMAC)
	serverStack := newTestStack(t, serverDev, serverIP, serverMAC, clientMAC)

	listener, err := serverStack.Listen(7000)
	if err != nil {
		t.Fatalf("serverStack.Listen: %v", err)
	}

	accepted := make(chan error, 1)
	echoed := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept(time.Now().Add(5 * time.Second))
		if err != nil {
			accepted <- err
			return
		}
		accepted <- nil
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			echoed <- nil
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			echoed <- nil
			return
		}
		echoed <- append([]byte(nil), buf[:n]...)
	}()

	remote := netip.AddrPortFrom(netip.AddrFrom4(serverIP), 7000)
	conn, err := clientStack.Dial(6000, remote)
	if err != nil {
		t.Fatalf("clientStack.Dial: %v", err)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("listener.Accept: %v", err)
	}

	msg := []byte("ping")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}

	buf := make([]byte, 64)
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("conn.Read (echo): %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("echoed back %q, want %q", buf[:n], msg)
	}

	select {
	case got := <-echoed:
		if !bytes.Equal(got, msg) {
			t.Fatalf("server saw %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server side never finished its echo")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("conn.Close: %v", err)
	}
	clientStack.Release(conn)
}
