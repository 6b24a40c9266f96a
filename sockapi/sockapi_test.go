package sockapi_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/lvlip/utcp/device"
	"github.com/lvlip/utcp/sockapi"
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

// TestTableSocketConnectReadWriteClose drives the six-call surface end to
// end: socket, connect, write, read, close, exercising sockapi.Table
// instead of talking to stack.Stack/tcp.Conn directly.
func TestTableSocketConnectReadWriteClose(t *testing.T) {
	clientDev, serverDev := device.NewLoopbackPair(1500, 64)
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 3}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 4}
	clientIP := [4]byte{10, 0, 0, 1}
	serverIP := [4]byte{10, 0, 0, 2}

	clientStack := newTestStack(t, clientDev, clientIP, clientMAC, serverMAC)
	serverStack := newTestStack(t, serverDev, serverIP, serverMAC, clientMAC)

	listener, err := serverStack.Listen(9000)
	if err != nil {
		t.Fatalf("serverStack.Listen: %v", err)
	}
	serverConnCh := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(time.Now().Add(5 * time.Second))
		if err != nil {
			serverConnCh <- err
			return
		}
		serverConnCh <- nil
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err == nil || n > 0 {
			conn.Write(buf[:n])
		}
	}()

	table := sockapi.NewTable(clientStack, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fd, err := table.Socket(sockapi.AFInet, sockapi.SockStream, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if fd < 0 {
		t.Fatalf("Socket returned negative fd %d", fd)
	}

	remote := netip.AddrPortFrom(netip.AddrFrom4(serverIP), 9000)
	if err := table.Connect(fd, remote); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-serverConnCh; err != nil {
		t.Fatalf("server accept: %v", err)
	}
	if err := table.Connect(fd, remote); err != sockapi.ErrIsConnected {
		t.Fatalf("second Connect on an already-connected fd = %v, want ErrIsConnected", err)
	}

	msg := []byte("via sockapi")
	n, err := table.Write(fd, msg)
	if err != nil || n != len(msg) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(msg))
	}

	buf := make([]byte, 64)
	n, err = table.Read(fd, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("Read = %q, want %q", buf[:n], msg)
	}

	if err := table.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := table.Read(fd, buf); err != sockapi.ErrBadFD {
		t.Fatalf("Read after Close = %v, want ErrBadFD", err)
	}
}

func TestTableSocketRejectsUnsupportedDomain(t *testing.T) {
	clientDev, _ := device.NewLoopbackPair(1500, 1)
	st := newTestStack(t, clientDev, [4]byte{10, 0, 0, 1}, [6]byte{2}, [6]byte{3})
	table := sockapi.NewTable(st, nil)

	if _, err := table.Socket(99 /* bad domain */, sockapi.SockStream, 0); err != sockapi.ErrUnsupportedSocket {
		t.Fatalf("Socket(bad domain) = %v, want ErrUnsupportedSocket", err)
	}
}

func TestTableAbortReleasesFdImmediately(t *testing.T) {
	clientDev, serverDev := device.NewLoopbackPair(1500, 64)
	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 5}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 6}
	clientIP := [4]byte{10, 0, 1, 1}
	serverIP := [4]byte{10, 0, 1, 2}

	clientStack := newTestStack(t, clientDev, clientIP, clientMAC, serverMAC)
	serverStack := newTestStack(t, serverDev, serverIP, serverMAC, clientMAC)

	listener, err := serverStack.Listen(9100)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	accepted := make(chan error, 1)
	go func() {
		_, err := listener.Accept(time.Now().Add(5 * time.Second))
		accepted <- err
	}()

	table := sockapi.NewTable(clientStack, nil)
	fd, err := table.Socket(sockapi.AFInet, sockapi.SockStream, sockapi.IPProtoTCP)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	remote := netip.AddrPortFrom(netip.AddrFrom4(serverIP), 9100)
	if err := table.Connect(fd, remote); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := table.Abort(fd); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := table.Write(fd, []byte("x")); err != sockapi.ErrBadFD {
		t.Fatalf("Write after Abort = %v, want ErrBadFD", err)
	}
}
