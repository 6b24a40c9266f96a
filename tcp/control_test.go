package tcp_test

import (
	"testing"

	"github.com/lvlip/utcp/tcp"
)

// exchange drives seg from sender (via Send) to receiver (via Recv),
// asserting both accept it. It mirrors the RFC9293-figure style exchanges
// the package's own tracing renders, just assembled by hand instead of a
// shared test helper.
func exchange(t *testing.T, name string, sender, receiver *tcp.ControlBlock, seg tcp.Segment) {
	t.Helper()
	if err := sender.Send(seg); err != nil {
		t.Fatalf("%s: sender.Send(%s) = %v", name, seg, err)
	}
	if err := receiver.Recv(seg); err != nil {
		t.Fatalf("%s: receiver.Recv(%s) = %v", name, seg, err)
	}
}

// handshake drives a full 3-way handshake between a freshly Open'd server
// (passive) and a freshly constructed client (active), returning both TCBs
// established.
func handshake(t *testing.T) (client, server *tcp.ControlBlock) {
	t.Helper()
	const clientISS, serverISS tcp.Value = 300, 1000
	const wnd tcp.Size = 4096

	client = &tcp.ControlBlock{}
	server = &tcp.ControlBlock{}
	if err := server.Open(serverISS, wnd); err != nil {
		t.Fatalf("server.Open: %v", err)
	}
	if server.State() != tcp.StateListen {
		t.Fatalf("server state after Open = %s, want LISTEN", server.State())
	}

	syn := tcp.ClientSynSegment(clientISS, wnd)
	exchange(t, "SYN", client, server, syn)
	if client.State() != tcp.StateSynSent {
		t.Fatalf("client state after SYN = %s, want SYN-SENT", client.State())
	}
	if server.State() != tcp.StateSynRcvd {
		t.Fatalf("server state after SYN = %s, want SYN-RECEIVED", server.State())
	}

	synack, ok := server.PendingSegment(0)
	if !ok || synack.Flags != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("server.PendingSegment after SYN = %v, ok=%v, want SYN|ACK", synack, ok)
	}
	exchange(t, "SYN-ACK", server, client, synack)
	if client.State() != tcp.StateEstablished {
		t.Fatalf("client state after SYN-ACK = %s, want ESTABLISHED", client.State())
	}

	ack, ok := client.PendingSegment(0)
	if !ok || ack.Flags != tcp.FlagACK {
		t.Fatalf("client.PendingSegment after SYN-ACK = %v, ok=%v, want ACK", ack, ok)
	}
	exchange(t, "ACK", client, server, ack)
	if server.State() != tcp.StateEstablished {
		t.Fatalf("server state after final ACK = %s, want ESTABLISHED", server.State())
	}
	return client, server
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	client, server := handshake(t)
	if client.RecvNext() != server.ISS()+1 {
		t.Fatalf("client.RecvNext() = %d, want server ISS+1 = %d", client.RecvNext(), server.ISS()+1)
	}
}

func TestDataTransferAfterHandshake(t *testing.T) {
	client, server := handshake(t)

	data := []byte("hello")
	seg, ok := client.PendingSegment(len(data))
	if !ok {
		t.Fatalf("client.PendingSegment(%d) returned ok=false with nothing queued yet", len(data))
	}
	if seg.DATALEN != tcp.Size(len(data)) {
		t.Fatalf("PendingSegment DATALEN = %d, want %d", seg.DATALEN, len(data))
	}
	exchange(t, "DATA", client, server, seg)

	// The receiver now owes an ACK for the data it just admitted.
	serverAck, ok := server.PendingSegment(0)
	if !ok || !serverAck.Flags.HasAny(tcp.FlagACK) {
		t.Fatalf("server.PendingSegment after data = %v, ok=%v, want an ACK queued", serverAck, ok)
	}
	if serverAck.ACK != client.ISS()+1+tcp.Value(len(data)) {
		t.Fatalf("server ACK = %d, want to cover the %d data octets just received", serverAck.ACK, len(data))
	}
}

func TestGracefulCloseBothSides(t *testing.T) {
	client, server := handshake(t)

	if err := client.Close(); err != nil {
		t.Fatalf("client.Close: %v", err)
	}
	fin, ok := client.PendingSegment(0)
	if !ok || !fin.Flags.HasAll(tcp.FlagFIN) {
		t.Fatalf("client.PendingSegment after Close = %v, ok=%v, want FIN queued", fin, ok)
	}
	exchange(t, "FIN", client, server, fin)
	if client.State() != tcp.StateFinWait1 {
		t.Fatalf("client state after sending FIN = %s, want FIN-WAIT-1", client.State())
	}
	if server.State() != tcp.StateCloseWait {
		t.Fatalf("server state after receiving FIN = %s, want CLOSE-WAIT", server.State())
	}

	serverAck, ok := server.PendingSegment(0)
	if !ok || serverAck.Flags != tcp.FlagACK {
		t.Fatalf("server.PendingSegment after FIN = %v, ok=%v, want bare ACK", serverAck, ok)
	}
	exchange(t, "ACK-of-FIN", server, client, serverAck)
	if client.State() != tcp.StateFinWait2 {
		t.Fatalf("client state after ACK of its FIN = %s, want FIN-WAIT-2", client.State())
	}

	if err := server.Close(); err != nil {
		t.Fatalf("server.Close: %v", err)
	}
	serverFin, ok := server.PendingSegment(0)
	if !ok || !serverFin.Flags.HasAll(tcp.FlagFIN) {
		t.Fatalf("server.PendingSegment after Close = %v, ok=%v, want FIN queued", serverFin, ok)
	}
	exchange(t, "FIN-from-server", server, client, serverFin)
	if client.State() != tcp.StateTimeWait {
		t.Fatalf("client state after server FIN = %s, want TIME-WAIT", client.State())
	}

	clientAck, ok := client.PendingSegment(0)
	if !ok || clientAck.Flags != tcp.FlagACK {
		t.Fatalf("client.PendingSegment after server FIN = %v, ok=%v, want bare ACK", clientAck, ok)
	}
	if err := client.Send(clientAck); err != nil {
		t.Fatalf("client.Send(final ACK): %v", err)
	}
	if err := server.Recv(clientAck); err != nil {
		t.Fatalf("server.Recv(final ACK): %v", err)
	}
	if server.State() != tcp.StateClosed {
		t.Fatalf("server state after final ACK = %s, want CLOSED (LAST-ACK -> close())", server.State())
	}
}

func TestSendRejectsDataOutsideWindow(t *testing.T) {
	client, _ := handshake(t)
	client.SetRecvWindow(10)
	// A data segment whose sequence number lies far past SND.NXT+SND.WND,
	// so the peer could not admit any of it.
	bad := tcp.Segment{SEQ: client.ISS() + 100000, WND: 10, Flags: tcp.FlagACK, ACK: client.RecvNext(), DATALEN: 5}
	if err := client.Send(bad); err == nil {
		t.Fatalf("Send accepted an out-of-window segment, want rejection")
	}
}

func TestRecvDropsAckOfUnsentData(t *testing.T) {
	_, server := handshake(t)
	// An ACK referencing a sequence number the server never sent.
	stale := tcp.Segment{SEQ: server.RecvNext(), ACK: server.ISS() + 99999, WND: 4096, Flags: tcp.FlagACK}
	err := server.Recv(stale)
	if err == nil {
		t.Fatalf("Recv accepted an ACK of unsent data, want rejection/drop")
	}
}

func TestChallengeAckOnMismatchedRST(t *testing.T) {
	client, server := handshake(t)
	before := server.ChallengeAckCount()

	// An RST whose sequence number lands inside the receive window but
	// does not exactly match RCV.NXT must provoke a challenge ACK rather
	// than tearing the connection down (RFC 9293 §3.4.3).
	seg := tcp.Segment{SEQ: server.RecvNext() + 1, Flags: tcp.FlagRST}
	err := server.Recv(seg)
	if err == nil {
		t.Fatalf("Recv(mismatched RST) = nil, want a dropped-segment error")
	}
	if got := server.ChallengeAckCount(); got != before+1 {
		t.Fatalf("ChallengeAckCount = %d, want %d", got, before+1)
	}
	if server.State() != tcp.StateEstablished {
		t.Fatalf("state after challenge-ACK RST = %s, want still ESTABLISHED", server.State())
	}

	challenge, ok := server.PendingSegment(0)
	if !ok || challenge.Flags != tcp.FlagACK {
		t.Fatalf("PendingSegment after challenge = %v, ok=%v, want bare ACK", challenge, ok)
	}
	_ = client
}

func TestExactRSTClosesConnection(t *testing.T) {
	_, server := handshake(t)
	seg := tcp.Segment{SEQ: server.RecvNext(), Flags: tcp.FlagRST}
	err := server.Recv(seg)
	if err == nil {
		t.Fatalf("Recv(exact RST) = nil, want net.ErrClosed")
	}
	if server.State() != tcp.StateClosed {
		t.Fatalf("state after exact RST = %s, want CLOSED", server.State())
	}
}

func TestSimultaneousOpen(t *testing.T) {
	const aISS, bISS tcp.Value = 500, 900
	const wnd tcp.Size = 4096
	a := &tcp.ControlBlock{}
	b := &tcp.ControlBlock{}

	synA := tcp.ClientSynSegment(aISS, wnd)
	synB := tcp.ClientSynSegment(bISS, wnd)
	if err := a.Send(synA); err != nil {
		t.Fatalf("a.Send(SYN): %v", err)
	}
	if err := b.Send(synB); err != nil {
		t.Fatalf("b.Send(SYN): %v", err)
	}

	// Each side receives the other's bare SYN while itself in SYN-SENT:
	// RFC 9293 §3.5 simultaneous-open, both move to SYN-RECEIVED and
	// re-offer their own SYN|ACK.
	if err := a.Recv(synB); err != nil {
		t.Fatalf("a.Recv(peer SYN): %v", err)
	}
	if err := b.Recv(synA); err != nil {
		t.Fatalf("b.Recv(peer SYN): %v", err)
	}
	if a.State() != tcp.StateSynRcvd || b.State() != tcp.StateSynRcvd {
		t.Fatalf("states after simultaneous SYN exchange = %s / %s, want SYN-RECEIVED / SYN-RECEIVED", a.State(), b.State())
	}

	synackA, ok := a.PendingSegment(0)
	if !ok || synackA.Flags != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("a.PendingSegment = %v, ok=%v, want SYN|ACK", synackA, ok)
	}
	synackB, ok := b.PendingSegment(0)
	if !ok || synackB.Flags != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("b.PendingSegment = %v, ok=%v, want SYN|ACK", synackB, ok)
	}
	exchange(t, "SYN-ACK-A", a, b, synackA)
	exchange(t, "SYN-ACK-B", b, a, synackB)
	if a.State() != tcp.StateEstablished || b.State() != tcp.StateEstablished {
		t.Fatalf("states after exchanging SYN|ACKs = %s / %s, want ESTABLISHED / ESTABLISHED", a.State(), b.State())
	}
}
