// Package stack wires tcp.Conn/tcp.Listener to a device.Device: the glue
// spec.md leaves as an external collaborator boundary (layer-2 device, IP
// addressing) but that a runnable demo still needs. It owns the single
// timerService and ISSGenerator a process-wide set of connections share
// (spec.md §5 "single scheduler thread"), a fixed pool of preallocated
// tcp.Conn values (spec.md §5's resource model: a bounded connection table,
// not one goroutine per connection), and the read/write pump that turns
// Ethernet+IPv4 framed bytes into Conn.Demux/Encapsulate calls.
//
// Routing, fragmentation and ARP stay out of scope (spec.md Non-goals): a
// Stack talks to exactly one L2 neighbor, configured directly as PeerMAC,
// the same simplification the teacher's own stackbasic example makes.
package stack

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/lvlip/utcp/device"
	"github.com/lvlip/utcp/tcp"
)

// Config configures a Stack. Device is required (New rejects a nil one);
// New substitutes defaults for a zero ConnCount (16), RxBufSize (4096),
// TxBufSize (4096), TxPacketQueueSize (32), MaxOutOfOrder (8) and a nil
// Logger (slog.Default).
type Config struct {
	Device device.Device
	// LocalIP is this stack's IPv4 address.
	LocalIP [4]byte
	// LocalMAC and PeerMAC address the single L2 neighbor this Stack
	// exchanges frames with; ARP resolution is out of scope (spec.md
	// Non-goals), so the peer's hardware address must be known up front.
	LocalMAC [6]byte
	PeerMAC  [6]byte

	// ConnCount sizes the preallocated Conn pool (spec.md §5: a bounded
	// table of connections, not unbounded goroutine-per-conn growth).
	ConnCount int
	RxBufSize int
	TxBufSize int
	// TxPacketQueueSize bounds how many distinct unacknowledged segments
	// the retransmission queue may track per connection.
	TxPacketQueueSize int
	MaxOutOfOrder     int

	Logger *slog.Logger
	// MetricsNamespace, if non-empty, registers a tcp.Metrics bundle under
	// this Prometheus namespace (spec.md §8 domain stack).
	MetricsNamespace string
}

const (
	ethHeaderLen = device.SizeHeaderEthernet
	ipHeaderLen  = device.SizeHeaderIPv4
	defaultTTL   = 64
)

var errNotIPv4 = errors.New("stack: non-IPv4 packet")

// Stack is the top-level object a demo binary or sockapi.Table builds on:
// it owns every Conn/Listener, the shared timer service, ISS generation,
// and the device read/write pump.
type Stack struct {
	cfg     Config
	svc     *tcp.TimerService
	iss     *tcp.ISSGenerator
	metrics *tcp.Metrics

	mu        sync.Mutex
	pool      []*tcp.Conn
	free      []*tcp.Conn
	listeners map[uint16]*tcp.Listener
	dialed    []*tcp.Conn
	rstq      tcp.RSTQueue

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// New builds a Stack from cfg and preallocates its connection pool. It does
// not start the I/O pump; call Run for that.
func New(cfg Config) (*Stack, error) {
	if cfg.Device == nil {
		return nil, errors.New("stack: nil device")
	}
	if cfg.ConnCount <= 0 {
		cfg.ConnCount = 16
	}
	if cfg.RxBufSize <= 0 {
		cfg.RxBufSize = 4096
	}
	if cfg.TxBufSize <= 0 {
		cfg.TxBufSize = 4096
	}
	if cfg.TxPacketQueueSize <= 0 {
		cfg.TxPacketQueueSize = 32
	}
	if cfg.MaxOutOfOrder <= 0 {
		cfg.MaxOutOfOrder = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// localMSS is the largest TCP segment this Stack can send without
	// fragmenting at the device's MTU (spec.md §4.2/§4.3): MTU minus the
	// IPv4 header and the fixed 20-byte TCP header (no outgoing options
	// beyond MSS itself are ever emitted).
	localMSS := tcp.Size(cfg.Device.MTU() - ipHeaderLen - 20)
	st := &Stack{
		cfg:       cfg,
		iss:       tcp.NewISSGenerator(),
		listeners: make(map[uint16]*tcp.Listener),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    cfg.Logger,
	}
	st.svc = tcp.NewTimerService()
	if cfg.MetricsNamespace != "" {
		st.metrics = tcp.NewMetrics(cfg.MetricsNamespace)
	}
	for i := 0; i < cfg.ConnCount; i++ {
		conn := tcp.NewConn(st.svc)
		err := conn.Configure(tcp.ConnConfig{
			RxBuf:             make([]byte, cfg.RxBufSize),
			TxBuf:             make([]byte, cfg.TxBufSize),
			TxPacketQueueSize: cfg.TxPacketQueueSize,
			MaxOutOfOrder:     cfg.MaxOutOfOrder,
			Logger:            cfg.Logger,
			MSS:               localMSS,
			OutputReady:       st.signalOutput,
		})
		if err != nil {
			return nil, err
		}
		if st.metrics != nil {
			conn.SetMetrics(st.metrics)
		}
		st.pool = append(st.pool, conn)
		st.free = append(st.free, conn)
	}
	return st, nil
}

// Metrics returns the Prometheus metrics bundle, or nil if
// Config.MetricsNamespace was empty.
func (st *Stack) Metrics() *tcp.Metrics { return st.metrics }

// GetTCP implements tcp.ConnPool: it hands the next free Conn to a Listener
// along with a freshly generated ISS.
func (st *Stack) GetTCP() (*tcp.Conn, tcp.Value) {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.free)
	if n == 0 {
		return nil, 0
	}
	conn := st.free[n-1]
	st.free = st.free[:n-1]
	return conn, st.iss.Next()
}

// PutTCP implements tcp.ConnPool: it returns a Conn to the free list once a
// Listener has finished with it (closed or aborted).
func (st *Stack) PutTCP(conn *tcp.Conn) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.free = append(st.free, conn)
}

// Listen opens a passive Listener on port, backed by this Stack's Conn
// pool.
func (st *Stack) Listen(port uint16) (*tcp.Listener, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.listeners[port]; exists {
		return nil, errors.New("stack: port already listening")
	}
	l := &tcp.Listener{}
	if err := l.Reset(port, st); err != nil {
		return nil, err
	}
	st.listeners[port] = l
	return l, nil
}

// CloseListener stops listening on port, returning its Conns to the pool.
func (st *Stack) CloseListener(port uint16) error {
	st.mu.Lock()
	l, ok := st.listeners[port]
	if !ok {
		st.mu.Unlock()
		return errors.New("stack: not listening on that port")
	}
	delete(st.listeners, port)
	st.mu.Unlock()
	return l.Close()
}

// Dial opens an active connection from localPort to remote, blocking until
// the handshake completes or fails (spec.md §6 connect()).
func (st *Stack) Dial(localPort uint16, remote netip.AddrPort) (*tcp.Conn, error) {
	conn, iss := st.GetTCP()
	if conn == nil {
		return nil, errors.New("stack: connection pool exhausted")
	}
	err := conn.OpenActive(localPort, remote, iss)
	if err != nil {
		st.PutTCP(conn)
		return nil, err
	}
	st.mu.Lock()
	st.dialed = append(st.dialed, conn)
	st.mu.Unlock()
	return conn, nil
}

// Release returns a Conn obtained from Dial back to the pool once the
// caller is done with it (after Close/Abort).
func (st *Stack) Release(conn *tcp.Conn) {
	st.mu.Lock()
	for i, c := range st.dialed {
		if c == conn {
			st.dialed = append(st.dialed[:i], st.dialed[i+1:]...)
			break
		}
	}
	st.mu.Unlock()
	st.PutTCP(conn)
}

func (st *Stack) signalOutput() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Run starts the read and write pumps and blocks until Close is called.
func (st *Stack) Run() error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); st.readLoop() }()
	go func() { defer wg.Done(); st.writeLoop() }()
	wg.Wait()
	close(st.done)
	return nil
}

// Close stops the pumps and releases the underlying device.
func (st *Stack) Close() error {
	select {
	case <-st.stop:
	default:
		close(st.stop)
	}
	st.signalOutput()
	return st.cfg.Device.Close()
}

func (st *Stack) readLoop() {
	buf := make([]byte, st.cfg.Device.MTU()+ethHeaderLen+64)
	for {
		select {
		case <-st.stop:
			return
		default:
		}
		n, err := st.cfg.Device.FrameRead(buf)
		if err != nil {
			if errors.Is(err, device.ErrClosed) {
				return
			}
			st.logger.Error("stack: frame read", slog.String("err", err.Error()))
			continue
		}
		if n < ethHeaderLen {
			continue
		}
		if err := st.demux(buf[:n]); err != nil {
			st.logger.Debug("stack: demux drop", slog.String("err", err.Error()))
		}
	}
}

func (st *Stack) demux(frame []byte) error {
	dst, _, etherType, err := device.EthernetAddrs(frame)
	if err != nil {
		return err
	}
	if dst != st.cfg.LocalMAC && dst != ([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		return nil
	}
	if etherType != device.EtherTypeIPv4 {
		return nil
	}
	ip := frame[ethHeaderLen:]
	if len(ip) < ipHeaderLen || ip[0]>>4 != 4 {
		return errNotIPv4
	}
	ihl := int(ip[0]&0xf) * 4
	if len(ip) < ihl {
		return errNotIPv4
	}
	if ip[9] != tcp.ProtoTCP {
		return nil // not TCP: routing/other protocols are out of scope.
	}
	if len(ip) < ihl+4 {
		return errors.New("stack: short TCP header")
	}
	dport := binary.BigEndian.Uint16(ip[ihl+2 : ihl+4])

	st.mu.Lock()
	l, hasListener := st.listeners[dport]
	dialedSnapshot := append([]*tcp.Conn(nil), st.dialed...)
	st.mu.Unlock()

	for _, conn := range dialedSnapshot {
		if conn.LocalPort() == dport {
			return conn.Demux(ip, ihl)
		}
	}
	if hasListener {
		return l.Demux(ip, ihl)
	}
	st.queueRST(ip, ihl)
	return errors.New("stack: no socket on port")
}

// queueRST answers a segment addressed to a port with no matching Conn or
// Listener (spec.md §7: "RST is generated... for: segment to a
// non-existent connection (not in LISTEN)"), following RFC 9293 §3.4's
// reset-generation rule: if the offending segment carries no ACK, the
// reply's SEQ is 0 and its ACK is the offending segment's SEQ+LEN with
// both ACK and RST set; if it carries an ACK, the reply's SEQ is the
// offending segment's ACK field with only RST set. A segment that is
// itself a RST is never answered, to avoid a reset-reply storm.
func (st *Stack) queueRST(ip []byte, ihl int) {
	tfrm, err := tcp.NewFrame(ip[ihl:])
	if err != nil || tfrm.ValidateSize() != nil {
		return
	}
	_, flags := tfrm.OffsetAndFlags()
	if flags.HasAny(tcp.FlagRST) {
		return
	}
	seg := tfrm.Segment(len(tfrm.Payload()))
	var rseq, rack tcp.Value
	var rflags tcp.Flags
	if flags.HasAny(tcp.FlagACK) {
		rseq = seg.ACK
		rflags = tcp.FlagRST
	} else {
		rseq = 0
		rack = tcp.Add(seg.SEQ, seg.LEN())
		rflags = tcp.FlagRST | tcp.FlagACK
	}
	if len(ip) < 20 {
		return
	}
	st.mu.Lock()
	st.rstq.Queue(ip[12:16], tfrm.SourcePort(), tfrm.DestinationPort(), rseq, rack, rflags)
	st.mu.Unlock()
	st.signalOutput()
}

func (st *Stack) writeLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	scratch := make([]byte, st.cfg.Device.MTU()+ethHeaderLen+64)
	for {
		select {
		case <-st.stop:
			return
		case <-st.wake:
		case <-ticker.C:
		}
		for st.drainOnce(scratch) {
		}
	}
}

// drainOnce sends every queued stateless RST, at most one outgoing frame
// per Listener and dialed Conn, and one retransmit per pooled Conn whose
// RTO has fired, and reports whether anything was sent, so writeLoop can keep draining until
// the pool is quiet again.
func (st *Stack) drainOnce(scratch []byte) (sent bool) {
	st.mu.Lock()
	listeners := make([]*tcp.Listener, 0, len(st.listeners))
	for _, l := range st.listeners {
		listeners = append(listeners, l)
	}
	dialed := append([]*tcp.Conn(nil), st.dialed...)
	pool := st.pool
	st.mu.Unlock()

	for st.rstq.Pending() > 0 {
		if st.emit(scratch, func(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
			st.mu.Lock()
			defer st.mu.Unlock()
			return st.rstq.Drain(carrierData, offsetToIP, offsetToFrame)
		}) {
			sent = true
		} else {
			break
		}
	}
	for _, l := range listeners {
		if st.emit(scratch, l.Encapsulate) {
			sent = true
		}
	}
	for _, conn := range dialed {
		if st.emit(scratch, conn.Encapsulate) {
			sent = true
		}
	}
	for _, conn := range pool {
		if !conn.NeedsRetransmit() {
			continue
		}
		if st.emit(scratch, conn.EncapsulateRetransmit) {
			sent = true
		}
	}
	return sent
}

func (st *Stack) emit(scratch []byte, encaps func(carrierData []byte, offsetToIP, offsetToFrame int) (int, error)) bool {
	device.BuildEthernetHeader(scratch, st.cfg.PeerMAC, st.cfg.LocalMAC, device.EtherTypeIPv4)
	offsetToIP := ethHeaderLen
	offsetToFrame := ethHeaderLen + ipHeaderLen
	err := device.BuildIPv4Header(scratch[offsetToIP:], 0, defaultTTL, st.cfg.LocalIP, [4]byte{}, 0)
	if err != nil {
		st.logger.Error("stack: build ip header", slog.String("err", err.Error()))
		return false
	}
	n, err := encaps(scratch, offsetToIP, offsetToFrame)
	if err != nil {
		st.logger.Debug("stack: encapsulate", slog.String("err", err.Error()))
		return false
	}
	if n == 0 {
		return false
	}
	if err := device.SetIPv4PayloadLength(scratch[offsetToIP:], n); err != nil {
		st.logger.Error("stack: set ip payload length", slog.String("err", err.Error()))
		return false
	}
	ipFrame := scratch[offsetToIP:offsetToFrame]
	var dst [4]byte
	copy(dst[:], ipFrame[16:20])
	tfrm, err := tcp.NewFrame(scratch[offsetToFrame : offsetToFrame+n])
	if err != nil {
		return false
	}
	tfrm.SetChecksum(st.cfg.LocalIP, dst)
	total := offsetToFrame + n
	if _, err := st.cfg.Device.FrameWrite(scratch[:total]); err != nil {
		st.logger.Error("stack: frame write", slog.String("err", err.Error()))
		return false
	}
	return true
}
