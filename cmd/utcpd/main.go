// Command utcpd is a demo binary wiring device+tcp+sockapi together: it
// opens a TAP device, brings up a Stack over it, listens on one TCP port
// through Stack.Listen, and serves Prometheus metrics over HTTP (spec.md §8 domain
// stack, grounded in runZeroInc-sockstats' exporter command pattern).
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lvlip/utcp/device"
	"github.com/lvlip/utcp/sockapi"
	"github.com/lvlip/utcp/stack"
	"github.com/lvlip/utcp/tcp"
)

func main() {
	var (
		ifaceName  = flag.String("iface", "utcp0", "TAP interface name")
		cidr       = flag.String("addr", "192.168.200.1/24", "local IPv4 address/prefix to assign the TAP interface")
		peerMAC    = flag.String("peer-mac", "", "hardware address of the single L2 neighbor (required, ARP is out of scope)")
		localPort  = flag.Uint("listen", 7000, "TCP port to accept connections on")
		metricsBind = flag.String("metrics", ":9273", "address to serve /metrics on")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	prefix, err := netip.ParsePrefix(*cidr)
	if err != nil {
		log.Fatalf("utcpd: bad -addr: %v", err)
	}
	peerHW, err := parseMAC(*peerMAC)
	if err != nil {
		log.Fatalf("utcpd: bad -peer-mac: %v", err)
	}

	tap, err := device.NewTAP(*ifaceName, prefix)
	if err != nil {
		log.Fatalf("utcpd: opening TAP device: %v", err)
	}
	localHW, err := tap.HardwareAddress6()
	if err != nil {
		log.Fatalf("utcpd: reading TAP hardware address: %v", err)
	}

	st, err := stack.New(stack.Config{
		Device:           tap,
		LocalIP:          prefix.Addr().As4(),
		LocalMAC:         localHW,
		PeerMAC:          peerHW,
		ConnCount:        64,
		Logger:           logger,
		MetricsNamespace: "utcp",
	})
	if err != nil {
		log.Fatalf("utcpd: building stack: %v", err)
	}

	if m := st.Metrics(); m != nil {
		if err := m.Register(prometheus.DefaultRegisterer); err != nil {
			log.Fatalf("utcpd: registering metrics: %v", err)
		}
	}

	listener, err := st.Listen(uint16(*localPort))
	if err != nil {
		log.Fatalf("utcpd: listening on port %d: %v", *localPort, err)
	}
	table := sockapi.NewTable(st, logger)
	_ = table // exposed for an IPC dispatcher to drive; this demo serves the listener directly below.

	go serveEcho(listener, logger)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("utcpd: serving metrics", slog.String("addr", *metricsBind))
		if err := http.ListenAndServe(*metricsBind, nil); err != nil {
			logger.Error("utcpd: metrics server exited", slog.String("err", err.Error()))
		}
	}()

	logger.Info("utcpd: stack running", slog.String("iface", *ifaceName), slog.String("addr", prefix.String()), slog.Uint64("port", uint64(*localPort)))
	if err := st.Run(); err != nil {
		log.Fatalf("utcpd: stack exited: %v", err)
	}
}

// serveEcho accepts connections and echoes data back, just enough to
// exercise the accepted Conns end to end.
func serveEcho(listener *tcp.Listener, logger *slog.Logger) {
	for {
		conn, err := listener.Accept(time.Time{})
		if err != nil {
			logger.Error("utcpd: accept", slog.String("err", err.Error()))
			return
		}
		go func(conn *tcp.Conn) {
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					if _, werr := conn.Write(buf[:n]); werr != nil {
						logger.Debug("utcpd: echo write", slog.String("err", werr.Error()))
						return
					}
				}
				if err != nil {
					conn.Close()
					return
				}
			}
		}(conn)
	}
}

func parseMAC(s string) ([6]byte, error) {
	var hw [6]byte
	if s == "" {
		return hw, fmt.Errorf("must be specified")
	}
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return hw, fmt.Errorf("expected xx:xx:xx:xx:xx:xx form")
	}
	for i, v := range b {
		hw[i] = byte(v)
	}
	return hw, nil
}
