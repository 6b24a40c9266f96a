//go:build linux

package device

import (
	"fmt"
	"net/netip"
	"os/exec"

	"golang.org/x/sys/unix"
)

// TAP is a Linux TUN/TAP device opened in TAP (Ethernet-framed) mode,
// grounded on the teacher's internal/tap.go Tap type but rewired through
// golang.org/x/sys/unix rather than the raw syscall package, per the
// domain-stack wiring in SPEC_FULL.md — unix.NewIfreq/unix.IoctlIfreq
// give the same ifreq access without hand-writing the union
// layout.
type TAP struct {
	fd   int
	name string
	mtu  int
}

// NewTAP creates (or attaches to) a TAP interface named name. If ip is
// valid, the interface is brought up and assigned that address via the
// system `ip` tool, mirroring how the teacher's NewTap bootstraps a test
// interface without reimplementing netlink.
func NewTAP(name string, ip netip.Prefix) (*TAP, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("device: interface name %q too long", name)
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: opening /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: TUNSETIFF: %w", err)
	}
	tap := &TAP{fd: fd, name: name, mtu: 1500}
	if mtu, err := tap.queryMTU(); err == nil && mtu > 0 {
		tap.mtu = mtu
	}
	if ip.IsValid() {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			tap.Close()
			return nil, fmt.Errorf("device: bringing up %s: %w", name, err)
		}
		if err := exec.Command("ip", "addr", "add", ip.String(), "dev", name).Run(); err != nil {
			tap.Close()
			return nil, fmt.Errorf("device: assigning address to %s: %w", name, err)
		}
	}
	return tap, nil
}

func (tap *TAP) FrameRead(b []byte) (int, error) {
	return unix.Read(tap.fd, b)
}

func (tap *TAP) FrameWrite(b []byte) (int, error) {
	return unix.Write(tap.fd, b)
}

func (tap *TAP) MTU() int { return tap.mtu }

func (tap *TAP) Close() error {
	return unix.Close(tap.fd)
}

func (tap *TAP) queryMTU() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	ifr, err := unix.NewIfreq(tap.name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, err
	}
	return int(ifr.Uint32()), nil
}

// HardwareAddress6 returns the interface's MAC address.
func (tap *TAP) HardwareAddress6() (hw [6]byte, err error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return hw, err
	}
	defer unix.Close(sock)
	ifr, err := unix.NewIfreq(tap.name)
	if err != nil {
		return hw, err
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFHWADDR, ifr); err != nil {
		return hw, err
	}
	hwaddr := ifr.HardwareAddr()
	copy(hw[:], hwaddr)
	return hw, nil
}
