//go:build linux

package bridge

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// InterfaceFactory dials host sockets bound to a specific egress
// interface via SO_BINDTODEVICE. An empty interface name leaves routing
// to the kernel.
type InterfaceFactory struct {
	Interface   string
	DialTimeout time.Duration
}

// NewInterfaceFactory returns a factory binding outbound sockets to iface.
func NewInterfaceFactory(iface string) *InterfaceFactory {
	return &InterfaceFactory{Interface: iface, DialTimeout: 10 * time.Second}
}

func (f *InterfaceFactory) dialer() *net.Dialer {
	d := &net.Dialer{Timeout: f.DialTimeout}
	if f.Interface != "" {
		iface := f.Interface
		d.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.BindToDevice(int(fd), iface)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}
	return d
}

func (f *InterfaceFactory) DialStream(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	return f.dialer().DialContext(ctx, "tcp4", remote.String())
}

func (f *InterfaceFactory) DialDatagram(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	return f.dialer().DialContext(ctx, "udp4", remote.String())
}
