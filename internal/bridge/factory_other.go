//go:build !linux

package bridge

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// InterfaceFactory dials host sockets. Interface binding is a Linux
// feature; elsewhere the kernel routing table decides the egress path.
type InterfaceFactory struct {
	Interface   string
	DialTimeout time.Duration
}

func NewInterfaceFactory(iface string) *InterfaceFactory {
	return &InterfaceFactory{Interface: iface, DialTimeout: 10 * time.Second}
}

func (f *InterfaceFactory) DialStream(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	d := &net.Dialer{Timeout: f.DialTimeout}
	return d.DialContext(ctx, "tcp4", remote.String())
}

func (f *InterfaceFactory) DialDatagram(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	d := &net.Dialer{Timeout: f.DialTimeout}
	return d.DialContext(ctx, "udp4", remote.String())
}
