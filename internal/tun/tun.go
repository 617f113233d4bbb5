// Package tun opens an existing TUN interface for frame I/O. Creating
// and addressing the interface is left to the start scripts, as is MTU
// configuration.
package tun

import (
	"fmt"
	"net"

	"github.com/songgao/water"
)

// Device is an open TUN interface. Each Read yields exactly one IP
// packet and each Write submits exactly one.
type Device struct {
	*water.Interface
	mtu int
}

// Open attaches to an existing TUN interface by name.
func Open(name string) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("tun_name is empty")
	}
	if _, err := net.InterfaceByName(name); err != nil {
		return nil, fmt.Errorf("tun interface %q not found (create it in the start script): %w", name, err)
	}

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tun %q: %w", name, err)
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = ifce.Close()
		return nil, fmt.Errorf("InterfaceByName(%q): %w", name, err)
	}
	mtu := ifi.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	return &Device{Interface: ifce, mtu: mtu}, nil
}

// MTU returns the interface MTU observed at open time.
func (d *Device) MTU() int { return d.mtu }
