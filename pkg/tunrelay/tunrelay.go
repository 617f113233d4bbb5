// Package tunrelay provides a small public surface for embedding the
// relay as a library. The implementation lives in internal/ and may
// change without notice.
package tunrelay

import (
	"context"

	"github.com/sirupsen/logrus"

	"tunrelay/internal/bridge"
	"tunrelay/internal/config"
	"tunrelay/internal/logger"
	"tunrelay/internal/relay"
	"tunrelay/internal/tun"
)

// --- Config ---

type Config = config.Config

type TunConfig = config.TunConfig

type TCPConfig = config.TCPConfig

type UDPConfig = config.UDPConfig

// LoadConfig loads a YAML configuration file and applies defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// --- Core runtime ---

// SocketFactory produces host sockets bound to an egress interface.
type SocketFactory = bridge.SocketFactory

// FrameDevice is the packet transport the relay runs against.
type FrameDevice = relay.FrameDevice

// NewLogger builds the console logger used by Run.
func NewLogger(level string) *logrus.Logger { return logger.New(level) }

// Run opens the configured TUN device and processes it until ctx is done
// or the device fails. Embedders needing a custom frame transport or
// socket factory can use RunWith instead.
func Run(ctx context.Context, cfg *Config, log *logrus.Logger) error {
	dev, err := tun.Open(cfg.Tun.Name)
	if err != nil {
		return err
	}
	defer dev.Close()
	if mtu := dev.MTU(); mtu > 0 {
		cfg.Tun.MTU = mtu
	}
	go func() {
		<-ctx.Done()
		_ = dev.Close()
	}()
	return RunWith(ctx, cfg, log, dev, bridge.NewInterfaceFactory(cfg.OutboundInterface))
}

// RunWith runs the relay against explicit collaborators.
func RunWith(ctx context.Context, cfg *Config, log *logrus.Logger, dev FrameDevice, factory SocketFactory) error {
	return relay.New(cfg, log, dev, factory).Run(ctx)
}
