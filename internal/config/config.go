package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Tun     TunConfig     `yaml:"tun"`
	TCP     TCPConfig     `yaml:"tcp"`
	UDP     UDPConfig     `yaml:"udp"`
	Queues  QueueConfig   `yaml:"queues"`
	Logging LoggingConfig `yaml:"logging"`

	// OutboundInterface is the host interface outbound sockets bind to.
	OutboundInterface string `yaml:"outbound_interface"`

	// MetricsListen enables the Prometheus endpoint when non-empty, e.g. ":9100".
	MetricsListen string `yaml:"metrics_listen"`

	FlowGCInterval time.Duration `yaml:"flow_gc_interval"`
}

type TunConfig struct {
	Name string `yaml:"tun_name"`
	MTU  int    `yaml:"mtu"`
}

type TCPConfig struct {
	// MSS is the default maximum segment size when the peer advertises none.
	MSS      int `yaml:"tcp_mss"`
	MaxFlows int `yaml:"tcp_max_flows"`
}

type UDPConfig struct {
	MaxFlows    int           `yaml:"udp_max_flows"`
	IdleTimeout time.Duration `yaml:"udp_idle_timeout"`
}

type QueueConfig struct {
	// QueueBytes is the capacity of each per-flow byte queue.
	QueueBytes int `yaml:"queue_bytes"`
	// PoolBuffers is the number of egress packet buffers in the shared pool.
	PoolBuffers int `yaml:"pool_buffers"`
}

type LoggingConfig struct {
	Level string `yaml:"log_level"`
}

// Load reads a YAML config file and fills in defaults for unset options.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.ApplyDefaults()
	if c.Tun.Name == "" {
		return nil, fmt.Errorf("tun_name is required")
	}
	return &c, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1500
	}
	if c.TCP.MSS == 0 {
		c.TCP.MSS = c.Tun.MTU - 40
	}
	if c.TCP.MaxFlows == 0 {
		c.TCP.MaxFlows = 4096
	}
	if c.UDP.MaxFlows == 0 {
		c.UDP.MaxFlows = 4096
	}
	if c.UDP.IdleTimeout == 0 {
		c.UDP.IdleTimeout = 60 * time.Second
	}
	if c.Queues.QueueBytes == 0 {
		c.Queues.QueueBytes = 256 * 1024
	}
	if c.Queues.PoolBuffers == 0 {
		c.Queues.PoolBuffers = 512
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.FlowGCInterval == 0 {
		c.FlowGCInterval = time.Second
	}
}
