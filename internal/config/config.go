// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/arp"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/link"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/netbuf"
)

// GlobalConfig represents the daemon configuration.
// Maps to the `rinashim:` root key in YAML.
type GlobalConfig struct {
	Node    NodeConfig       `mapstructure:"node" yaml:"node"`
	Pool    PoolConfig       `mapstructure:"pool" yaml:"pool"`
	ARP     ARPConfig        `mapstructure:"arp" yaml:"arp"`
	RMT     RMTConfig        `mapstructure:"rmt" yaml:"rmt"`
	Link    link.Config      `mapstructure:"link" yaml:"link"`
	Task    TaskConfig       `mapstructure:"task" yaml:"task"`
	Metrics MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log     log.LoggerConfig `mapstructure:"log" yaml:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies this IPCP.
type NodeConfig struct {
	InstanceID string   `mapstructure:"instance_id" yaml:"instance_id"` // Empty = generated
	Names      []string `mapstructure:"names" yaml:"names"`             // First name sources resolution requests
	Addresses  []uint16 `mapstructure:"addresses" yaml:"addresses"`
}

// ─── Data Plane ───

// PoolConfig sizes the network buffer pool.
type PoolConfig struct {
	Capacity      int `mapstructure:"capacity" yaml:"capacity"`
	MinFrameSize  int `mapstructure:"min_frame_size" yaml:"min_frame_size"`
	MaxBufferSize int `mapstructure:"max_buffer_size" yaml:"max_buffer_size"`
}

// ARPConfig configures the resolution cache.
type ARPConfig struct {
	arp.Config    `mapstructure:",squash" yaml:",inline"`
	AgingInterval time.Duration `mapstructure:"aging_interval" yaml:"aging_interval"`
	RequestLimit  int           `mapstructure:"request_limit" yaml:"request_limit"` // Requests per peer per window; 0 = unlimited
	RequestWindow time.Duration `mapstructure:"request_window" yaml:"request_window"`
}

// RMTConfig configures the relay and multiplexing task.
type RMTConfig struct {
	PortID       int32 `mapstructure:"port_id" yaml:"port_id"`
	DoNotDisable bool  `mapstructure:"do_not_disable" yaml:"do_not_disable"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ValidateAndApplyDefaults validates configuration and fills runtime
// defaults such as a generated instance id.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return invalid("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrConfigInvalid)
	}

	// ── Node identity ──
	if cfg.Node.InstanceID == "" {
		cfg.Node.InstanceID = uuid.New().String()
	} else if _, err := uuid.Parse(cfg.Node.InstanceID); err != nil {
		return invalid("node.instance_id %q: %v", cfg.Node.InstanceID, err)
	}
	if len(cfg.Node.Names) == 0 {
		return invalid("node.names requires at least one name")
	}
	for _, n := range cfg.Node.Names {
		if n == "" || len(n) > arp.MaxAddressLength {
			return invalid("node name %q must have 1 to %d bytes", n, arp.MaxAddressLength)
		}
	}
	for _, a := range cfg.Node.Addresses {
		if a == uint16(core.AddressUnaddressed) || !core.Address(a).IsValid() {
			return invalid("node address %d is reserved", a)
		}
	}

	// ── Pool ──
	if cfg.Pool.Capacity <= 0 {
		return invalid("pool.capacity must be positive, got %d", cfg.Pool.Capacity)
	}
	if cfg.Pool.MinFrameSize < netbuf.MinFrameSize {
		return invalid("pool.min_frame_size must be at least %d", netbuf.MinFrameSize)
	}
	if cfg.Pool.MaxBufferSize < cfg.Pool.MinFrameSize {
		return invalid("pool.max_buffer_size %d is below min_frame_size", cfg.Pool.MaxBufferSize)
	}

	// ── Resolution cache ──
	if cfg.ARP.TableSize <= 0 || cfg.ARP.MaxAge == 0 {
		return invalid("arp.table_size and arp.max_age must be positive")
	}
	if cfg.ARP.AgingInterval <= 0 {
		return invalid("arp.aging_interval must be positive")
	}
	if cfg.ARP.RequestLimit < 0 || (cfg.ARP.RequestLimit > 0 && cfg.ARP.RequestWindow <= 0) {
		return invalid("arp.request_limit needs a non-negative limit and a positive request_window")
	}

	if !core.PortID(cfg.RMT.PortID).IsValid() {
		return invalid("rmt.port_id %d is invalid", cfg.RMT.PortID)
	}

	if err := cfg.Link.Validate(); err != nil {
		return err
	}
	if err := cfg.Task.Validate(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	return nil
}

// InstanceID returns the parsed node instance id.
func (cfg *GlobalConfig) InstanceID() uuid.UUID {
	id, err := uuid.Parse(cfg.Node.InstanceID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// LocalNames returns the node names as protocol addresses.
func (cfg *GlobalConfig) LocalNames() []address.GPA {
	names := make([]address.GPA, 0, len(cfg.Node.Names))
	for _, n := range cfg.Node.Names {
		names = append(names, address.GPAFromString(n))
	}
	return names
}

// LocalAddresses returns the node's DIF addresses.
func (cfg *GlobalConfig) LocalAddresses() []core.Address {
	addrs := make([]core.Address, 0, len(cfg.Node.Addresses))
	for _, a := range cfg.Node.Addresses {
		addrs = append(addrs, core.Address(a))
	}
	return addrs
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, core.ErrConfigInvalid)...)
}
