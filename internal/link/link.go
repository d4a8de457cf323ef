// Package link attaches the shim to an Ethernet segment: an AF_PACKET
// socket or a pcap handle on a real device, or an in-memory pipe.
package link

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
)

// Link types accepted in Config.Type.
const (
	TypePipe     = "pipe"
	TypeAfPacket = "afpacket"
	TypePcap     = "pcap"
)

// Link is a raw Ethernet attachment.
type Link interface {
	// HardwareAddr returns the MAC address frames are sent from.
	HardwareAddr() address.GHA
	// WriteFrame transmits one complete frame. The link does not retain frame.
	WriteFrame(frame []byte) error
	// ReadFrame blocks until a frame arrives, ctx ends or the link is closed.
	ReadFrame(ctx context.Context) ([]byte, gopacket.CaptureInfo, error)
	Close() error
}

// Config selects and configures the link.
type Config struct {
	Type         string                 `mapstructure:"type" yaml:"type"`
	Device       string                 `mapstructure:"device" yaml:"device"`
	HardwareAddr string                 `mapstructure:"hardware_addr" yaml:"hardware_addr,omitempty"`
	Options      map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
	PcapPath     string                 `mapstructure:"pcap_path" yaml:"pcap_path,omitempty"`
	RxQueue      int                    `mapstructure:"rx_queue" yaml:"rx_queue"`
}

// Validate checks the fields every link type needs.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Type) {
	case TypePipe:
	case TypeAfPacket, TypePcap:
		if c.Device == "" {
			return fmt.Errorf("link type %s requires a device: %w", c.Type, core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("unknown link type %q: %w", c.Type, core.ErrConfigInvalid)
	}
	if c.HardwareAddr != "" {
		if _, err := address.ParseGHA(c.HardwareAddr); err != nil {
			return fmt.Errorf("hardware_addr %q: %v: %w", c.HardwareAddr, err, core.ErrConfigInvalid)
		}
	}
	return nil
}

// Open creates the link described by cfg.
func Open(cfg Config) (Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Type) {
	case TypeAfPacket:
		return openAfPacket(cfg)
	case TypePcap:
		return openPcap(cfg)
	default:
		hw := address.MustParseGHA("02:00:00:00:00:01")
		if cfg.HardwareAddr != "" {
			hw = address.MustParseGHA(cfg.HardwareAddr)
		}
		return NewPipe(hw, cfg.RxQueue), nil
	}
}

// CaptureOptions are the device capture settings found in Config.Options.
type CaptureOptions struct {
	SnapLen      int  `mapstructure:"snap_len"`
	BufferSizeMB int  `mapstructure:"buffer_size_mb"`
	TimeoutMs    int  `mapstructure:"timeout_ms"`
	Promiscuous  bool `mapstructure:"promiscuous"`
}

// DecodeOptions reads CaptureOptions out of the free-form options map.
// Unknown keys are rejected.
func DecodeOptions(raw map[string]interface{}) (CaptureOptions, error) {
	opts := CaptureOptions{SnapLen: 2048, BufferSizeMB: 2, TimeoutMs: 100}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("link options: %v: %w", err, core.ErrConfigInvalid)
	}
	if opts.SnapLen <= 0 || opts.TimeoutMs <= 0 || opts.BufferSizeMB <= 0 {
		return opts, fmt.Errorf("link options must be positive: %w", core.ErrConfigInvalid)
	}
	return opts, nil
}

// deviceHardwareAddr resolves the MAC address of a device link.
func deviceHardwareAddr(cfg Config, lookup func(string) ([]byte, error)) (address.GHA, error) {
	if cfg.HardwareAddr != "" {
		return address.ParseGHA(cfg.HardwareAddr)
	}
	mac, err := lookup(cfg.Device)
	if err != nil {
		return address.GHA{}, fmt.Errorf("hardware address of %s: %w", cfg.Device, err)
	}
	return address.GHAFromBytes(mac)
}
