//go:build cgo

package link

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
)

const pcapFilter = "ether proto 0x0806 or ether proto 0xd1f0"

type pcapLink struct {
	handle *pcap.Handle
	hw     address.GHA
	closed atomic.Bool
}

func openPcap(cfg Config) (Link, error) {
	opts, err := DecodeOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	hw, err := deviceHardwareAddr(cfg, func(name string) ([]byte, error) {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, err
		}
		return ifi.HardwareAddr, nil
	})
	if err != nil {
		return nil, err
	}

	h, err := pcap.OpenLive(cfg.Device, int32(opts.SnapLen), opts.Promiscuous,
		time.Duration(opts.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("open pcap on %s: %w", cfg.Device, err)
	}
	if err := h.SetBPFFilter(pcapFilter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set filter on %s: %w", cfg.Device, err)
	}
	return &pcapLink{handle: h, hw: hw}, nil
}

func (l *pcapLink) HardwareAddr() address.GHA {
	return l.hw
}

func (l *pcapLink) WriteFrame(frame []byte) error {
	if l.closed.Load() {
		return core.ErrLinkClosed
	}
	return l.handle.WritePacketData(frame)
}

func (l *pcapLink) ReadFrame(ctx context.Context) ([]byte, gopacket.CaptureInfo, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, gopacket.CaptureInfo{}, err
		}
		if l.closed.Load() {
			return nil, gopacket.CaptureInfo{}, core.ErrLinkClosed
		}
		data, ci, err := l.handle.ReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			continue
		}
		return data, ci, err
	}
}

func (l *pcapLink) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.handle.Close()
	}
	return nil
}
