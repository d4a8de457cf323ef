//go:build linux && cgo

package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
)

type afPacketLink struct {
	handle *afpacket.TPacket
	hw     address.GHA
	closed atomic.Bool
}

func openAfPacket(cfg Config) (Link, error) {
	opts, err := DecodeOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	hw, err := deviceHardwareAddr(cfg, interfaceMAC)
	if err != nil {
		return nil, err
	}
	frameSize, blockSize, numBlocks, err := ringGeometry(opts.BufferSizeMB, opts.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Device),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(time.Duration(opts.TimeoutMs)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open af_packet on %s: %w", cfg.Device, err)
	}

	raw, err := bpf.Assemble(ShimFilter())
	if err == nil {
		err = tp.SetBPF(raw)
	}
	if err != nil {
		tp.Close()
		return nil, fmt.Errorf("attach filter on %s: %w", cfg.Device, err)
	}
	return &afPacketLink{handle: tp, hw: hw}, nil
}

func interfaceMAC(name string) ([]byte, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return ifi.HardwareAddr, nil
}

func (l *afPacketLink) HardwareAddr() address.GHA {
	return l.hw
}

func (l *afPacketLink) WriteFrame(frame []byte) error {
	if l.closed.Load() {
		return core.ErrLinkClosed
	}
	return l.handle.WritePacketData(frame)
}

func (l *afPacketLink) ReadFrame(ctx context.Context) ([]byte, gopacket.CaptureInfo, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, gopacket.CaptureInfo{}, err
		}
		if l.closed.Load() {
			return nil, gopacket.CaptureInfo{}, core.ErrLinkClosed
		}
		data, ci, err := l.handle.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			continue
		}
		return data, ci, err
	}
}

func (l *afPacketLink) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.handle.Close()
	}
	return nil
}
