package link

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
)

const defaultPipeDepth = 64

// Pipe is one end of an in-memory Ethernet segment. An unconnected pipe
// discards what it writes.
type Pipe struct {
	hw   address.GHA
	rx   chan []byte
	peer *Pipe

	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates an unconnected pipe end holding up to depth unread frames.
func NewPipe(hw address.GHA, depth int) *Pipe {
	if depth <= 0 {
		depth = defaultPipeDepth
	}
	return &Pipe{hw: hw, rx: make(chan []byte, depth), done: make(chan struct{})}
}

// NewPipePair creates two connected pipe ends.
func NewPipePair(a, b address.GHA, depth int) (*Pipe, *Pipe) {
	pa, pb := NewPipe(a, depth), NewPipe(b, depth)
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func (p *Pipe) HardwareAddr() address.GHA {
	return p.hw
}

// WriteFrame copies frame to the peer. It fails with core.ErrLinkBusy when
// the peer has not drained its queue.
func (p *Pipe) WriteFrame(frame []byte) error {
	select {
	case <-p.done:
		return core.ErrLinkClosed
	default:
	}
	if p.peer == nil {
		return nil
	}
	select {
	case <-p.peer.done:
		return core.ErrLinkClosed
	case p.peer.rx <- bytes.Clone(frame):
		return nil
	default:
		return core.ErrLinkBusy
	}
}

func (p *Pipe) ReadFrame(ctx context.Context) ([]byte, gopacket.CaptureInfo, error) {
	select {
	case <-ctx.Done():
		return nil, gopacket.CaptureInfo{}, ctx.Err()
	case <-p.done:
		return nil, gopacket.CaptureInfo{}, core.ErrLinkClosed
	case frame := <-p.rx:
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
		return frame, ci, nil
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
