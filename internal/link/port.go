package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
	"firestige.xyz/rinashim/internal/netbuf"
)

// DefaultRxWait bounds how long the receive loop waits for a free buffer
// before dropping a frame.
const DefaultRxWait = netbuf.Wait(10 * time.Millisecond)

// Port moves frames between pool buffers and a Link. Write and Transmit
// may be called from the protocol task while Run reads on another
// goroutine.
type Port struct {
	link     Link
	pool     *netbuf.Pool
	filter   *SoftFilter
	recorder *Recorder
	rxWait   netbuf.Wait
	logger   log.Logger
}

// PortOption customises a Port.
type PortOption func(*Port)

// WithRecorder records every frame read or written.
func WithRecorder(r *Recorder) PortOption {
	return func(p *Port) { p.recorder = r }
}

// WithRxWait sets how long Run waits for a buffer.
func WithRxWait(w netbuf.Wait) PortOption {
	return func(p *Port) { p.rxWait = w }
}

// WithPortLogger sets the logger.
func WithPortLogger(l log.Logger) PortOption {
	return func(p *Port) { p.logger = l }
}

// NewPort wraps l. Inbound frames that are neither resolution frames nor
// RINA PDUs are dropped before a buffer is taken.
func NewPort(l Link, pool *netbuf.Pool, opts ...PortOption) (*Port, error) {
	filter, err := NewSoftFilter(ShimFilter())
	if err != nil {
		return nil, fmt.Errorf("build frame filter: %w", err)
	}
	p := &Port{link: l, pool: pool, filter: filter, rxWait: DefaultRxWait}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Component("link")
	}
	return p, nil
}

// HardwareAddr returns the link's MAC address.
func (p *Port) HardwareAddr() address.GHA {
	return p.link.HardwareAddr()
}

// Write transmits buf and releases it. On error buf stays with the caller.
func (p *Port) Write(buf *netbuf.Buffer, _ core.PortID, _ bool) error {
	frame := buf.Bytes()
	if err := p.link.WriteFrame(frame); err != nil {
		metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionTx, "error").Inc()
		return err
	}
	metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionTx, "ok").Inc()
	p.record(frame)
	return p.pool.Release(buf)
}

// Transmit is Write for frames nobody retries: buf is released either way.
func (p *Port) Transmit(buf *netbuf.Buffer) error {
	if err := p.Write(buf, core.PortIDBad, true); err != nil {
		_ = p.pool.Release(buf)
		return err
	}
	return nil
}

// Run reads frames until ctx ends or the link closes, copying each accepted
// frame into a pool buffer handed to deliver. deliver owns the buffer when
// it returns nil.
func (p *Port) Run(ctx context.Context, deliver func(*netbuf.Buffer) error) error {
	for {
		frame, _, err := p.link.ReadFrame(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrLinkClosed):
			return nil
		case err != nil:
			metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionRx, "error").Inc()
			return fmt.Errorf("read frame: %w", err)
		}

		if !p.filter.Accept(frame) {
			metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionRx, "filtered").Inc()
			continue
		}
		p.record(frame)

		buf, err := p.pool.Acquire(ctx, len(frame), p.rxWait)
		if err != nil {
			metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionRx, "no_buffer").Inc()
			p.logger.WithError(err).Debug("dropping received frame")
			continue
		}
		if err := buf.Write(frame); err != nil {
			_ = p.pool.Release(buf)
			continue
		}
		if err := deliver(buf); err != nil {
			_ = p.pool.Release(buf)
			metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionRx, "error").Inc()
			p.logger.WithError(err).Warn("received frame not delivered")
			continue
		}
		metrics.LinkFramesTotal.WithLabelValues(metrics.DirectionRx, "ok").Inc()
	}
}

// Close closes the link and the recorder.
func (p *Port) Close() error {
	err := p.link.Close()
	if p.recorder != nil {
		err = errors.Join(err, p.recorder.Close())
	}
	return err
}

func (p *Port) record(frame []byte) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(frame); err != nil {
		p.logger.WithError(err).Warn("pcap record failed")
	}
}
