package arp

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/metrics"
	"firestige.xyz/rinashim/internal/netbuf"
)

// Verdict tells the caller what to do with an inbound resolution frame.
type Verdict uint8

const (
	// Discard: the caller releases the buffer.
	Discard Verdict = iota
	// ForwardAsReply: the buffer now holds a reply; the caller transmits it.
	ForwardAsReply
	// Consume: the reply's binding is in the table and traffic waiting on
	// it may flow; the caller releases the buffer.
	Consume
)

func (v Verdict) String() string {
	switch v {
	case ForwardAsReply:
		return "forward_as_reply"
	case Consume:
		return "consume"
	default:
		return "discard"
	}
}

// Transmitter writes a finished frame to the link. It takes ownership of
// the buffer whether or not the write succeeds.
type Transmitter interface {
	Transmit(buf *netbuf.Buffer) error
}

// Poster hands a resolution request to the protocol task, which marks
// target as pending and transmits buf. It takes ownership of buf only when
// it returns nil.
type Poster interface {
	PostResolution(target address.GPA, buf *netbuf.Buffer) error
}

// BuildRequest builds a broadcast request for target in a pool buffer. It
// never waits for a buffer and does not touch the table, so any goroutine
// may call it.
func (c *Cache) BuildRequest(target, source address.GPA, sourceHW address.GHA) (*netbuf.Buffer, error) {
	if !target.IsValid() || !source.IsValid() {
		return nil, errors.New("resolve with an empty protocol address")
	}

	plen := max(target.Len(), source.Len()) + 1
	if plen-1 > MaxAddressLength {
		return nil, fmt.Errorf("protocol address of %d bytes exceeds %d", plen-1, MaxAddressLength)
	}
	tpa, err := target.Grow(plen, address.Filler)
	if err != nil {
		return nil, err
	}
	spa, err := source.Grow(plen, address.Filler)
	if err != nil {
		return nil, err
	}

	frame, err := encodeRequest(sourceHW, spa, tpa)
	if err != nil {
		return nil, err
	}

	buf, err := c.pool.Acquire(context.Background(), FrameSize(plen), netbuf.NoWait)
	if err != nil {
		return nil, fmt.Errorf("resolution request for %s: %w", target, err)
	}
	if buf.Cap() < len(frame) {
		// serialization pads short frames to the Ethernet minimum
		resized, err := c.pool.Resize(buf, len(frame))
		if err != nil {
			_ = c.pool.Release(buf)
			return nil, err
		}
		buf = resized
	}
	if err := buf.Write(frame); err != nil {
		_ = c.pool.Release(buf)
		return nil, err
	}
	return buf, nil
}

// ResolveNow asks the network for target's hardware address. Only the
// protocol task may call it.
func (c *Cache) ResolveNow(tx Transmitter, target, source address.GPA, sourceHW address.GHA) error {
	buf, err := c.BuildRequest(target, source, sourceHW)
	if err != nil {
		return err
	}
	c.Refresh(target, nil)
	metrics.ResolutionPacketsTotal.WithLabelValues(metrics.DirectionTx, "request").Inc()
	if err := tx.Transmit(buf); err != nil {
		return fmt.Errorf("transmit resolution request for %s: %w", target, err)
	}
	return nil
}

// ResolveViaQueue is ResolveNow for goroutines other than the protocol
// task. It never blocks.
func (c *Cache) ResolveViaQueue(q Poster, target, source address.GPA, sourceHW address.GHA) error {
	buf, err := c.BuildRequest(target, source, sourceHW)
	if err != nil {
		return err
	}
	if err := q.PostResolution(target, buf); err != nil {
		_ = c.pool.Release(buf)
		return fmt.Errorf("queue resolution request for %s: %w", target, err)
	}
	return nil
}

// ProcessInbound handles a received resolution frame. On ForwardAsReply
// the frame has been rewritten into the reply.
func (c *Cache) ProcessInbound(buf *netbuf.Buffer) (Verdict, error) {
	v, err := c.processInbound(buf)
	metrics.ResolutionPacketsTotal.WithLabelValues(metrics.DirectionRx, v.String()).Inc()
	if err != nil {
		c.logger.WithError(err).Debug("resolution packet discarded")
	}
	return v, err
}

func (c *Cache) processInbound(buf *netbuf.Buffer) (Verdict, error) {
	pkt, err := DecodePacket(buf.Bytes())
	if err != nil {
		return Discard, err
	}

	spa, ok := pkt.SPA.Shrink(address.Filler)
	if !ok || !spa.IsValid() {
		return Discard, fmt.Errorf("sender protocol address %s: %w", pkt.SPA, core.ErrMalformedPacket)
	}
	tpa, ok := pkt.TPA.Shrink(address.Filler)
	if !ok || !tpa.IsValid() {
		return Discard, fmt.Errorf("target protocol address %s: %w", pkt.TPA, core.ErrMalformedPacket)
	}

	if !c.IsLocalName(tpa) {
		return Discard, fmt.Errorf("%s: %w", tpa, core.ErrAddressUnknown)
	}

	switch pkt.Operation {
	case OpRequest:
		c.Refresh(spa, &pkt.SHA)
		rewriteAsReply(buf.Bytes(), c.localHW)
		c.logger.Debugf("answering %s (%s) for %s", spa, pkt.SHA, tpa)
		return ForwardAsReply, nil
	default:
		c.Add(spa, pkt.SHA, c.cfg.ReplyAge)
		c.logger.Debugf("resolved %s to %s", spa, pkt.SHA)
		return Consume, nil
	}
}
