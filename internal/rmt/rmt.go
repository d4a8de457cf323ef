// Package rmt implements the relay and multiplexing task of the shim: it
// hands outbound PDUs to the single N-1 port and demultiplexes inbound PDUs
// to management or to the EFCP instances.
package rmt

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
	"firestige.xyz/rinashim/internal/netbuf"
)

// Result is the outcome of Send or Receive.
type Result uint8

const (
	Failed Result = iota
	Sent
	Queued
	Delivered
	Discarded
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Discarded:
		return "discarded"
	default:
		return "failed"
	}
}

// PDU is a framed PDU held in a pool buffer. PCI is only filled on the
// receive path.
type PDU struct {
	Buf *netbuf.Buffer
	PCI PCI
}

// Writer is the link underneath the N-1 port. Write takes ownership of buf
// when it returns nil; on error the caller keeps it.
type Writer interface {
	Write(buf *netbuf.Buffer, port core.PortID, urgent bool) error
}

// MgmtHandler receives management PDUs. It takes ownership of the buffer.
type MgmtHandler interface {
	HandleManagement(from core.PortID, pdu PDU) error
}

// EFCPContainer receives data transfer and control PDUs. It takes ownership
// of the buffer.
type EFCPContainer interface {
	Receive(cep core.CepID, pdu PDU) error
}

// Option customises an RMT.
type Option func(*RMT)

// WithPolicy replaces the default SendOrEnqueue scheduling policy.
func WithPolicy(p Policy) Option {
	return func(r *RMT) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *RMT) { r.logger = l }
}

// WithManagementHandler sets the parent IPCP's management handler.
func WithManagementHandler(h MgmtHandler) Option {
	return func(r *RMT) { r.mgmt = h }
}

// WithEFCPContainer sets the EFCP container.
func WithEFCPContainer(c EFCPContainer) Option {
	return func(r *RMT) { r.efcp = c }
}

// RMT is owned by the protocol task and is not safe for concurrent use. A
// link may call Send re-entrantly from inside Write.
type RMT struct {
	pool      *netbuf.Pool
	port      *n1Port
	addresses map[core.Address]struct{}
	mgmt      MgmtHandler
	efcp      EFCPContainer
	policy    Policy
	logger    log.Logger

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	pci     PCI
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

// New creates an RMT with no port bound. Buffers it drops go back to pool.
func New(pool *netbuf.Pool, opts ...Option) *RMT {
	r := &RMT{
		pool:      pool,
		addresses: make(map[core.Address]struct{}),
		policy:    SendOrEnqueue,
		decoded:   make([]gopacket.LayerType, 0, 3),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.Component("rmt")
	}
	r.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &r.eth, &r.pci, &r.payload)
	r.parser.IgnoreUnsupported = true
	return r
}

// SetManagementHandler replaces the management handler.
func (r *RMT) SetManagementHandler(h MgmtHandler) {
	r.mgmt = h
}

// SetEFCPContainer replaces the EFCP container.
func (r *RMT) SetEFCPContainer(c EFCPContainer) {
	r.efcp = c
}

// BindN1Port attaches the single N-1 port to link.
func (r *RMT) BindN1Port(id core.PortID, link Writer) error {
	if !id.IsValid() || link == nil {
		return fmt.Errorf("bind port %d: %w", id, core.ErrPortInvalid)
	}
	if r.port != nil {
		return fmt.Errorf("port %d already bound: %w", r.port.id, core.ErrPortInvalid)
	}
	r.port = &n1Port{id: id, link: link, state: PortEnabled}
	metrics.PortState.Set(float64(PortEnabled))
	r.logger.Infof("bound n-1 port %d", id)
	return nil
}

// AddAddress registers addr as one of this IPCP's addresses.
func (r *RMT) AddAddress(addr core.Address) error {
	if !addr.IsValid() || addr == core.AddressUnaddressed {
		return fmt.Errorf("address %d cannot be assigned", addr)
	}
	r.addresses[addr] = struct{}{}
	return nil
}

// RemoveAddress unregisters addr.
func (r *RMT) RemoveAddress(addr core.Address) {
	delete(r.addresses, addr)
}

// HasAddress reports whether addr belongs to this IPCP.
func (r *RMT) HasAddress(addr core.Address) bool {
	_, ok := r.addresses[addr]
	return ok
}

// Send hands pdu to the N-1 port, or parks it as the pending PDU when the
// port cannot take it now. The RMT owns pdu.Buf from here on.
func (r *RMT) Send(pdu PDU) (Result, error) {
	p := r.port
	if p == nil {
		r.destroy(pdu)
		metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionTx, "error").Inc()
		return Failed, fmt.Errorf("send: %w", core.ErrPortInvalid)
	}

	mustEnqueue := p.mustEnqueue()
	switch d := r.policy.Schedule(p.info(), pdu, mustEnqueue); {
	case d == Send && mustEnqueue:
		r.destroy(pdu)
		p.stats.Errors++
		metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionTx, "error").Inc()
		return Failed, fmt.Errorf("port %d: %w", p.id, core.ErrPolicyViolation)
	case d == Enqueue:
		r.enqueue(pdu)
		return Queued, nil
	}

	if err := r.transmit(p, pdu); err != nil {
		r.logger.WithError(err).Warnf("write on port %d failed, pdu held", p.id)
		p.stats.Errors++
		r.enqueue(pdu)
		return Queued, nil
	}
	return Sent, nil
}

// LinkReady tells the RMT the link can take frames again. The pending PDU,
// if any, is retried and the port re-enabled.
func (r *RMT) LinkReady() error {
	p := r.port
	if p == nil {
		return fmt.Errorf("link ready: %w", core.ErrPortInvalid)
	}
	if err := r.retryPending(p); err != nil {
		return err
	}
	if p.state == PortDisabled {
		p.setState(PortEnabled)
	}
	return nil
}

// Flush retries the pending PDU without letting the port become disabled
// while doing so.
func (r *RMT) Flush() error {
	p := r.port
	if p == nil {
		return fmt.Errorf("flush: %w", core.ErrPortInvalid)
	}

	prev := p.state
	p.setState(PortDoNotDisable)
	err := r.retryPending(p)

	switch {
	case prev == PortDoNotDisable:
	case p.pending != nil:
		p.setState(PortDisabled)
	default:
		p.setState(PortEnabled)
	}
	return err
}

// SetDoNotDisable pins the port enabled. While set, queueing a PDU never
// disables the port.
func (r *RMT) SetDoNotDisable(on bool) error {
	p := r.port
	if p == nil {
		return fmt.Errorf("do-not-disable: %w", core.ErrPortInvalid)
	}
	switch {
	case on:
		p.setState(PortDoNotDisable)
	case p.pending != nil:
		p.setState(PortDisabled)
	default:
		p.setState(PortEnabled)
	}
	return nil
}

// Receive demultiplexes a frame read from port from. The RMT owns buf from
// here on.
func (r *RMT) Receive(buf *netbuf.Buffer, from core.PortID) (Result, error) {
	res, err := r.receive(buf, from)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, core.ErrMalformedPacket):
		outcome = "error"
		if r.port != nil {
			r.port.stats.Errors++
		}
	default:
		outcome = "dropped"
		if r.port != nil {
			r.port.stats.Drops++
		}
	}
	metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionRx, outcome).Inc()
	return res, err
}

func (r *RMT) receive(buf *netbuf.Buffer, from core.PortID) (Result, error) {
	p := r.port
	if p == nil || p.id != from {
		r.release(buf)
		return Failed, fmt.Errorf("receive on port %d: %w", from, core.ErrPortInvalid)
	}

	pci, err := r.decapsulate(buf)
	if err != nil {
		r.release(buf)
		return Discarded, err
	}
	p.stats.RxPDUs++
	p.stats.RxBytes += uint64(buf.Len())
	metrics.PortBytesTotal.WithLabelValues(metrics.DirectionRx).Add(float64(buf.Len()))

	pdu := PDU{Buf: buf, PCI: pci}
	switch {
	case pci.Dst == core.AddressUnaddressed, pci.Type == core.PduTypeMgmt && r.HasAddress(pci.Dst):
		if r.mgmt == nil {
			r.release(buf)
			return Discarded, fmt.Errorf("management pdu: %w", core.ErrNoHandler)
		}
		if err := r.mgmt.HandleManagement(from, pdu); err != nil {
			return Failed, fmt.Errorf("management pdu: %w", err)
		}
		return Delivered, nil

	case !r.HasAddress(pci.Dst):
		r.release(buf)
		return Discarded, fmt.Errorf("destination %d: %w", pci.Dst, core.ErrNotForMe)
	}

	if r.efcp == nil {
		r.release(buf)
		return Discarded, fmt.Errorf("%s pdu for cep %d: %w", pci.Type, pci.DstCep, core.ErrNoHandler)
	}
	if err := r.efcp.Receive(pci.DstCep, pdu); err != nil {
		return Failed, fmt.Errorf("%s pdu for cep %d: %w", pci.Type, pci.DstCep, err)
	}
	return Delivered, nil
}

func (r *RMT) decapsulate(buf *netbuf.Buffer) (PCI, error) {
	r.pci = PCI{}
	if err := r.parser.DecodeLayers(buf.Bytes(), &r.decoded); err != nil {
		if errors.Is(err, core.ErrMalformedPacket) {
			return PCI{}, err
		}
		return PCI{}, fmt.Errorf("decode: %v: %w", err, core.ErrMalformedPacket)
	}
	found := false
	for _, t := range r.decoded {
		if t == LayerTypePCI {
			found = true
			break
		}
	}

	pci := r.pci
	switch {
	case !found:
		return PCI{}, fmt.Errorf("ethertype %#04x: %w", uint16(r.eth.EthernetType), core.ErrMalformedPacket)
	case pci.Version != PCIVersion:
		return PCI{}, fmt.Errorf("pci version %d: %w", pci.Version, core.ErrMalformedPacket)
	case !pci.Type.IsValid():
		return PCI{}, fmt.Errorf("pdu type %s: %w", pci.Type, core.ErrMalformedPacket)
	case !pci.Dst.IsValid():
		return PCI{}, fmt.Errorf("destination address %d: %w", pci.Dst, core.ErrMalformedPacket)
	case !pci.QoS.IsValid():
		return PCI{}, fmt.Errorf("qos id %d: %w", pci.QoS, core.ErrMalformedPacket)
	}
	return pci, nil
}

func (r *RMT) transmit(p *n1Port, pdu PDU) error {
	n := pdu.Buf.Len()
	p.busy = true
	err := p.link.Write(pdu.Buf, p.id, false)
	p.busy = false
	if err != nil {
		return err
	}
	p.stats.TxPDUs++
	p.stats.TxBytes += uint64(n)
	metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionTx, "ok").Inc()
	metrics.PortBytesTotal.WithLabelValues(metrics.DirectionTx).Add(float64(n))
	return nil
}

func (r *RMT) enqueue(pdu PDU) {
	p := r.port
	if p.pending != nil {
		r.logger.WithError(core.ErrAlreadyPending).Warnf("port %d: dropping older pending pdu", p.id)
		r.destroy(*p.pending)
		p.stats.Drops++
		metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionTx, "dropped").Inc()
	}
	p.pending = &pdu
	metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionTx, "queued").Inc()
	if p.state != PortDoNotDisable {
		p.setState(PortDisabled)
	}
}

func (r *RMT) retryPending(p *n1Port) error {
	if p.pending == nil || p.busy {
		return nil
	}
	pdu := *p.pending
	p.pending = nil
	if err := r.transmit(p, pdu); err != nil {
		p.pending = &pdu
		p.stats.Errors++
		if p.state != PortDoNotDisable {
			p.setState(PortDisabled)
		}
		return fmt.Errorf("retry on port %d: %w", p.id, err)
	}
	return nil
}

func (r *RMT) destroy(pdu PDU) {
	r.release(pdu.Buf)
}

func (r *RMT) release(buf *netbuf.Buffer) {
	if buf == nil {
		return
	}
	if err := r.pool.Release(buf); err != nil {
		r.logger.WithError(err).Error("release of dropped pdu buffer failed")
	}
}
