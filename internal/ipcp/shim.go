// Package ipcp assembles the shim IPC process: the buffer pool, resolution
// cache and RMT, driven by one protocol task that owns them.
package ipcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/arp"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/eventbus"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
	"firestige.xyz/rinashim/internal/netbuf"
	"firestige.xyz/rinashim/internal/rmt"
)

// DefaultAgingInterval is the period of the cache aging tick.
const DefaultAgingInterval = 10 * time.Second

// Port is the link attachment the shim sends and receives through.
type Port interface {
	rmt.Writer
	arp.Transmitter
	HardwareAddr() address.GHA
	Run(ctx context.Context, deliver func(*netbuf.Buffer) error) error
}

// Config holds the shim's identity and timers.
type Config struct {
	InstanceID    uuid.UUID
	ARP           arp.Config
	AgingInterval time.Duration
	QueueSize     int

	// SendWait bounds how long SendViaQueue waits for a buffer.
	SendWait netbuf.Wait

	// RequestLimit caps resolution requests per peer and RequestWindow;
	// 0 disables the limit.
	RequestLimit  int
	RequestWindow time.Duration
}

// Option customises a Shim.
type Option func(*options)

type options struct {
	rmt    []rmt.Option
	logger log.Logger
}

// WithManagementHandler receives management PDUs.
func WithManagementHandler(h rmt.MgmtHandler) Option {
	return func(o *options) { o.rmt = append(o.rmt, rmt.WithManagementHandler(h)) }
}

// WithEFCPContainer receives data transfer PDUs.
func WithEFCPContainer(c rmt.EFCPContainer) Option {
	return func(o *options) { o.rmt = append(o.rmt, rmt.WithEFCPContainer(c)) }
}

// WithPolicy sets the RMT scheduling policy.
func WithPolicy(p rmt.Policy) Option {
	return func(o *options) { o.rmt = append(o.rmt, rmt.WithPolicy(p)) }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Shim is a shim IPC process over one Ethernet link. The cache and the RMT
// are only touched from the protocol task; the exported methods either
// post to it or say that they must run on it.
type Shim struct {
	cfg   Config
	id    uuid.UUID
	pool  *netbuf.Pool
	port  Port
	cache *arp.Cache
	rmt   *rmt.RMT
	bus   *eventbus.Bus
	limit *requestLimiter

	nameMu sync.RWMutex
	name   address.GPA

	// one PDU per destination awaiting resolution, keyed by GPA; task only
	held map[string]heldPDU

	running atomic.Bool
	logger  log.Logger
}

// New creates a stopped shim sending through port.
func New(cfg Config, pool *netbuf.Pool, port Port, opts ...Option) (*Shim, error) {
	if pool == nil || port == nil {
		return nil, errors.New("shim needs a buffer pool and a port")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.InstanceID == uuid.Nil {
		cfg.InstanceID = uuid.New()
	}
	if cfg.AgingInterval <= 0 {
		cfg.AgingInterval = DefaultAgingInterval
	}
	if o.logger == nil {
		o.logger = log.GetLogger()
	}
	logger := o.logger.WithField("ipcp", cfg.InstanceID.String())

	s := &Shim{
		cfg:    cfg,
		id:     cfg.InstanceID,
		pool:   pool,
		port:   port,
		limit:  newRequestLimiter(cfg.RequestLimit, cfg.RequestWindow),
		held:   make(map[string]heldPDU),
		logger: logger.WithField("component", "ipcp"),
	}
	s.cache = arp.NewCache(cfg.ARP, pool,
		arp.WithLocalHardwareAddress(port.HardwareAddr()),
		arp.WithLogger(logger.WithField("component", "arp")))
	s.rmt = rmt.New(pool, append([]rmt.Option{rmt.WithLogger(logger.WithField("component", "rmt"))}, o.rmt...)...)
	s.bus = eventbus.New(cfg.QueueSize,
		eventbus.WithDiscard(s.discard),
		eventbus.WithLogger(logger.WithField("component", "task")))

	handlers := map[eventbus.Type]eventbus.Handler{
		eventbus.RxPacket:  func(ev eventbus.Event) error { return s.ProcessInboundPacket(ev.Buf) },
		eventbus.TxFrame:   s.handleTxFrame,
		eventbus.AgeTick:   func(eventbus.Event) error { return s.age() },
		eventbus.LinkReady: func(eventbus.Event) error { return s.rmt.LinkReady() },
		eventbus.SendPdu:   s.handleSendPdu,
		eventbus.Call:      handleCall,
	}
	for t, h := range handlers {
		if err := s.bus.Subscribe(t, h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ID returns the instance id.
func (s *Shim) ID() uuid.UUID {
	return s.id
}

// HardwareAddr returns the MAC address of the link.
func (s *Shim) HardwareAddr() address.GHA {
	return s.port.HardwareAddr()
}

// Run drives the shim until ctx ends: the protocol task, the receive loop
// and the aging ticker.
func (s *Shim) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("shim already running")
	}
	s.logger.Infof("shim ipcp running on %s", s.port.HardwareAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.bus.Run(ctx) })
	g.Go(func() error { return s.port.Run(ctx, s.Deliver) })
	g.Go(func() error { return s.runAger(ctx) })
	err := g.Wait()
	// the task has stopped, nothing else touches held
	s.dropHeld()
	s.running.Store(false)
	return err
}

// Running reports whether Run is active.
func (s *Shim) Running() bool {
	return s.running.Load()
}

// Call runs fn on the protocol task and returns its error. Before Run, fn
// runs on the calling goroutine. It must not be called from the task.
func (s *Shim) Call(ctx context.Context, fn func() error) error {
	if !s.running.Load() {
		return fn()
	}
	result := make(chan error, 1)
	if err := s.bus.Publish(eventbus.Event{Type: eventbus.Call, Call: fn, Result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BindN1Port binds the shim's link as the RMT's N-1 port.
func (s *Shim) BindN1Port(ctx context.Context, id core.PortID) error {
	return s.Call(ctx, func() error { return s.rmt.BindN1Port(id, s.port) })
}

// AddLocalAddress assigns a DIF address to this IPCP.
func (s *Shim) AddLocalAddress(ctx context.Context, addr core.Address) error {
	return s.Call(ctx, func() error { return s.rmt.AddAddress(addr) })
}

// SetDoNotDisable keeps the N-1 port enabled while a PDU is pending.
func (s *Shim) SetDoNotDisable(ctx context.Context, on bool) error {
	return s.Call(ctx, func() error { return s.rmt.SetDoNotDisable(on) })
}

// RegisterName makes the shim answer resolution requests for name. The
// first name registered is the one requests are sent from.
func (s *Shim) RegisterName(ctx context.Context, name address.GPA) error {
	if name.Len() > arp.MaxAddressLength {
		return fmt.Errorf("name of %d bytes exceeds %d", name.Len(), arp.MaxAddressLength)
	}
	err := s.Call(ctx, func() error { return s.cache.AddLocalName(name) })
	if err != nil {
		return err
	}
	s.nameMu.Lock()
	if !s.name.IsValid() {
		s.name = name.Clone()
	}
	s.nameMu.Unlock()
	return nil
}

// UnregisterName stops answering requests for name.
func (s *Shim) UnregisterName(ctx context.Context, name address.GPA) error {
	err := s.Call(ctx, func() error {
		s.cache.RemoveLocalName(name)
		return nil
	})
	if err != nil {
		return err
	}
	s.nameMu.Lock()
	if s.name.Equal(name) {
		s.name = address.GPA{}
	}
	s.nameMu.Unlock()
	return nil
}

func (s *Shim) sourceName() (address.GPA, error) {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	if !s.name.IsValid() {
		return address.GPA{}, errors.New("no local name registered")
	}
	return s.name, nil
}

// Resolve asks the segment for target's hardware address from any
// goroutine. The reply is absorbed by the protocol task.
func (s *Shim) Resolve(target address.GPA) error {
	src, err := s.sourceName()
	if err != nil {
		return err
	}
	return s.cache.ResolveViaQueue(s, target, src, s.port.HardwareAddr())
}

// ResolveNow is Resolve for the protocol task.
func (s *Shim) ResolveNow(target address.GPA) error {
	src, err := s.sourceName()
	if err != nil {
		return err
	}
	return s.cache.ResolveNow(s.port, target, src, s.port.HardwareAddr())
}

// PostResolution queues a resolution request for the protocol task.
func (s *Shim) PostResolution(target address.GPA, buf *netbuf.Buffer) error {
	return s.bus.Publish(eventbus.Event{Type: eventbus.TxFrame, Buf: buf, Target: target})
}

// Deliver hands a received frame to the protocol task. It owns buf only
// when it returns nil.
func (s *Shim) Deliver(buf *netbuf.Buffer) error {
	return s.bus.Publish(eventbus.Event{Type: eventbus.RxPacket, Buf: buf})
}

// Tick posts an aging tick.
func (s *Shim) Tick() error {
	return s.bus.Publish(eventbus.Event{Type: eventbus.AgeTick})
}

// LinkReady tells the protocol task the link can take frames again.
func (s *Shim) LinkReady() error {
	return s.bus.Publish(eventbus.Event{Type: eventbus.LinkReady})
}

// ProcessInboundPacket classifies a received frame by ethertype and hands
// it to the resolution cache or the RMT. Must run on the protocol task.
func (s *Shim) ProcessInboundPacket(buf *netbuf.Buffer) error {
	frame := buf.Bytes()
	if len(frame) < 14 {
		s.release(buf)
		return fmt.Errorf("frame of %d bytes: %w", len(frame), core.ErrMalformedPacket)
	}

	switch et := binary.BigEndian.Uint16(frame[12:14]); et {
	case core.EtherTypeResolution:
		if !s.allowRequest(frame) {
			s.release(buf)
			return nil
		}
		v, err := s.cache.ProcessInbound(buf)
		switch v {
		case arp.ForwardAsReply:
			err = s.port.Transmit(buf)
		case arp.Consume:
			s.release(buf)
		default:
			s.release(buf)
			return err
		}
		// both a request and a reply teach the sender's binding
		s.flushHeld()
		return err

	case core.EtherTypeRINA:
		id := core.PortIDBad
		if info, _, err := s.rmt.Port(); err == nil {
			id = info.ID
		}
		_, err := s.rmt.Receive(buf, id)
		return err

	default:
		s.release(buf)
		return fmt.Errorf("ethertype %#04x: %w", et, core.ErrMalformedPacket)
	}
}

// SendNow frames pci and payload towards the IPCP registered as dst and
// hands the PDU to the RMT. For an unresolved dst the PDU is held, a
// resolution is started and the result is Queued; a later PDU for the same
// dst displaces it. Must run on the protocol task.
func (s *Shim) SendNow(dst address.GPA, pci rmt.PCI, payload []byte) (rmt.Result, error) {
	pdu, err := rmt.Encapsulate(context.Background(), s.pool, netbuf.NoWait,
		address.GHA{}, s.port.HardwareAddr(), pci, payload)
	if err != nil {
		return rmt.Failed, err
	}
	return s.route(dst, pdu)
}

// SendViaQueue is SendNow for any goroutine. The frame is built in the
// caller's context and routed later by the protocol task.
func (s *Shim) SendViaQueue(ctx context.Context, dst address.GPA, pci rmt.PCI, payload []byte) error {
	pdu, err := rmt.Encapsulate(ctx, s.pool, s.cfg.SendWait,
		address.GHA{}, s.port.HardwareAddr(), pci, payload)
	if err != nil {
		return err
	}
	err = s.bus.Publish(eventbus.Event{Type: eventbus.SendPdu, Buf: pdu.Buf, Target: dst.Clone()})
	if err != nil {
		s.release(pdu.Buf)
	}
	return err
}

func (s *Shim) handleSendPdu(ev eventbus.Event) error {
	_, err := s.route(ev.Target, rmt.PDU{Buf: ev.Buf})
	return err
}

// route fills in the Ethernet destination from the cache.
func (s *Shim) route(dst address.GPA, pdu rmt.PDU) (rmt.Result, error) {
	hw, res := s.cache.Lookup(dst)
	switch res {
	case arp.Hit:
		copy(pdu.Buf.Bytes()[0:address.MACLength], hw.HardwareAddr())
		return s.rmt.Send(pdu)
	case arp.Pending:
		s.hold(dst, pdu)
		return rmt.Queued, nil
	default:
		if err := s.ResolveNow(dst); err != nil {
			s.release(pdu.Buf)
			return rmt.Failed, fmt.Errorf("resolve %s: %v: %w", dst, err, core.ErrAddressUnknown)
		}
		s.hold(dst, pdu)
		return rmt.Queued, nil
	}
}

// heldPDU is a framed PDU waiting for its destination to resolve.
type heldPDU struct {
	dst address.GPA
	pdu rmt.PDU
}

func (s *Shim) hold(dst address.GPA, pdu rmt.PDU) {
	key := dst.Key()
	if old, ok := s.held[key]; ok {
		s.logger.WithError(core.ErrAlreadyPending).Debugf("%s: dropping older pdu awaiting resolution", dst)
		s.dropPDU(old)
	}
	s.held[key] = heldPDU{dst: dst.Clone(), pdu: pdu}
	// a held PDU survives only while its row is pending
	if len(s.held) > s.cache.Config().TableSize {
		s.flushHeld()
	}
}

// flushHeld sends the held PDUs whose destination resolved and drops those
// whose resolution expired or was evicted.
func (s *Shim) flushHeld() {
	for key, h := range s.held {
		hw, res := s.cache.Peek(h.dst)
		if res == arp.Pending {
			continue
		}
		delete(s.held, key)
		if res != arp.Hit {
			s.logger.Debugf("resolution of %s abandoned", h.dst)
			s.dropPDU(h)
			continue
		}
		copy(h.pdu.Buf.Bytes()[0:address.MACLength], hw.HardwareAddr())
		if _, err := s.rmt.Send(h.pdu); err != nil {
			s.logger.WithError(err).Warnf("send of pdu held for %s", h.dst)
		}
	}
}

func (s *Shim) dropHeld() {
	for key, h := range s.held {
		delete(s.held, key)
		s.dropPDU(h)
	}
}

func (s *Shim) dropPDU(h heldPDU) {
	metrics.PortPDUsTotal.WithLabelValues(metrics.DirectionTx, "dropped").Inc()
	s.release(h.pdu.Buf)
}

// Snapshot is a point-in-time view of the shim's state.
type Snapshot struct {
	ID        uuid.UUID
	Cache     []arp.Row
	Port      rmt.PortInfo
	PortStats rmt.PortStats
	Pool      netbuf.Stats
	Task      eventbus.Stats

	// Held counts PDUs waiting for their destination to resolve.
	Held int

	// RateLimited counts resolution requests dropped by the per-peer limit.
	RateLimited uint64
}

// Snapshot reads the shim's state on the protocol task.
func (s *Shim) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ID: s.id}
	err := s.Call(ctx, func() error {
		snap.Cache = s.cache.Rows()
		snap.Port, snap.PortStats, _ = s.rmt.Port()
		snap.RateLimited = s.limit.Rejected()
		snap.Held = len(s.held)
		return nil
	})
	snap.Pool = s.pool.Stats()
	snap.Task = s.bus.GetStats()
	return snap, err
}

// allowRequest applies the per-peer limit to resolution requests. Replies
// are never limited.
func (s *Shim) allowRequest(frame []byte) bool {
	if s.limit == nil || len(frame) < 22 || binary.BigEndian.Uint16(frame[20:22]) != arp.OpRequest {
		return true
	}
	src, err := address.GHAFromBytes(frame[6:12])
	if err != nil {
		return true
	}
	if s.limit.Allow(src, time.Now()) {
		return true
	}
	metrics.ResolutionPacketsTotal.WithLabelValues(metrics.DirectionRx, "rate_limited").Inc()
	s.logger.Debugf("resolution request from %s rate limited", src)
	return false
}

func (s *Shim) handleTxFrame(ev eventbus.Event) error {
	s.cache.Refresh(ev.Target, nil)
	return s.port.Transmit(ev.Buf)
}

func handleCall(ev eventbus.Event) error {
	err := ev.Call()
	if ev.Result != nil {
		ev.Result <- err
	}
	return err
}

func (s *Shim) age() error {
	expired := s.cache.Tick()
	for _, name := range expired {
		s.logger.Debugf("resolution cache entry %s expired", name)
	}
	if len(expired) > 0 {
		s.flushHeld()
	}
	if info, _, err := s.rmt.Port(); err == nil && info.Pending {
		return s.rmt.LinkReady()
	}
	return nil
}

func (s *Shim) runAger(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.AgingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				s.logger.WithError(err).Warn("aging tick dropped")
			}
		}
	}
}

func (s *Shim) discard(ev eventbus.Event) {
	if ev.Buf != nil {
		s.release(ev.Buf)
	}
}

func (s *Shim) release(buf *netbuf.Buffer) {
	if err := s.pool.Release(buf); err != nil {
		s.logger.WithError(err).Error("buffer release failed")
	}
}
