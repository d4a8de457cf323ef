package ipcp

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/arp"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/link"
	"firestige.xyz/rinashim/internal/netbuf"
	"firestige.xyz/rinashim/internal/rmt"
)

var (
	hwA   = address.MustParseGHA("02:00:00:00:00:0a")
	hwB   = address.MustParseGHA("02:00:00:00:00:0b")
	nameA = address.GPAFromString("a.shim")
	nameB = address.GPAFromString("b.shim")
)

type fakePort struct {
	pool   *netbuf.Pool
	hw     address.GHA
	frames [][]byte
}

func (p *fakePort) HardwareAddr() address.GHA { return p.hw }

func (p *fakePort) Write(buf *netbuf.Buffer, _ core.PortID, _ bool) error {
	return p.Transmit(buf)
}

func (p *fakePort) Transmit(buf *netbuf.Buffer) error {
	p.frames = append(p.frames, append([]byte(nil), buf.Bytes()...))
	return p.pool.Release(buf)
}

func (p *fakePort) Run(ctx context.Context, _ func(*netbuf.Buffer) error) error {
	<-ctx.Done()
	return nil
}

type received struct {
	cep     core.CepID
	payload string
}

type chanEFCP struct {
	pool *netbuf.Pool
	ch   chan received
}

func (e *chanEFCP) Receive(cep core.CepID, pdu rmt.PDU) error {
	e.ch <- received{cep: cep, payload: string(pdu.PCI.Payload)}
	return e.pool.Release(pdu.Buf)
}

type mockMgmt struct {
	mock.Mock
	pool *netbuf.Pool
}

func (m *mockMgmt) HandleManagement(from core.PortID, pdu rmt.PDU) error {
	args := m.Called(from, pdu.PCI.Type)
	_ = m.pool.Release(pdu.Buf)
	return args.Error(0)
}

func newStoppedShim(t *testing.T) (*Shim, *fakePort, *netbuf.Pool) {
	t.Helper()
	pool, err := netbuf.NewPool(16)
	require.NoError(t, err)
	port := &fakePort{pool: pool, hw: hwA}
	s, err := New(Config{}, pool, port)
	require.NoError(t, err)
	require.NoError(t, s.BindN1Port(t.Context(), 1))
	require.NoError(t, s.AddLocalAddress(t.Context(), 1))
	require.NoError(t, s.RegisterName(t.Context(), nameA))
	return s, port, pool
}

func ethertype(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[12:14])
}

func dataPCI(dst core.Address, cep core.CepID) rmt.PCI {
	return rmt.PCI{Src: 1, Dst: dst, QoS: 1, SrcCep: 3, DstCep: cep, Type: core.PduTypeDT, Sequence: 9}
}

// peerRequest builds the request B would send asking for target.
func peerRequest(t *testing.T, pool *netbuf.Pool, target address.GPA) *netbuf.Buffer {
	t.Helper()
	peer := arp.NewCache(arp.Config{}, pool)
	buf, err := peer.BuildRequest(target, nameB, hwB)
	require.NoError(t, err)
	return buf
}

// peerReply answers request the way B would.
func peerReply(t *testing.T, pool *netbuf.Pool, request []byte) *netbuf.Buffer {
	t.Helper()
	peer := arp.NewCache(arp.Config{}, pool, arp.WithLocalHardwareAddress(hwB))
	require.NoError(t, peer.AddLocalName(nameB))
	buf, err := pool.Acquire(t.Context(), len(request), netbuf.NoWait)
	require.NoError(t, err)
	require.NoError(t, buf.Write(request))
	v, err := peer.ProcessInbound(buf)
	require.NoError(t, err)
	require.Equal(t, arp.ForwardAsReply, v)
	return buf
}

func TestNewAssignsInstanceID(t *testing.T) {
	s, _, _ := newStoppedShim(t)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", s.ID().String())
	assert.Equal(t, hwA, s.HardwareAddr())
	assert.False(t, s.Running())
}

func TestSendNowUnresolvedHoldsPDU(t *testing.T) {
	s, port, pool := newStoppedShim(t)

	res, err := s.SendNow(nameB, dataPCI(2, 4), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, rmt.Queued, res)

	require.Len(t, port.frames, 1)
	assert.Equal(t, core.EtherTypeResolution, ethertype(port.frames[0]))
	assert.Equal(t, []byte{0x00, 0x01}, port.frames[0][20:22])

	// a second send while the request is outstanding does not resend and
	// displaces the held pdu
	res, err = s.SendNow(nameB, dataPCI(2, 4), []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, rmt.Queued, res)
	assert.Len(t, port.frames, 1)
	assert.Equal(t, pool.Capacity()-1, pool.Free())

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	require.Len(t, snap.Cache, 1)
	assert.Equal(t, arp.RowPending, snap.Cache[0].State)
	assert.Equal(t, 1, snap.Held)
}

func TestHeldPDUIsSentWhenReplyArrives(t *testing.T) {
	s, port, pool := newStoppedShim(t)

	res, err := s.SendNow(nameB, dataPCI(2, 4), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, rmt.Queued, res)
	require.Len(t, port.frames, 1)

	require.NoError(t, s.ProcessInboundPacket(peerReply(t, pool, port.frames[0])))

	require.Len(t, port.frames, 2)
	frame := port.frames[1]
	assert.Equal(t, core.EtherTypeRINA, ethertype(frame))
	assert.Equal(t, hwB.HardwareAddr(), frame[0:6])
	assert.Equal(t, hwA.HardwareAddr(), frame[6:12])

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Zero(t, snap.Held)
	assert.Equal(t, uint64(1), snap.PortStats.TxPDUs)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestHeldPDUIsDroppedWhenResolutionExpires(t *testing.T) {
	s, port, pool := newStoppedShim(t)

	_, err := s.SendNow(nameB, dataPCI(2, 4), []byte("x"))
	require.NoError(t, err)

	for i := 0; i < arp.DefaultMaxRetransmissions; i++ {
		require.NoError(t, s.age())
	}

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Zero(t, snap.Held)
	assert.Zero(t, snap.PortStats.TxPDUs)
	assert.Len(t, port.frames, 1, "only the request went out")
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestSendNowWithoutLocalNameFails(t *testing.T) {
	pool, err := netbuf.NewPool(4)
	require.NoError(t, err)
	s, err := New(Config{}, pool, &fakePort{pool: pool, hw: hwA})
	require.NoError(t, err)
	require.NoError(t, s.BindN1Port(t.Context(), 1))

	res, err := s.SendNow(nameB, dataPCI(2, 4), []byte("x"))
	assert.Equal(t, rmt.Failed, res)
	assert.ErrorIs(t, err, core.ErrAddressUnknown)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestInboundRequestIsAnsweredAndTeachesSender(t *testing.T) {
	s, port, pool := newStoppedShim(t)

	require.NoError(t, s.ProcessInboundPacket(peerRequest(t, pool, nameA)))
	require.Len(t, port.frames, 1)
	reply := port.frames[0]
	assert.Equal(t, hwB.HardwareAddr(), reply[0:6], "reply goes back to the requester")
	assert.Equal(t, []byte{0x00, 0x02}, reply[20:22])

	res, err := s.SendNow(nameB, dataPCI(2, 4), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, rmt.Sent, res)
	require.Len(t, port.frames, 2)
	frame := port.frames[1]
	assert.Equal(t, hwB.HardwareAddr(), frame[0:6])
	assert.Equal(t, hwA.HardwareAddr(), frame[6:12])
	assert.Equal(t, core.EtherTypeRINA, ethertype(frame))
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestInboundRequestForOtherNameIsDropped(t *testing.T) {
	s, port, pool := newStoppedShim(t)

	err := s.ProcessInboundPacket(peerRequest(t, pool, address.GPAFromString("c.shim")))
	assert.ErrorIs(t, err, core.ErrAddressUnknown)
	assert.Empty(t, port.frames)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestInboundRequestsAreRateLimitedPerPeer(t *testing.T) {
	pool, err := netbuf.NewPool(16)
	require.NoError(t, err)
	port := &fakePort{pool: pool, hw: hwA}
	s, err := New(Config{RequestLimit: 2, RequestWindow: time.Hour}, pool, port)
	require.NoError(t, err)
	require.NoError(t, s.RegisterName(t.Context(), nameA))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.ProcessInboundPacket(peerRequest(t, pool, nameA)))
	}
	assert.Len(t, port.frames, 2, "third request is not answered")
	assert.Equal(t, pool.Capacity(), pool.Free())

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.RateLimited)
}

func TestInboundManagementPDUReachesHandler(t *testing.T) {
	pool, err := netbuf.NewPool(8)
	require.NoError(t, err)
	mgmt := &mockMgmt{pool: pool}
	mgmt.On("HandleManagement", core.PortID(1), core.PduTypeMgmt).Return(nil).Once()

	s, err := New(Config{}, pool, &fakePort{pool: pool, hw: hwA}, WithManagementHandler(mgmt))
	require.NoError(t, err)
	require.NoError(t, s.BindN1Port(t.Context(), 1))

	pdu, err := rmt.Encapsulate(t.Context(), pool, netbuf.NoWait, hwA, hwB,
		rmt.PCI{Src: 2, Dst: core.AddressUnaddressed, Type: core.PduTypeMgmt}, []byte("enroll"))
	require.NoError(t, err)
	require.NoError(t, s.ProcessInboundPacket(pdu.Buf))

	mgmt.AssertExpectations(t)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestInboundFrameOfUnknownType(t *testing.T) {
	s, _, pool := newStoppedShim(t)

	buf, err := pool.Acquire(t.Context(), 60, netbuf.NoWait)
	require.NoError(t, err)
	frame := make([]byte, 60)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	require.NoError(t, buf.Write(frame))

	assert.ErrorIs(t, s.ProcessInboundPacket(buf), core.ErrMalformedPacket)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func TestNamesAreRequiredToResolve(t *testing.T) {
	pool, err := netbuf.NewPool(4)
	require.NoError(t, err)
	s, err := New(Config{}, pool, &fakePort{pool: pool, hw: hwA})
	require.NoError(t, err)

	assert.Error(t, s.Resolve(nameB))
	assert.Error(t, s.RegisterName(t.Context(), address.NewGPA(make([]byte, arp.MaxAddressLength+1))))

	require.NoError(t, s.RegisterName(t.Context(), nameA))
	require.NoError(t, s.UnregisterName(t.Context(), nameA))
	assert.Error(t, s.ResolveNow(nameB))
}

func TestLoggingSinkReleases(t *testing.T) {
	pool, err := netbuf.NewPool(2)
	require.NoError(t, err)
	sink := NewLoggingSink(pool, nil)

	pdu, err := rmt.Encapsulate(t.Context(), pool, netbuf.NoWait, hwB, hwA, dataPCI(2, 4), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, sink.Receive(4, pdu))

	pdu, err = rmt.Encapsulate(t.Context(), pool, netbuf.NoWait, hwB, hwA, rmt.PCI{Type: core.PduTypeMgmt}, nil)
	require.NoError(t, err)
	require.NoError(t, sink.HandleManagement(1, pdu))

	mgmt, data := sink.Counts()
	assert.Equal(t, uint64(1), mgmt)
	assert.Equal(t, uint64(1), data)
	assert.Equal(t, 2, pool.Free())
}

func TestInboundMalformedPDUIsCountedAsError(t *testing.T) {
	s, _, pool := newStoppedShim(t)

	pdu, err := rmt.Encapsulate(t.Context(), pool, netbuf.NoWait, hwA, hwB,
		rmt.PCI{Dst: 1, QoS: 1, Type: 0x11}, []byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.ProcessInboundPacket(pdu.Buf), core.ErrMalformedPacket)

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.PortStats.Errors)
	assert.Zero(t, snap.PortStats.Drops)
	assert.Equal(t, pool.Capacity(), pool.Free())
}

func startShim(t *testing.T, ctx context.Context, pipe *link.Pipe, name address.GPA, addr core.Address) (*Shim, *chanEFCP) {
	t.Helper()
	pool, err := netbuf.NewPool(16)
	require.NoError(t, err)
	port, err := link.NewPort(pipe, pool)
	require.NoError(t, err)
	efcp := &chanEFCP{pool: pool, ch: make(chan received, 4)}

	s, err := New(Config{AgingInterval: time.Hour}, pool, port,
		WithEFCPContainer(efcp),
		WithManagementHandler(NewLoggingSink(pool, nil)))
	require.NoError(t, err)
	require.NoError(t, s.BindN1Port(ctx, 1))
	require.NoError(t, s.AddLocalAddress(ctx, addr))
	require.NoError(t, s.RegisterName(ctx, name))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("shim did not stop")
		}
	})
	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	return s, efcp
}

func resolved(t *testing.T, s *Shim, name address.GPA, hw address.GHA) bool {
	snap, err := s.Snapshot(t.Context())
	if err != nil {
		return false
	}
	for _, row := range snap.Cache {
		if row.State == arp.RowResolved && row.Name.Equal(name) && row.HW == hw {
			return true
		}
	}
	return false
}

func TestShimsResolveAndExchangeOverPipe(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	pa, pb := link.NewPipePair(hwA, hwB, 0)
	a, _ := startShim(t, ctx, pa, nameA, 1)
	b, efcpB := startShim(t, ctx, pb, nameB, 2)

	require.NoError(t, a.Resolve(nameB))
	require.Eventually(t, func() bool { return resolved(t, a, nameB, hwB) }, time.Second, 5*time.Millisecond)
	// the request taught b where a is
	require.Eventually(t, func() bool { return resolved(t, b, nameA, hwA) }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.SendViaQueue(ctx, nameB, dataPCI(2, 4), []byte("hello")))
	select {
	case got := <-efcpB.ch:
		assert.Equal(t, core.CepID(4), got.cep)
		assert.Equal(t, "hello", got.payload)
	case <-time.After(time.Second):
		t.Fatal("pdu not delivered")
	}

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.PortStats.TxPDUs)
	assert.Equal(t, rmt.PortEnabled, snap.Port.State)
}

func TestShimHoldsPDUUntilPeerAnswers(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	pa, pb := link.NewPipePair(hwA, hwB, 0)
	a, _ := startShim(t, ctx, pa, nameA, 1)
	_, efcpB := startShim(t, ctx, pb, nameB, 2)

	// no prior resolution: the pdu waits for b's reply
	require.NoError(t, a.SendViaQueue(ctx, nameB, dataPCI(2, 7), []byte("early")))
	select {
	case got := <-efcpB.ch:
		assert.Equal(t, core.CepID(7), got.cep)
		assert.Equal(t, "early", got.payload)
	case <-time.After(time.Second):
		t.Fatal("held pdu not delivered")
	}

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Held)
	assert.True(t, resolved(t, a, nameB, hwB))
}
