package arp

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/netbuf"
)

type recordingTransmitter struct {
	frames [][]byte
	err    error
	pool   *netbuf.Pool
}

func (r *recordingTransmitter) Transmit(buf *netbuf.Buffer) error {
	r.frames = append(r.frames, append([]byte(nil), buf.Bytes()...))
	_ = r.pool.Release(buf)
	return r.err
}

type recordingPoster struct {
	targets []address.GPA
	bufs    []*netbuf.Buffer
	err     error
}

func (r *recordingPoster) PostResolution(target address.GPA, buf *netbuf.Buffer) error {
	if r.err != nil {
		return r.err
	}
	r.targets = append(r.targets, target)
	r.bufs = append(r.bufs, buf)
	return nil
}

var (
	localHW = address.MustParseGHA("02:00:00:00:00:01")
	peerHW  = address.MustParseGHA("02:00:00:00:00:02")
)

// peerRequest builds the request a peer named from sends for to.
func peerRequest(t *testing.T, c *Cache, from, to string) *netbuf.Buffer {
	t.Helper()
	peer := NewCache(Config{}, c.pool)
	buf, err := peer.BuildRequest(gpa(to), gpa(from), peerHW)
	require.NoError(t, err)
	return buf
}

func TestBuildRequestLayout(t *testing.T) {
	c := newTestCache(t, 4)

	buf, err := c.BuildRequest(gpa("node-10"), gpa("me"), localHW)
	require.NoError(t, err)

	// longest name plus its terminating filler
	plen := len("node-10") + 1
	assert.GreaterOrEqual(t, buf.Len(), FrameSize(plen))
	assert.GreaterOrEqual(t, buf.Len(), 60)

	pkt, err := DecodePacket(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, OpRequest, pkt.Operation)
	assert.True(t, pkt.EthDst.IsBroadcast())
	assert.Equal(t, localHW, pkt.EthSrc)
	assert.Equal(t, localHW, pkt.SHA)
	assert.Equal(t, plen, pkt.SPA.Len())
	assert.Equal(t, plen, pkt.TPA.Len())

	spa, ok := pkt.SPA.Shrink(address.Filler)
	require.True(t, ok)
	assert.Equal(t, "me", spa.String())
	tpa, ok := pkt.TPA.Shrink(address.Filler)
	require.True(t, ok)
	assert.Equal(t, "node-10", tpa.String())

	// opcode is big-endian on the wire
	assert.Equal(t, []byte{0x00, 0x01}, buf.Bytes()[20:22])
	require.NoError(t, c.pool.Release(buf))
}

func TestBuildRequestRejectsOversizedName(t *testing.T) {
	c := newTestCache(t, 4)
	long := address.NewGPA(make([]byte, MaxAddressLength+1))

	_, err := c.BuildRequest(long, gpa("me"), localHW)
	assert.Error(t, err)
	assert.Equal(t, c.pool.Capacity(), c.pool.Free())
}

func TestBuildRequestWithoutBuffers(t *testing.T) {
	c := newTestCache(t, 4)
	var held []*netbuf.Buffer
	for c.pool.Free() > 0 {
		b, err := c.pool.Acquire(t.Context(), 64, netbuf.NoWait)
		require.NoError(t, err)
		held = append(held, b)
	}

	_, err := c.BuildRequest(gpa("node-1"), gpa("me"), localHW)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)

	for _, b := range held {
		require.NoError(t, c.pool.Release(b))
	}
}

func TestResolveNowMarksTargetPending(t *testing.T) {
	c := newTestCache(t, 4)
	tx := &recordingTransmitter{pool: c.pool}

	require.NoError(t, c.ResolveNow(tx, gpa("node-1"), gpa("me"), localHW))

	require.Len(t, tx.frames, 1)
	_, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Pending, res)
	assert.Equal(t, c.pool.Capacity(), c.pool.Free())
}

func TestResolveNowReportsTransmitFailure(t *testing.T) {
	c := newTestCache(t, 4)
	tx := &recordingTransmitter{pool: c.pool, err: errors.New("link down")}

	err := c.ResolveNow(tx, gpa("node-1"), gpa("me"), localHW)
	assert.Error(t, err)
	assert.Equal(t, c.pool.Capacity(), c.pool.Free())
}

func TestResolveViaQueueLeavesTableToTheTask(t *testing.T) {
	c := newTestCache(t, 4)
	q := &recordingPoster{}

	require.NoError(t, c.ResolveViaQueue(q, gpa("node-1"), gpa("me"), localHW))

	require.Len(t, q.targets, 1)
	assert.Equal(t, "node-1", q.targets[0].String())
	_, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Miss, res)
	require.NoError(t, c.pool.Release(q.bufs[0]))
}

func TestResolveViaQueueReleasesOnPostFailure(t *testing.T) {
	c := newTestCache(t, 4)
	q := &recordingPoster{err: core.ErrQueueFull}

	err := c.ResolveViaQueue(q, gpa("node-1"), gpa("me"), localHW)
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, c.pool.Capacity(), c.pool.Free())
}

func TestProcessInboundAnswersRequestForLocalName(t *testing.T) {
	c := newTestCache(t, 4)
	require.NoError(t, c.AddLocalName(gpa("me")))
	buf := peerRequest(t, c, "peer-node", "me")
	defer c.pool.Release(buf)

	v, err := c.ProcessInbound(buf)
	require.NoError(t, err)
	assert.Equal(t, ForwardAsReply, v)

	hw, res := c.Lookup(gpa("peer-node"))
	assert.Equal(t, Hit, res)
	assert.Equal(t, peerHW, hw)

	reply, err := DecodePacket(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, OpReply, reply.Operation)
	assert.Equal(t, peerHW, reply.EthDst)
	assert.Equal(t, localHW, reply.EthSrc)
	assert.Equal(t, localHW, reply.SHA)
	assert.Equal(t, peerHW, reply.THA)
	spa, _ := reply.SPA.Shrink(address.Filler)
	tpa, _ := reply.TPA.Shrink(address.Filler)
	assert.Equal(t, "me", spa.String())
	assert.Equal(t, "peer-node", tpa.String())
}

func TestProcessInboundDiscardsRequestForUnknownName(t *testing.T) {
	c := newTestCache(t, 4)
	require.NoError(t, c.AddLocalName(gpa("me")))
	buf := peerRequest(t, c, "peer-node", "someone-else")
	defer c.pool.Release(buf)
	before := c.Rows()

	v, err := c.ProcessInbound(buf)
	assert.Equal(t, Discard, v)
	assert.ErrorIs(t, err, core.ErrAddressUnknown)
	assert.Equal(t, before, c.Rows())
}

func TestProcessInboundConsumesReply(t *testing.T) {
	c := newTestCache(t, 4)
	require.NoError(t, c.AddLocalName(gpa("me")))

	// the peer answers our request
	responder := NewCache(Config{}, c.pool, WithLocalHardwareAddress(peerHW))
	require.NoError(t, responder.AddLocalName(gpa("peer-node")))
	buf, err := c.BuildRequest(gpa("peer-node"), gpa("me"), localHW)
	require.NoError(t, err)
	defer c.pool.Release(buf)
	c.Refresh(gpa("peer-node"), nil)

	v, err := responder.ProcessInbound(buf)
	require.NoError(t, err)
	require.Equal(t, ForwardAsReply, v)

	v, err = c.ProcessInbound(buf)
	require.NoError(t, err)
	assert.Equal(t, Consume, v)

	hw, res := c.Lookup(gpa("peer-node"))
	assert.Equal(t, Hit, res)
	assert.Equal(t, peerHW, hw)
	for _, r := range c.Rows() {
		if r.State == RowResolved {
			assert.Equal(t, c.Config().ReplyAge, r.Age)
		}
	}
}

func TestProcessInboundRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(frame []byte) []byte
	}{
		{"hardware length 4", func(f []byte) []byte { f[18] = 4; return f }},
		{"hardware type", func(f []byte) []byte { binary.BigEndian.PutUint16(f[14:], 6); return f }},
		{"protocol type ipv4", func(f []byte) []byte { binary.BigEndian.PutUint16(f[16:], 0x0800); return f }},
		{"opcode", func(f []byte) []byte { binary.BigEndian.PutUint16(f[20:], 3); return f }},
		{"zero protocol length", func(f []byte) []byte { f[19] = 0; return f }},
		{"protocol length beyond frame", func(f []byte) []byte { f[19] = 200; return f }},
		{"truncated", func(f []byte) []byte { return f[:25] }},
		{"not a resolution frame", func(f []byte) []byte { binary.BigEndian.PutUint16(f[12:], 0x0800); return f }},
		{"no filler", func(f []byte) []byte {
			plen := int(f[19])
			spa := f[28 : 28+plen]
			for i := range spa {
				spa[i] = 'x'
			}
			return f
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, 4)
			require.NoError(t, c.AddLocalName(gpa("me")))
			buf := peerRequest(t, c, "peer-node", "me")
			defer c.pool.Release(buf)
			require.NoError(t, buf.Write(tt.mangle(append([]byte(nil), buf.Bytes()...))))
			before := c.Rows()

			v, err := c.ProcessInbound(buf)
			assert.Equal(t, Discard, v)
			assert.ErrorIs(t, err, core.ErrMalformedPacket)
			assert.Equal(t, before, c.Rows())
		})
	}
}
