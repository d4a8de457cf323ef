package arp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
)

// Operation codes, big-endian on the wire.
const (
	OpRequest uint16 = layers.ARPRequest
	OpReply   uint16 = layers.ARPReply
)

const (
	ethernetHeaderLen = 14
	// fixed part: htype(2) ptype(2) hlen(1) plen(1) op(2)
	fixedHeaderLen = 8

	// MaxAddressLength is the longest name that fits the one-byte protocol
	// length field together with its terminating filler.
	MaxAddressLength = math.MaxUint8 - 1
)

// Packet is a parsed resolution packet. Protocol addresses are kept in
// their padded wire form.
type Packet struct {
	EthDst    address.GHA
	EthSrc    address.GHA
	Operation uint16
	SHA       address.GHA
	SPA       address.GPA
	THA       address.GHA
	TPA       address.GPA
}

// FrameSize is the length of a resolution frame carrying protocol addresses
// of plen bytes, before Ethernet minimum-size padding.
func FrameSize(plen int) int {
	return ethernetHeaderLen + fixedHeaderLen + 2*(address.MACLength+plen)
}

// DecodePacket validates and parses the resolution frame in frame.
func DecodePacket(frame []byte) (Packet, error) {
	var pkt Packet

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return pkt, fmt.Errorf("ethernet header: %v: %w", err, core.ErrMalformedPacket)
	}
	if uint16(eth.EthernetType) != core.EtherTypeResolution {
		return pkt, fmt.Errorf("ethertype %#04x: %w", uint16(eth.EthernetType), core.ErrMalformedPacket)
	}
	pkt.EthDst, _ = address.GHAFromBytes(eth.DstMAC)
	pkt.EthSrc, _ = address.GHAFromBytes(eth.SrcMAC)

	data := frame[ethernetHeaderLen:]
	if len(data) < fixedHeaderLen {
		return pkt, fmt.Errorf("%d bytes after ethernet header: %w", len(data), core.ErrMalformedPacket)
	}

	htype := binary.BigEndian.Uint16(data[0:2])
	ptype := binary.BigEndian.Uint16(data[2:4])
	hlen := int(data[4])
	plen := int(data[5])
	pkt.Operation = binary.BigEndian.Uint16(data[6:8])

	switch {
	case layers.LinkType(htype) != layers.LinkTypeEthernet:
		return pkt, fmt.Errorf("hardware type %d: %w", htype, core.ErrMalformedPacket)
	case ptype != core.EtherTypeRINA:
		return pkt, fmt.Errorf("protocol type %#04x: %w", ptype, core.ErrMalformedPacket)
	case hlen != address.MACLength:
		return pkt, fmt.Errorf("hardware length %d: %w", hlen, core.ErrMalformedPacket)
	case plen == 0:
		return pkt, fmt.Errorf("protocol length 0: %w", core.ErrMalformedPacket)
	case pkt.Operation != OpRequest && pkt.Operation != OpReply:
		return pkt, fmt.Errorf("operation %d: %w", pkt.Operation, core.ErrMalformedPacket)
	}

	need := fixedHeaderLen + 2*(hlen+plen)
	if len(data) < need {
		return pkt, fmt.Errorf("%d bytes, %d declared: %w", len(data), need, core.ErrMalformedPacket)
	}

	cur := fixedHeaderLen
	pkt.SHA, _ = address.GHAFromBytes(data[cur : cur+hlen])
	cur += hlen
	pkt.SPA = address.NewGPA(data[cur : cur+plen])
	cur += plen
	pkt.THA, _ = address.GHAFromBytes(data[cur : cur+hlen])
	cur += hlen
	pkt.TPA = address.NewGPA(data[cur : cur+plen])
	return pkt, nil
}

// encodeRequest serializes a broadcast request for tpa on behalf of
// (spa, sha). Both addresses must already share one length.
func encodeRequest(sha address.GHA, spa, tpa address.GPA) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       sha.HardwareAddr(),
		DstMAC:       address.Broadcast().HardwareAddr(),
		EthernetType: layers.EthernetTypeARP,
	}
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetType(core.EtherTypeRINA),
		HwAddressSize:     address.MACLength,
		ProtAddressSize:   uint8(spa.Len()),
		Operation:         OpRequest,
		SourceHwAddress:   sha.HardwareAddr(),
		SourceProtAddress: spa.Bytes(),
		DstHwAddress:      make([]byte, address.MACLength),
		DstProtAddress:    tpa.Bytes(),
	}

	sb := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{FixLengths: true}, eth, req); err != nil {
		return nil, fmt.Errorf("serialize request: %w", err)
	}
	return sb.Bytes(), nil
}

// rewriteAsReply turns the validated request in frame into the matching
// reply from local, in place.
func rewriteAsReply(frame []byte, local address.GHA) {
	data := frame[ethernetHeaderLen:]
	plen := int(data[5])

	cur := fixedHeaderLen
	sha := data[cur : cur+address.MACLength]
	cur += address.MACLength
	spa := data[cur : cur+plen]
	cur += plen
	tha := data[cur : cur+address.MACLength]
	cur += address.MACLength
	tpa := data[cur : cur+plen]

	requester := append([]byte(nil), sha...)
	requesterName := append([]byte(nil), spa...)
	wanted := append([]byte(nil), tpa...)
	mac := local.Array()

	copy(frame[0:6], requester)
	copy(frame[6:12], mac[:])
	binary.BigEndian.PutUint16(data[6:8], OpReply)
	copy(sha, mac[:])
	copy(spa, wanted)
	copy(tha, requester)
	copy(tpa, requesterName)
}
