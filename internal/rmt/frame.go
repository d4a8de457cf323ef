package rmt

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/netbuf"
)

// Encapsulate frames pci and payload for the link, from src to dst, in a
// buffer taken from pool with the given wait.
func Encapsulate(ctx context.Context, pool *netbuf.Pool, wait netbuf.Wait,
	dst, src address.GHA, pci PCI, payload []byte) (PDU, error) {
	if pci.Version == 0 {
		pci.Version = PCIVersion
	}
	eth := &layers.Ethernet{
		SrcMAC:       src.HardwareAddr(),
		DstMAC:       dst.HardwareAddr(),
		EthernetType: layers.EthernetType(core.EtherTypeRINA),
	}

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(sb, opts, eth, &pci, gopacket.Payload(payload)); err != nil {
		return PDU{}, fmt.Errorf("encapsulate %s pdu: %w", pci.Type, err)
	}
	frame := sb.Bytes()

	buf, err := pool.Acquire(ctx, len(frame), wait)
	if err != nil {
		return PDU{}, err
	}
	if err := buf.Write(frame); err != nil {
		_ = pool.Release(buf)
		return PDU{}, err
	}
	return PDU{Buf: buf, PCI: pci}, nil
}
