package rmt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rinashim/internal/core"
)

// PCILength is the size of the fixed protocol control information header.
const PCILength = 18

// PCIVersion is the only header version understood.
const PCIVersion uint8 = 1

// LayerTypePCI identifies RINA PDUs inside Ethernet frames.
var LayerTypePCI = gopacket.RegisterLayerType(1901, gopacket.LayerTypeMetadata{
	Name:    "RINAPCI",
	Decoder: gopacket.DecodeFunc(decodePCI),
})

func init() {
	layers.EthernetTypeMetadata[core.EtherTypeRINA] = layers.EnumMetadata{
		DecodeWith: gopacket.DecodeFunc(decodePCI),
		Name:       "RINA",
		LayerType:  LayerTypePCI,
	}
}

// PCI is the protocol control information heading every PDU.
//
//	version(1) src(2) dst(2) qos(1) src-cep(2) dst-cep(2) type(1) flags(1) length(2) seq(4)
//
// Length counts the header and the payload.
type PCI struct {
	layers.BaseLayer

	Version  uint8
	Src      core.Address
	Dst      core.Address
	QoS      core.QosID
	SrcCep   core.CepID
	DstCep   core.CepID
	Type     core.PduType
	Flags    uint8
	Length   uint16
	Sequence uint32
}

func (p *PCI) LayerType() gopacket.LayerType     { return LayerTypePCI }
func (p *PCI) CanDecode() gopacket.LayerClass    { return LayerTypePCI }
func (p *PCI) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes parses the header and trims Ethernet padding from the
// payload using the length field.
func (p *PCI) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < PCILength {
		df.SetTruncated()
		return fmt.Errorf("pci of %d bytes: %w", len(data), core.ErrMalformedPacket)
	}

	p.Version = data[0]
	p.Src = core.Address(binary.BigEndian.Uint16(data[1:3]))
	p.Dst = core.Address(binary.BigEndian.Uint16(data[3:5]))
	p.QoS = core.QosID(data[5])
	p.SrcCep = core.CepID(binary.BigEndian.Uint16(data[6:8]))
	p.DstCep = core.CepID(binary.BigEndian.Uint16(data[8:10]))
	p.Type = core.PduType(data[10])
	p.Flags = data[11]
	p.Length = binary.BigEndian.Uint16(data[12:14])
	p.Sequence = binary.BigEndian.Uint32(data[14:18])

	n := int(p.Length)
	if n < PCILength || n > len(data) {
		df.SetTruncated()
		return fmt.Errorf("pci length %d with %d bytes: %w", n, len(data), core.ErrMalformedPacket)
	}
	p.BaseLayer = layers.BaseLayer{Contents: data[:PCILength], Payload: data[PCILength:n]}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (p *PCI) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payloadLen := len(b.Bytes())
	bytes, err := b.PrependBytes(PCILength)
	if err != nil {
		return err
	}
	if opts.FixLengths {
		if PCILength+payloadLen > 0xFFFF {
			return fmt.Errorf("pdu of %d bytes does not fit the length field", PCILength+payloadLen)
		}
		p.Length = uint16(PCILength + payloadLen)
	}

	bytes[0] = p.Version
	binary.BigEndian.PutUint16(bytes[1:3], uint16(p.Src))
	binary.BigEndian.PutUint16(bytes[3:5], uint16(p.Dst))
	bytes[5] = uint8(p.QoS)
	binary.BigEndian.PutUint16(bytes[6:8], uint16(p.SrcCep))
	binary.BigEndian.PutUint16(bytes[8:10], uint16(p.DstCep))
	bytes[10] = uint8(p.Type)
	bytes[11] = p.Flags
	binary.BigEndian.PutUint16(bytes[12:14], p.Length)
	binary.BigEndian.PutUint32(bytes[14:18], p.Sequence)
	return nil
}

func decodePCI(data []byte, p gopacket.PacketBuilder) error {
	pci := &PCI{}
	if err := pci.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(pci)
	return p.NextDecoder(pci.NextLayerType())
}
