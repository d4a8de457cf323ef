// Package core defines core types with zero external dependencies.
package core

import "fmt"

// EtherType values carried by the shim.
const (
	EtherTypeResolution uint16 = 0x0806 // resolution packets reuse the ARP frame type
	EtherTypeRINA       uint16 = 0xD1F0 // RINA PDUs and the resolution protocol type
)

// PortID identifies an N-1 flow (the single link attachment point).
type PortID int32

// PortIDBad is the reserved invalid port id.
const PortIDBad PortID = -1

// IsValid reports whether the port id is in range.
func (p PortID) IsValid() bool {
	return p >= 0
}

// Address is a RINA IPCP address inside the DIF.
type Address uint16

const (
	// AddressUnaddressed marks management traffic sent before enrollment assigns addresses.
	AddressUnaddressed Address = 0
	// AddressBad is never a valid destination.
	AddressBad Address = 0xFFFF
)

// IsValid reports whether the address may appear in a PCI.
func (a Address) IsValid() bool {
	return a != AddressBad
}

// CepID is a connection endpoint id, keying a PDU to an EFCP instance.
type CepID uint16

// CepIDBad is the reserved invalid connection endpoint id.
const CepIDBad CepID = 0xFFFF

// IsValid reports whether the cep id is usable.
func (c CepID) IsValid() bool {
	return c != CepIDBad
}

// QosID selects a quality-of-service cube.
type QosID uint8

// QosIDBad is the reserved invalid QoS id.
const QosIDBad QosID = 0xFF

// IsValid reports whether the qos id is usable.
func (q QosID) IsValid() bool {
	return q != QosIDBad
}

// PduType is the PCI type field.
type PduType uint8

// PDU type values.
const (
	PduTypeDT         PduType = 0x80 // data transfer
	PduTypeACK        PduType = 0xC1
	PduTypeACKAndFC   PduType = 0xC2
	PduTypeCACK       PduType = 0xC3 // control ack
	PduTypeSACK       PduType = 0xC4 // selective ack
	PduTypeFC         PduType = 0xC5 // flow control only
	PduTypeNACK       PduType = 0xC6
	PduTypeRendezvous PduType = 0xCF
	PduTypeMgmt       PduType = 0x40
)

// IsValid reports whether t is a known PDU type.
func (t PduType) IsValid() bool {
	switch t {
	case PduTypeDT, PduTypeACK, PduTypeACKAndFC, PduTypeCACK, PduTypeSACK,
		PduTypeFC, PduTypeNACK, PduTypeRendezvous, PduTypeMgmt:
		return true
	}
	return false
}

// IsDataTransfer reports whether t is handled by the EFCP container.
func (t PduType) IsDataTransfer() bool {
	return t.IsValid() && t != PduTypeMgmt
}

func (t PduType) String() string {
	switch t {
	case PduTypeDT:
		return "DT"
	case PduTypeACK:
		return "ACK"
	case PduTypeACKAndFC:
		return "ACK_AND_FC"
	case PduTypeCACK:
		return "CACK"
	case PduTypeSACK:
		return "SACK"
	case PduTypeFC:
		return "FC"
	case PduTypeNACK:
		return "NACK"
	case PduTypeRendezvous:
		return "RENDEZVOUS"
	case PduTypeMgmt:
		return "MGMT"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}
