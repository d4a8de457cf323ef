package address

import (
	"fmt"
	"net"
)

// GHAType tags the kind of hardware address.
type GHAType uint8

const (
	// MAC802_3 is a 6-byte IEEE 802.3 link address.
	MAC802_3 GHAType = iota
)

// MACLength is the hardware address length carried on the wire.
const MACLength = 6

// GHA is a Generic Hardware Address. It is an immutable value.
type GHA struct {
	typ  GHAType
	addr [MACLength]byte
}

// NewGHA builds an 802.3 hardware address.
func NewGHA(mac [MACLength]byte) GHA {
	return GHA{typ: MAC802_3, addr: mac}
}

// GHAFromBytes builds an 802.3 hardware address from a 6-byte slice.
func GHAFromBytes(b []byte) (GHA, error) {
	if len(b) != MACLength {
		return GHA{}, fmt.Errorf("hardware address must be %d bytes, got %d", MACLength, len(b))
	}
	var mac [MACLength]byte
	copy(mac[:], b)
	return NewGHA(mac), nil
}

// ParseGHA parses a colon-separated 802.3 address.
func ParseGHA(s string) (GHA, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return GHA{}, err
	}
	return GHAFromBytes(hw)
}

// MustParseGHA is ParseGHA for constants and tests.
func MustParseGHA(s string) GHA {
	g, err := ParseGHA(s)
	if err != nil {
		panic(err)
	}
	return g
}

// Broadcast returns the all-ones address used as the destination of
// resolution requests.
func Broadcast() GHA {
	return NewGHA([MACLength]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
}

// Type returns the address type tag.
func (g GHA) Type() GHAType {
	return g.typ
}

// Array returns the raw address.
func (g GHA) Array() [MACLength]byte {
	return g.addr
}

// HardwareAddr returns a fresh net.HardwareAddr.
func (g GHA) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, MACLength)
	copy(hw, g.addr[:])
	return hw
}

// IsBroadcast reports whether g is the all-ones address.
func (g GHA) IsBroadcast() bool {
	return g == Broadcast()
}

// IsZero reports whether g is the all-zero address.
func (g GHA) IsZero() bool {
	return g.addr == [MACLength]byte{}
}

func (g GHA) String() string {
	return net.HardwareAddr(g.addr[:]).String()
}
