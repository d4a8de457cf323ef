// Package address defines the generic protocol and hardware addresses used by
// the shim's resolution protocol.
package address

import (
	"bytes"
	"errors"
	"fmt"
)

// Filler pads a GPA up to a shared wire length. It never occurs inside a
// valid name.
const Filler byte = 0x00

// GPA is a Generic Protocol Address: a variable-length network-layer name.
// The zero value is the empty (invalid) address.
type GPA struct {
	b []byte
}

// NewGPA copies p into a new address.
func NewGPA(p []byte) GPA {
	return GPA{b: bytes.Clone(p)}
}

// GPAFromString creates an address from a textual name.
func GPAFromString(s string) GPA {
	return GPA{b: []byte(s)}
}

// Bytes returns the address bytes. Callers must not modify them.
func (g GPA) Bytes() []byte {
	return g.b
}

// Len returns the address length in bytes.
func (g GPA) Len() int {
	return len(g.b)
}

// IsValid reports whether the address is non-empty.
func (g GPA) IsValid() bool {
	return len(g.b) > 0
}

// Equal reports whether both addresses have the same length and bytes.
func (g GPA) Equal(o GPA) bool {
	return bytes.Equal(g.b, o.b)
}

// Clone returns a deep copy.
func (g GPA) Clone() GPA {
	return NewGPA(g.b)
}

// Key returns a comparable representation of the address.
func (g GPA) Key() string {
	return string(g.b)
}

func (g GPA) String() string {
	for _, c := range g.b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%x", g.b)
		}
	}
	return string(g.b)
}

// Grow returns a copy padded with filler up to n bytes.
func (g GPA) Grow(n int, filler byte) (GPA, error) {
	if !g.IsValid() {
		return GPA{}, errors.New("cannot grow an empty GPA")
	}
	if n < g.Len() {
		return GPA{}, fmt.Errorf("cannot grow GPA of %d bytes to %d", g.Len(), n)
	}
	out := make([]byte, n)
	copy(out, g.b)
	for i := g.Len(); i < n; i++ {
		out[i] = filler
	}
	return GPA{b: out}, nil
}

// Shrink truncates at the first filler byte. The boolean is false when the
// address holds no filler, i.e. it was never grown.
func (g GPA) Shrink(filler byte) (GPA, bool) {
	i := bytes.IndexByte(g.b, filler)
	if i < 0 {
		return g, false
	}
	return NewGPA(g.b[:i]), true
}
