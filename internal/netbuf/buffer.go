package netbuf

import "fmt"

// Buffer is one network buffer descriptor. Its storage is attached on
// Acquire and detached on Release; the linkage fields are only meaningful
// while the descriptor sits in the pool's free list.
type Buffer struct {
	index  int
	data   []byte
	length int

	// free-list linkage
	next       *Buffer
	inFreeList bool
}

// Index returns the descriptor's slot in its pool.
func (b *Buffer) Index() int {
	return b.index
}

// Bytes returns the payload, length bytes long.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Len returns the current payload length.
func (b *Buffer) Len() int {
	return b.length
}

// Cap returns the size of the attached storage.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// SetLen sets the payload length. It cannot exceed the attached storage.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("buffer %d: length %d outside storage of %d bytes", b.index, n, len(b.data))
	}
	b.length = n
	return nil
}

// Write replaces the payload with p, which must fit the storage.
func (b *Buffer) Write(p []byte) error {
	if err := b.SetLen(len(p)); err != nil {
		return err
	}
	copy(b.data, p)
	return nil
}

// Attached reports whether storage is attached to the descriptor.
func (b *Buffer) Attached() bool {
	return b.data != nil
}
