package netbuf

import (
	"math/bits"
	"sync"
)

// Allocator provides payload storage for buffer descriptors. Alloc returns
// nil when the request cannot be satisfied.
type Allocator interface {
	Alloc(size int) []byte
	Free(b []byte)
}

const minSlabClass = 64

// SlabAllocator hands out storage from power-of-two size classes, each backed
// by a sync.Pool, and refuses anything above its maximum.
type SlabAllocator struct {
	max     int
	classes []sync.Pool
}

// NewSlabAllocator creates an allocator serving requests up to max bytes.
func NewSlabAllocator(max int) *SlabAllocator {
	if max < minSlabClass {
		max = minSlabClass
	}
	n := classIndex(max) + 1
	a := &SlabAllocator{
		max:     max,
		classes: make([]sync.Pool, n),
	}
	for i := range a.classes {
		size := minSlabClass << i
		a.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return a
}

// Max returns the largest request the allocator will serve.
func (a *SlabAllocator) Max() int {
	return a.max
}

func (a *SlabAllocator) Alloc(size int) []byte {
	if size <= 0 || size > a.max {
		return nil
	}
	bp := a.classes[classIndex(size)].Get().(*[]byte)
	b := (*bp)[:size]
	clear(b)
	return b
}

func (a *SlabAllocator) Free(b []byte) {
	c := cap(b)
	if c < minSlabClass || c&(c-1) != 0 {
		return // not ours
	}
	idx := classIndex(c)
	if idx >= len(a.classes) {
		return
	}
	b = b[:c]
	a.classes[idx].Put(&b)
}

// classIndex returns the smallest class whose size is >= size.
func classIndex(size int) int {
	if size <= minSlabClass {
		return 0
	}
	return bits.Len(uint(size-1)) - bits.Len(uint(minSlabClass-1))
}
