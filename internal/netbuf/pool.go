// Package netbuf implements the fixed-count network buffer pool shared by
// frame reception and the protocol task.
package netbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
)

const (
	// MinFrameSize is large enough for an Ethernet header plus the fixed part
	// of a resolution packet, so a resolution frame can always replace the
	// payload of any buffer.
	MinFrameSize = 14 + 8

	// DefaultMaxBufferSize bounds a single storage allocation.
	DefaultMaxBufferSize = 1536
)

var wordSize = int(unsafe.Sizeof(uintptr(0)))

// Wait is the blocking policy of Acquire.
type Wait time.Duration

const (
	// NoWait fails immediately when no buffer is free. The protocol task must
	// use it: it would otherwise wait on buffers only it can release.
	NoWait Wait = 0
	// Forever waits until a buffer is released or the context ends.
	Forever Wait = -1
)

// Stats is a snapshot of pool usage.
type Stats struct {
	Capacity    int
	Free        int
	MinimumFree int
	InUse       int
}

// Pool owns a fixed array of descriptors and a free list gated by a counting
// resource token. The token count equals the free-list length outside the
// critical section.
type Pool struct {
	mu          sync.Mutex
	descriptors []Buffer
	head, tail  *Buffer
	free        int
	minFree     int

	tokens   *semaphore.Weighted
	alloc    Allocator
	minFrame int
	logger   log.Logger
}

// Option customises a Pool.
type Option func(*Pool)

// WithAllocator replaces the default slab allocator.
func WithAllocator(a Allocator) Option {
	return func(p *Pool) { p.alloc = a }
}

// WithMinFrameSize overrides MinFrameSize.
func WithMinFrameSize(n int) Option {
	return func(p *Pool) { p.minFrame = n }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool pre-allocates capacity descriptors, all free. A failure here is
// fatal for the shim.
func NewPool(capacity int, opts ...Option) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity %d: %w", capacity, core.ErrPoolInit)
	}

	p := &Pool{
		descriptors: make([]Buffer, capacity),
		tokens:      semaphore.NewWeighted(int64(capacity)),
		minFrame:    MinFrameSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.alloc == nil {
		p.alloc = NewSlabAllocator(DefaultMaxBufferSize)
	}
	if p.logger == nil {
		p.logger = log.Component("netbuf")
	}
	if p.minFrame <= 0 {
		return nil, fmt.Errorf("minimum frame size %d: %w", p.minFrame, core.ErrPoolInit)
	}

	for i := range p.descriptors {
		d := &p.descriptors[i]
		d.index = i
		p.pushLocked(d)
	}
	p.minFree = capacity

	metrics.PoolFreeBuffers.Set(float64(capacity))
	metrics.PoolMinimumFreeBuffers.Set(float64(capacity))
	p.logger.Debugf("initialised %d network buffers", capacity)
	return p, nil
}

// Acquire takes a free descriptor and attaches storage of at least size
// bytes. It returns core.ErrResourceExhausted when no token becomes free
// within wait, or when storage cannot be allocated.
func (p *Pool) Acquire(ctx context.Context, size int, wait Wait) (*Buffer, error) {
	if err := p.takeToken(ctx, wait); err != nil {
		metrics.PoolEventsTotal.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("acquire %d bytes: %w", size, core.ErrResourceExhausted)
	}

	p.mu.Lock()
	d := p.popLocked()
	if p.free < p.minFree {
		p.minFree = p.free
		metrics.PoolMinimumFreeBuffers.Set(float64(p.minFree))
	}
	free := p.free
	p.mu.Unlock()
	metrics.PoolFreeBuffers.Set(float64(free))

	n := p.normalize(size)
	storage := p.alloc.Alloc(n)
	if storage == nil {
		metrics.PoolEventsTotal.WithLabelValues("alloc_failed").Inc()
		p.logger.Warnf("storage allocation of %d bytes failed, returning descriptor %d", n, d.index)
		if err := p.Release(d); err != nil {
			p.logger.WithError(err).Error("could not return descriptor after failed allocation")
		}
		return nil, fmt.Errorf("allocate %d bytes: %w", n, core.ErrResourceExhausted)
	}

	d.data = storage
	d.length = n
	return d, nil
}

// Release detaches the storage and returns the descriptor to the free list.
// Releasing a descriptor that is already free is rejected with
// core.ErrDoubleRelease and leaves the token count untouched.
func (p *Pool) Release(b *Buffer) error {
	if b == nil {
		return fmt.Errorf("release nil buffer: %w", core.ErrDoubleRelease)
	}
	if !p.owns(b) {
		return fmt.Errorf("buffer does not belong to this pool")
	}

	p.mu.Lock()
	if b.inFreeList {
		p.mu.Unlock()
		metrics.PoolEventsTotal.WithLabelValues("double_release").Inc()
		p.logger.Warnf("descriptor %d released twice", b.index)
		return fmt.Errorf("descriptor %d: %w", b.index, core.ErrDoubleRelease)
	}
	storage := b.data
	b.data = nil
	b.length = 0
	p.pushLocked(b)
	free := p.free
	p.mu.Unlock()

	if storage != nil {
		p.alloc.Free(storage)
	}
	p.tokens.Release(1)
	metrics.PoolFreeBuffers.Set(float64(free))
	return nil
}

// Resize gives b new storage of newSize bytes, keeping the leading
// min(old, new) payload bytes. On failure b is left unchanged.
func (p *Pool) Resize(b *Buffer, newSize int) (*Buffer, error) {
	if b == nil || !b.Attached() {
		return nil, errors.New("resize of a buffer without storage")
	}

	n := p.normalize(newSize)
	storage := p.alloc.Alloc(n)
	if storage == nil {
		metrics.PoolEventsTotal.WithLabelValues("alloc_failed").Inc()
		return nil, fmt.Errorf("resize descriptor %d to %d bytes: %w", b.index, n, core.ErrResourceExhausted)
	}

	copy(storage, b.data[:min(b.length, n)])
	old := b.data
	b.data = storage
	b.length = n
	p.alloc.Free(old)

	metrics.PoolEventsTotal.WithLabelValues("resized").Inc()
	return b, nil
}

// Capacity returns the fixed number of descriptors.
func (p *Pool) Capacity() int {
	return len(p.descriptors)
}

// Free returns the current free-list depth.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// MinimumFree returns the lowest free-list depth seen.
func (p *Pool) MinimumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minFree
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:    len(p.descriptors),
		Free:        p.free,
		MinimumFree: p.minFree,
		InUse:       len(p.descriptors) - p.free,
	}
}

func (p *Pool) takeToken(ctx context.Context, wait Wait) error {
	switch {
	case wait == NoWait:
		if !p.tokens.TryAcquire(1) {
			return core.ErrResourceExhausted
		}
		return nil
	case wait < 0:
		return p.tokens.Acquire(ctx, 1)
	default:
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(wait))
		defer cancel()
		return p.tokens.Acquire(waitCtx, 1)
	}
}

// normalize applies the minimum frame size and rounds up to the word size.
func (p *Pool) normalize(size int) int {
	if size < p.minFrame {
		size = p.minFrame
	}
	if rem := size & (wordSize - 1); rem != 0 {
		size = (size | (wordSize - 1)) + 1
	}
	return size
}

func (p *Pool) owns(b *Buffer) bool {
	return b.index >= 0 && b.index < len(p.descriptors) && &p.descriptors[b.index] == b
}

func (p *Pool) pushLocked(b *Buffer) {
	b.next = nil
	b.inFreeList = true
	if p.tail == nil {
		p.head = b
	} else {
		p.tail.next = b
	}
	p.tail = b
	p.free++
}

// popLocked must only be called while holding a token, so the list is non-empty.
func (p *Pool) popLocked() *Buffer {
	b := p.head
	p.head = b.next
	if p.head == nil {
		p.tail = nil
	}
	b.next = nil
	b.inFreeList = false
	p.free--
	return b
}
