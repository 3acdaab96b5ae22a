package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// ErrResourceExhausted is returned when memory or transfer descriptors ran
	// out.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDeviceBusy is returned by an [Engine] that can not accept a transfer
	// right now.
	ErrDeviceBusy = errors.New("device busy")
)

// bufferAlignment is the alignment of every block handed out by an [Arena].
const bufferAlignment = 4

// Mem is a block of memory that a transfer engine can address.
type Mem interface {
	// Bytes returns the whole block. The slice must not be retained after
	// Free was called.
	Bytes() []byte
	// Addr is the address the engine uses to reach the block.
	Addr() uintptr
	// Free gives the block back to the allocator it came from.
	Free() error
}

// Allocator hands out [Mem] blocks of a given size.
type Allocator interface {
	Alloc(size int) (Mem, error)
}

// Arena is an [Allocator] that carves blocks out of one contiguous memory
// region, like a dma_pool does. Blocks are never reused individually; once all
// of them were freed the arena starts over at the beginning of the region.
type Arena struct {
	mu   sync.Mutex
	buf  []byte
	off  int
	live int

	unmap func([]byte) error
}

// NewArena allocates a region of the given number of bytes outside the Go heap.
// Remember to call [Arena.Close] after use to free up the region.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: arena size %d", ErrPoolSizeInvalid, size)
	}

	buf, unmap, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("%w: map arena of %d bytes: %v", ErrResourceExhausted, size, err)
	}

	return &Arena{buf: buf, unmap: unmap}, nil
}

// Alloc returns the next free block of the region, or a wrapped
// [ErrResourceExhausted] if the region has no room left.
func (a *Arena) Alloc(size int) (Mem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf == nil {
		return nil, fmt.Errorf("%w: arena is closed", ErrResourceExhausted)
	}

	start := align(a.off, bufferAlignment)
	end := start + size
	if size <= 0 || end > len(a.buf) {
		return nil, fmt.Errorf("%w: no room for %d bytes in arena (%d/%d used)",
			ErrResourceExhausted, size, a.off, len(a.buf))
	}

	a.off = end
	a.live++
	return &block{arena: a, buf: a.buf[start:end:end]}, nil
}

// Available returns the number of bytes that can still be allocated.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf) - align(a.off, bufferAlignment)
}

// Close releases the region. Blocks that were not freed yet must not be used
// anymore.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf == nil {
		return nil
	}

	buf := a.buf
	a.buf = nil
	a.off = 0
	a.live = 0
	if err := a.unmap(buf); err != nil {
		return fmt.Errorf("release arena memory: %w", err)
	}
	return nil
}

func (a *Arena) free() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.live == 0 {
		panic("arena block freed twice")
	}
	a.live--
	if a.live == 0 {
		a.off = 0
	}
}

type block struct {
	arena *Arena
	buf   []byte
	freed bool
}

func (b *block) Bytes() []byte {
	return b.buf
}

func (b *block) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.buf)))
}

func (b *block) Free() error {
	if b.freed {
		return nil
	}
	b.freed = true
	b.arena.free()
	return nil
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
