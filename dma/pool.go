package dma

import (
	"errors"
	"fmt"
	"sync"
)

// Pool is a ring of equally sized [Buffer]s used for one transfer
// [Direction].
//
// Buffers are handed to the [Engine] in ring order starting at the submit
// index and come back through [Pool.Complete] in the same order. For receive
// pools, filled is the number of completed buffers holding data the reader has
// not consumed yet. For transmit pools, filled is the number of buffers that
// are reserved by the writer or in flight.
//
// The pool lock guards the indexes and filled. It is only ever held for a
// constant amount of work. Methods with a Locked suffix expect the caller to
// hold it.
type Pool struct {
	dir   Direction
	size  int
	count int

	bufs  []Buffer
	arena *Arena

	mu       sync.Mutex
	submit   int
	consume  int
	filled   int
	released bool

	signal chan struct{}
}

// PoolState is a copy of the ring indexes of a [Pool].
type PoolState struct {
	Submit  int
	Consume int
	Filled  int
}

// NewPool allocates count buffers of size bytes each. When alloc is nil, the
// pool maps its own [Arena] for the buffers and releases it together with the
// pool. When any allocation fails, everything allocated so far is released
// again and an error wrapping [ErrResourceExhausted] is returned.
func NewPool(dir Direction, size, count int, alloc Allocator) (_ *Pool, err error) {
	if err = CheckPoolCount(count); err != nil {
		return nil, err
	}
	if err = CheckBufferSize(size); err != nil {
		return nil, err
	}

	p := Pool{
		dir:    dir,
		size:   size,
		count:  count,
		bufs:   make([]Buffer, count),
		signal: make(chan struct{}, 1),
	}

	// Clean up allocated memory when an error occurs.
	defer func() {
		if err != nil {
			_ = p.Release()
		}
	}()

	if alloc == nil {
		if p.arena, err = NewArena(align(size, bufferAlignment) * count); err != nil {
			return nil, err
		}
		alloc = p.arena
	}

	for i := range p.bufs {
		mem, err := alloc.Alloc(size)
		if err != nil {
			if !errors.Is(err, ErrResourceExhausted) {
				err = fmt.Errorf("%w: %v", ErrResourceExhausted, err)
			}
			return nil, fmt.Errorf("allocate %s buffer %d of %d: %w", dir, i, count, err)
		}
		p.bufs[i].mem = mem
	}

	return &p, nil
}

// Direction returns the transfer direction the pool was created for.
func (p *Pool) Direction() Direction {
	return p.dir
}

// Size returns the size of every buffer in bytes.
func (p *Pool) Size() int {
	return p.size
}

// Count returns the number of buffers in the ring.
func (p *Pool) Count() int {
	return p.count
}

// Lock acquires the pool lock.
func (p *Pool) Lock() {
	p.mu.Lock()
}

// Unlock releases the pool lock.
func (p *Pool) Unlock() {
	p.mu.Unlock()
}

// FilledLocked returns the filled counter.
func (p *Pool) FilledLocked() int {
	return p.filled
}

// Filled returns the filled counter.
func (p *Pool) Filled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled
}

// Snapshot returns the current ring indexes.
func (p *Pool) Snapshot() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolState{Submit: p.submit, Consume: p.consume, Filled: p.filled}
}

// Slot returns the buffer at the given ring index.
func (p *Pool) Slot(i int) *Buffer {
	p.checkIndex(i)
	return &p.bufs[i]
}

// ConsumeSlotLocked returns the buffer at the consume index.
func (p *Pool) ConsumeSlotLocked() *Buffer {
	return &p.bufs[p.consume]
}

// ConsumeLocked gives the buffer at the consume index up and advances the
// consume index. The buffer must be submitted again with [Pool.SubmitNext].
func (p *Pool) ConsumeLocked() {
	if p.filled == 0 {
		panic(fmt.Sprintf("%s pool: consume with no filled buffer", p.dir))
	}
	p.filled--
	p.consume = p.next(p.consume)
}

// ReserveLocked takes the buffer at the submit index for the writer. The
// caller must make sure the ring is not full.
func (p *Pool) ReserveLocked() *Buffer {
	if p.filled >= p.count {
		panic(fmt.Sprintf("%s pool: reserve with all %d buffers in use", p.dir, p.count))
	}
	p.filled++
	b := &p.bufs[p.submit]
	b.fill = 0
	return b
}

// UnreserveLocked returns a buffer taken by [Pool.ReserveLocked] that could not
// be submitted.
func (p *Pool) UnreserveLocked() {
	if p.filled == 0 {
		panic(fmt.Sprintf("%s pool: unreserve with no reserved buffer", p.dir))
	}
	p.filled--
}

// SubmitNext hands the buffer at the submit index to the engine. Receive
// buffers are submitted with their full size, transmit buffers with their fill.
// done is called with the ring index and the number of bytes transferred once
// the engine completed the transfer. The submit index only advances when the
// engine accepted the buffer, so a failed submission can be retried with the
// same slot. Engine errors are returned unmodified.
func (p *Pool) SubmitNext(e Engine, done func(slot, actual int)) error {
	p.mu.Lock()
	slot := p.submit
	b := &p.bufs[slot]
	length := p.size
	if p.dir == Receive {
		b.reset(0)
	} else {
		length = b.fill
	}
	p.mu.Unlock()

	if err := e.Submit(p.dir, b.mem, length, func(actual int) { done(slot, actual) }); err != nil {
		return err
	}

	p.mu.Lock()
	p.submit = p.next(slot)
	p.mu.Unlock()
	return nil
}

// Complete records the completion of the transfer of the buffer at slot.
// For receive pools the buffer becomes readable with actual valid bytes and
// readers are signalled when the ring was empty before. For transmit pools the
// buffer is given back and a waiting writer is signalled when the ring was
// full before.
func (p *Pool) Complete(slot, actual int) {
	p.checkIndex(slot)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir == Receive {
		if p.filled >= p.count {
			panic(fmt.Sprintf("%s pool: completion of slot %d with all %d buffers filled", p.dir, slot, p.count))
		}
		if actual < 0 || actual > p.size {
			panic(fmt.Sprintf("%s pool: completion of slot %d with %d of %d bytes", p.dir, slot, actual, p.size))
		}
		p.bufs[slot].reset(actual)
		p.filled++
		if p.filled == 1 {
			p.Notify()
		}
		return
	}

	if p.filled == 0 {
		panic(fmt.Sprintf("%s pool: completion of slot %d with no buffer in flight", p.dir, slot))
	}
	wasFull := p.filled == p.count
	p.filled--
	p.consume = p.next(p.consume)
	if wasFull {
		p.Notify()
	}
}

// Notify wakes up one waiter, or the next one to wait when nobody is waiting
// right now. Repeated notifications without a waiter in between coalesce.
func (p *Pool) Notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Signal returns the channel a waiter blocks on. A receive from it does not
// guarantee any state change, waiters must check their condition again.
func (p *Pool) Signal() <-chan struct{} {
	return p.signal
}

// ClearSignal consumes a pending notification without blocking and reports
// whether there was one.
func (p *Pool) ClearSignal() bool {
	select {
	case <-p.signal:
		return true
	default:
		return false
	}
}

// Release frees every buffer of the pool. The engine must not hold any of the
// buffers anymore. Calling Release again does nothing.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil
	}
	p.released = true

	var errs []error
	for i := range p.bufs {
		if p.bufs[i].mem == nil {
			continue
		}
		if err := p.bufs[i].mem.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free %s buffer %d: %w", p.dir, i, err))
		}
		p.bufs[i].mem = nil
	}
	if p.arena != nil {
		if err := p.arena.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.submit, p.consume, p.filled = 0, 0, 0

	return errors.Join(errs...)
}

func (p *Pool) next(i int) int {
	return (i + 1) & (p.count - 1)
}

func (p *Pool) checkIndex(i int) {
	if i < 0 || i >= p.count {
		panic(fmt.Sprintf("%s pool: index %d out of range [0, %d)", p.dir, i, p.count))
	}
}
