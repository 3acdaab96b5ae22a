package dma

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	dir    Direction
	mem    Mem
	length int
	done   func(actual int)
}

// recordingEngine keeps every submission so the test can complete them in
// order.
type recordingEngine struct {
	submitted []submission
	err       error
}

func (e *recordingEngine) Submit(dir Direction, mem Mem, length int, done func(actual int)) error {
	if e.err != nil {
		return e.err
	}
	e.submitted = append(e.submitted, submission{dir: dir, mem: mem, length: length, done: done})
	return nil
}

func (e *recordingEngine) IssuePending(Direction) error { return nil }
func (e *recordingEngine) Terminate(Direction) error    { return nil }

func (e *recordingEngine) completeNext(actual int) submission {
	s := e.submitted[0]
	e.submitted = e.submitted[1:]
	s.done(actual)
	return s
}

type failingAllocator struct {
	inner Allocator
	left  int
	freed int
}

func (a *failingAllocator) Alloc(size int) (Mem, error) {
	if a.left == 0 {
		return nil, errors.New("out of descriptors")
	}
	a.left--
	m, err := a.inner.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &countingMem{Mem: m, a: a}, nil
}

type countingMem struct {
	Mem
	a *failingAllocator
}

func (m *countingMem) Free() error {
	m.a.freed++
	return m.Mem.Free()
}

func TestNewPool(t *testing.T) {
	p, err := NewPool(Receive, 64, 8, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	assert.Equal(t, Receive, p.Direction())
	assert.Equal(t, 64, p.Size())
	assert.Equal(t, 8, p.Count())
	assert.Equal(t, PoolState{}, p.Snapshot())

	addrs := map[uintptr]struct{}{}
	for i := 0; i < p.Count(); i++ {
		b := p.Slot(i)
		assert.Equal(t, 64, b.Cap())
		addrs[b.Addr()] = struct{}{}
	}
	assert.Len(t, addrs, 8)
}

func TestNewPool_Invalid(t *testing.T) {
	_, err := NewPool(Receive, 64, 3, nil)
	assert.ErrorIs(t, err, ErrPoolSizeInvalid)

	_, err = NewPool(Transmit, 10, 4, nil)
	assert.ErrorIs(t, err, ErrPoolSizeInvalid)
}

func TestNewPool_AllocationFailure(t *testing.T) {
	arena, err := NewArena(1024)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, arena.Close()) })

	alloc := &failingAllocator{inner: arena, left: 3}
	_, err = NewPool(Receive, 16, 8, alloc)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 3, alloc.freed)

	// Everything was given back, so the arena starts over.
	assert.Equal(t, 1024, arena.Available())
}

func TestPool_Release(t *testing.T) {
	p, err := NewPool(Transmit, 16, 2, nil)
	require.NoError(t, err)

	assert.NoError(t, p.Release())
	assert.NoError(t, p.Release())
}

func TestPool_ReceiveRing(t *testing.T) {
	p, err := NewPool(Receive, 16, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	e := &recordingEngine{}
	var completed []int
	done := func(slot, actual int) {
		completed = append(completed, slot)
		p.Complete(slot, actual)
	}

	for i := 0; i < p.Count(); i++ {
		require.NoError(t, p.SubmitNext(e, done))
	}
	require.Len(t, e.submitted, 4)
	for _, s := range e.submitted {
		assert.Equal(t, Receive, s.dir)
		assert.Equal(t, 16, s.length)
	}
	assert.Equal(t, PoolState{Submit: 0, Consume: 0, Filled: 0}, p.Snapshot())

	assert.False(t, p.ClearSignal())
	copy(e.submitted[0].mem.Bytes(), "hello world!")
	e.completeNext(12)
	assert.True(t, p.ClearSignal(), "reader must be signalled on the first filled buffer")

	e.completeNext(16)
	assert.False(t, p.ClearSignal(), "no signal when the ring was not empty")
	assert.Equal(t, []int{0, 1}, completed)

	p.Lock()
	assert.Equal(t, 2, p.FilledLocked())
	b := p.ConsumeSlotLocked()
	p.Unlock()

	assert.Equal(t, []byte("hello world!"), b.Unread())
	assert.False(t, b.Advance(5))
	assert.Equal(t, []byte(" world!"), b.Unread())
	assert.True(t, b.Advance(7))

	p.Lock()
	p.ConsumeLocked()
	p.Unlock()
	require.NoError(t, p.SubmitNext(e, done))
	assert.Equal(t, PoolState{Submit: 1, Consume: 1, Filled: 1}, p.Snapshot())

	// Slot 0 was resubmitted with its cursors reset.
	assert.Equal(t, 0, p.Slot(0).Head())
	assert.Equal(t, 0, p.Slot(0).Tail())
}

func TestPool_SubmitError(t *testing.T) {
	p, err := NewPool(Receive, 16, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	e := &recordingEngine{err: ErrDeviceBusy}
	err = p.SubmitNext(e, func(int, int) {})
	assert.Equal(t, ErrDeviceBusy, err)
	assert.Equal(t, 0, p.Snapshot().Submit)
}

func TestPool_TransmitRing(t *testing.T) {
	p, err := NewPool(Transmit, 16, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	e := &recordingEngine{}
	done := func(slot, actual int) { p.Complete(slot, actual) }

	for i := 0; i < 2; i++ {
		p.Lock()
		b := p.ReserveLocked()
		p.Unlock()
		n := copy(b.Bytes(), "01234567")
		b.SetFill(n)
		require.NoError(t, p.SubmitNext(e, done))
	}
	assert.Equal(t, 2, p.Filled())
	assert.Equal(t, 8, e.submitted[0].length)

	p.Lock()
	assert.Panics(t, func() { p.ReserveLocked() })
	p.Unlock()

	e.completeNext(8)
	assert.True(t, p.ClearSignal(), "writer must be signalled when the ring was full")
	e.completeNext(8)
	assert.False(t, p.ClearSignal())
	assert.Equal(t, PoolState{Submit: 0, Consume: 0, Filled: 0}, p.Snapshot())
}

func TestPool_Unreserve(t *testing.T) {
	p, err := NewPool(Transmit, 16, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	p.Lock()
	p.ReserveLocked()
	p.UnreserveLocked()
	assert.Equal(t, 0, p.FilledLocked())
	assert.Panics(t, func() { p.UnreserveLocked() })
	p.Unlock()
}

func TestPool_InvariantViolations(t *testing.T) {
	p, err := NewPool(Receive, 16, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	assert.Panics(t, func() { p.Slot(2) })
	assert.Panics(t, func() { p.Slot(-1) })
	assert.Panics(t, func() { p.Complete(0, 17) })

	p.Complete(0, 4)
	p.Complete(1, 4)
	assert.Panics(t, func() { p.Complete(0, 4) }, "filled must never exceed the count")

	p.Lock()
	p.ConsumeLocked()
	p.ConsumeLocked()
	assert.Panics(t, func() { p.ConsumeLocked() })
	p.Unlock()
}

// A seeded random mix of completions, partial reads and resubmissions keeps
// every index in range, never loses a buffer and hands slots to the reader in
// completion order.
func TestPool_IndexesStayInRange(t *testing.T) {
	const count, size = 4, 16
	p, err := NewPool(Receive, size, count, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Release()) })

	var completed []int
	e := &recordingEngine{}
	done := func(slot, actual int) {
		completed = append(completed, slot)
		p.Complete(slot, actual)
	}
	for i := 0; i < count; i++ {
		require.NoError(t, p.SubmitNext(e, done))
	}

	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 5000; i++ {
		switch r.IntN(2) {
		case 0:
			if len(e.submitted) > 0 {
				e.completeNext(1 + r.IntN(size))
			}

		default:
			p.Lock()
			if p.FilledLocked() == 0 {
				p.Unlock()
				break
			}
			consume := p.consume
			b := p.ConsumeSlotLocked()
			p.Unlock()
			require.Equal(t, completed[0], consume, "step %d", i)

			if b.Advance(1 + r.IntN(len(b.Unread()))) {
				p.Lock()
				p.ConsumeLocked()
				p.Unlock()
				completed = completed[1:]
				require.NoError(t, p.SubmitNext(e, done))
			}
		}

		s := p.Snapshot()
		require.GreaterOrEqual(t, s.Submit, 0)
		require.Less(t, s.Submit, count)
		require.GreaterOrEqual(t, s.Consume, 0)
		require.Less(t, s.Consume, count)
		require.GreaterOrEqual(t, s.Filled, 0)
		require.LessOrEqual(t, s.Filled, count)
		require.Equal(t, count, s.Filled+len(e.submitted), "step %d: a buffer went missing", i)
		require.Len(t, completed, s.Filled)
	}
}
