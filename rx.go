package hpu

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/iit-edl/hpu/dma"
)

// EarlyTerminatorMagic is the padding word the core puts in front of an early
// end of packet.
const EarlyTerminatorMagic = 0xf0cacc1a

// Read fills p with received events. It blocks until len(p) bytes were read,
// the receive threshold was reached with no more data buffered, or the
// receive timeout expired. Errors are returned together with the number of
// bytes read before the error.
func (s *Stream) Read(p []byte) (int, error) {
	return s.read(len(p), func(src []byte, off int) (int, error) {
		return copy(p[off:], src), nil
	})
}

// ReadTo is like Read but hands at most n bytes straight from the receive
// buffers to w. A short write of w ends the call; it only returns an error
// when nothing was delivered.
func (s *Stream) ReadTo(w io.Writer, n int) (int, error) {
	return s.read(n, func(src []byte, _ int) (int, error) {
		return w.Write(src)
	})
}

func (s *Stream) read(n int, deliver func(src []byte, off int) (int, error)) (read int, err error) {
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()

	if s.closed.Load() {
		return 0, ErrClosed
	}

	pool := s.rx.pool
	for read < n {
		pool.Lock()
		if s.closed.Load() {
			pool.Unlock()
			return read, ErrClosed
		}

		switch s.readerOverflowLocked() {
		case overflowFail:
			pool.Unlock()
			return read, ErrFifoOverflow
		case overflowDrain:
			pool.Unlock()
			s.drainReceive()
			pool.Lock()
			s.fifo = fifoStopped
			s.rearmLocked()
			pool.Unlock()
			continue
		}

		if pool.FilledLocked() == 0 {
			// Completions notify under the pool lock, so a leftover
			// notification from an earlier wait can be dropped here.
			pool.ClearSignal()
			pool.Unlock()
			if read >= s.rx.threshold {
				break
			}

			s.l.WithField("read", read).Debug("Waiting for receive data")
			if err := wait(pool, s.rx.timeout); err != nil {
				s.stats.rxTimeouts.Inc(1)
				s.l.WithField("read", read).WithField("timeout", s.rx.timeout).Error("Read timed out")
				return read, err
			}
			continue
		}

		b := pool.ConsumeSlotLocked()
		pool.Unlock()

		src := b.Unread()
		if len(src) > n-read {
			src = src[:n-read]
		}
		copied, derr := deliver(src, read)
		read += copied

		if b.Advance(copied) {
			pool.Lock()
			pool.ConsumeLocked()
			pool.Unlock()
			s.resubmitReceive()
		}

		if derr != nil || copied < len(src) {
			if read > 0 {
				return read, nil
			}
			if derr == nil {
				derr = io.ErrShortWrite
			}
			return 0, derr
		}
	}

	return read, nil
}

// resubmitReceive hands the next free buffer back to the engine. A failed
// submission is logged only, the slot is retried with the next one.
func (s *Stream) resubmitReceive() {
	if err := s.rx.pool.SubmitNext(s.engine, s.receiveDone); err != nil {
		s.l.WithError(err).Error("Failed to submit receive buffer")
		return
	}
	if err := s.engine.IssuePending(dma.Receive); err != nil {
		s.l.WithError(err).Error("Failed to issue receive buffer")
	}
}

// receiveDone is called by the engine when a receive buffer was filled.
func (s *Stream) receiveDone(slot, actual int) {
	b := s.rx.pool.Slot(slot)

	// An odd number of words means the core closed the packet early and
	// padded it with a magic word.
	if (actual/wordSize)%2 == 1 {
		actual -= wordSize
		s.stats.earlyTerminators.Inc(1)
		if w := binary.NativeEndian.Uint32(b.Bytes()[actual:]); w != EarlyTerminatorMagic {
			s.l.WithField("word", fmt.Sprintf("0x%08x", w)).Error("Got early terminator, but no magic word")
		}
	}

	s.stats.rxPackets.Inc(1)
	s.stats.rxBytes.Inc(int64(actual))
	s.rx.pool.Complete(slot, actual)
}
