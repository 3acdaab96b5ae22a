package hpu

import (
	"fmt"

	"github.com/iit-edl/hpu/dma"
)

// Write transmits p in chunks of at most one transmit buffer. The length must
// be a multiple of the transmit unit, which is one event of 8 bytes, or 4 when
// transmit timestamps are off. Write blocks while all transmit buffers are in
// flight, until the transmit threshold was reached or the transmit timeout
// expired. A chunk is either submitted completely or not at all, so the
// returned count always ends on a chunk boundary.
func (s *Stream) Write(p []byte) (int, error) {
	if s.tx == nil {
		return 0, ErrTxDisabled
	}
	if len(p)%s.txUnit != 0 {
		return 0, fmt.Errorf("%w: write of %d bytes is not a multiple of %d", ErrInvalidArgument, len(p), s.txUnit)
	}

	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	if s.closed.Load() {
		return 0, ErrClosed
	}

	pool := s.tx.pool
	batch := max(pool.Count()/2, 1)
	pending := 0
	flush := func() {
		if pending == 0 {
			return
		}
		pending = 0
		if err := s.engine.IssuePending(dma.Transmit); err != nil {
			s.l.WithError(err).Error("Failed to issue transmit buffers")
		}
	}
	defer flush()

	written := 0
	for written < len(p) {
		pool.Lock()
		if s.closed.Load() {
			pool.Unlock()
			return written, ErrClosed
		}

		if pool.FilledLocked() == pool.Count() {
			pool.ClearSignal()
			pool.Unlock()
			if written >= s.tx.threshold {
				break
			}

			// Buffers still waiting for the doorbell would never complete.
			flush()
			s.l.WithField("written", written).Debug("Waiting for transmit buffers")
			if err := wait(pool, s.tx.timeout); err != nil {
				s.stats.txTimeouts.Inc(1)
				s.l.WithField("written", written).WithField("timeout", s.tx.timeout).Error("Write timed out")
				return written, err
			}
			continue
		}

		b := pool.ReserveLocked()
		pool.Unlock()

		chunk := min(len(p)-written, pool.Size())
		b.SetFill(copy(b.Bytes(), p[written:written+chunk]))

		if err := pool.SubmitNext(s.engine, s.transmitDone); err != nil {
			pool.Lock()
			pool.UnreserveLocked()
			pool.Unlock()
			s.l.WithError(err).Error("Failed to submit transmit buffer")
			return written, fmt.Errorf("submit transmit buffer: %w", err)
		}

		written += chunk
		pending++
		if pending >= batch {
			flush()
		}
	}

	return written, nil
}

// transmitDone is called by the engine when a transmit buffer was sent.
func (s *Stream) transmitDone(slot, actual int) {
	s.stats.txPackets.Inc(1)
	s.stats.txBytes.Inc(int64(actual))
	s.tx.pool.Complete(slot, actual)
}
