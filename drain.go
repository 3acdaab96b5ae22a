package hpu

import (
	"context"

	"github.com/iit-edl/hpu/dma"
)

func (s *Stream) scheduleHousekeeping() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Stream) housekeeping(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.housekeep()
		}
	}
}

// housekeep empties the receive ring after an overflow, unless the reader
// already did.
func (s *Stream) housekeep() {
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()

	pool := s.rx.pool
	pool.Lock()
	state := s.fifo
	pool.Unlock()
	if state != fifoOverflow && state != fifoOverflowNotified {
		return
	}

	s.l.WithField("state", state).Debug("Draining receive ring")
	dropped := s.drainReceive()

	pool.Lock()
	switch s.fifo {
	case fifoOverflow:
		s.fifo = fifoDrained
		pool.Unlock()
		pool.Notify()
	case fifoOverflowNotified:
		s.rearmLocked()
		s.fifo = fifoStopped
		pool.Unlock()
	default:
		pool.Unlock()
	}

	s.l.WithField("dropped", dropped).Info("Receive ring drained")
}

// drainReceive drops every filled receive buffer and hands it back to the
// engine, one lost packet per buffer. The caller holds the receive mutex.
func (s *Stream) drainReceive() int {
	pool := s.rx.pool
	dropped := 0
	for {
		pool.Lock()
		if pool.FilledLocked() == 0 {
			pool.Unlock()
			return dropped
		}
		pool.ConsumeLocked()
		pool.Unlock()

		if err := pool.SubmitNext(s.engine, s.receiveDone); err != nil {
			s.l.WithError(err).Error("Failed to submit receive buffer while draining")
		}
		dropped++
		s.lost.Add(1)
		if err := s.engine.IssuePending(dma.Receive); err != nil {
			s.l.WithError(err).Error("Failed to issue receive buffer while draining")
		}
	}
}

// drainForShutdown keeps the ring moving while the peripheral waits for the
// core to end its last packet.
func (s *Stream) drainForShutdown() {
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()
	s.drainReceive()
}
