package hpu

import "fmt"

// fifoState tracks the recovery from a receive FIFO overflow. It is only read
// and written with the receive ring lock held.
//
//	OK -> OVERFLOW -> OVERFLOW_NOTIFIED -> STOPPED -> OK
//	         \-> DRAINED -> STOPPED
//
// OVERFLOW_NOTIFIED means the reader already reported the overflow, DRAINED
// means the drain task emptied the ring before the reader noticed.
type fifoState int

const (
	fifoOK fifoState = iota
	fifoOverflow
	fifoOverflowNotified
	fifoDrained
	fifoStopped
)

func (s fifoState) String() string {
	switch s {
	case fifoOK:
		return "ok"
	case fifoOverflow:
		return "overflow"
	case fifoOverflowNotified:
		return "overflow_notified"
	case fifoDrained:
		return "drained"
	case fifoStopped:
		return "stopped"
	default:
		return fmt.Sprintf("fifoState(%d)", int(s))
	}
}

type overflowAction int

const (
	overflowNone overflowAction = iota
	overflowFail
	overflowDrain
)

// readerOverflowLocked advances the overflow recovery as seen by a reader and
// tells it what to do.
func (s *Stream) readerOverflowLocked() overflowAction {
	switch s.fifo {
	case fifoOverflow:
		s.fifo = fifoOverflowNotified
		return overflowFail

	case fifoDrained:
		s.fifo = fifoStopped
		s.rearmLocked()
		return overflowFail

	case fifoOverflowNotified:
		return overflowDrain

	case fifoStopped:
		s.rearmLocked()
		s.fifo = fifoOK
	}
	return overflowNone
}

// rearmLocked enables receive on the peripheral again unless it already is
// or the stream is closing.
func (s *Stream) rearmLocked() {
	if s.armed || s.closed.Load() {
		return
	}
	s.periph.EnableReceive()
	s.armed = true
}

// NotifyFifoFull is the receive FIFO full interrupt. The first notification
// switches receive off, schedules the drain task and wakes a blocked reader.
// Notifications arriving while a recovery is in progress are only counted.
func (s *Stream) NotifyFifoFull() {
	pool := s.rx.pool
	pool.Lock()
	if s.closed.Load() {
		pool.Unlock()
		return
	}
	if s.fifo != fifoOK {
		state := s.fifo
		pool.Unlock()
		s.stats.fifoFullCoalesced.Inc(1)
		s.l.WithField("state", state).Debug("Receive FIFO full during recovery")
		return
	}

	s.fifo = fifoOverflow
	s.periph.DisableReceive()
	s.armed = false
	pool.Unlock()

	s.stats.fifoFull.Inc(1)
	s.l.Info("Receive FIFO full, receive disabled until the ring is drained")

	s.scheduleHousekeeping()
	pool.Notify()
}
