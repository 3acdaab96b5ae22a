package hpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iit-edl/hpu/dma"
	"github.com/sirupsen/logrus"
)

// Peripheral is the part of the control plane the stream drives.
//
// EnableReceive and DisableReceive are called with the receive ring lock held
// and must neither block for long nor call back into the stream. Shutdown
// stops every link of the core and calls drain while it waits for the core to
// finish its last transfer.
type Peripheral interface {
	EnableReceive()
	DisableReceive()
	Shutdown(drain func()) error
}

// direction holds the ring of one transfer direction and the settings that
// can change while the stream is open. mu serializes every read, every write
// and close per direction; it is held while blocking.
type direction struct {
	mu        sync.Mutex
	pool      *dma.Pool
	timeout   time.Duration
	threshold int
}

// Stream is an open event stream of the core. Read and Write may be called
// concurrently with each other, but concurrent reads (and concurrent writes)
// are serialized.
type Stream struct {
	l      *logrus.Logger
	engine dma.Engine
	periph Peripheral
	stats  *streamStats

	rx     direction
	tx     *direction
	txUnit int

	// Guarded by the receive ring lock.
	fifo  fifoState
	armed bool

	lost   atomic.Uint64
	closed atomic.Bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open allocates the rings, primes every receive buffer, starts the drain
// task and finally enables receive on the peripheral. On any error, whatever
// was set up is torn down again before returning.
//
// Remember to call [Stream.Close] after use.
func Open(l *logrus.Logger, cfg StreamConfig, engine dma.Engine, periph Peripheral, options ...Option) (_ *Stream, err error) {
	opts := optionDefaults
	opts.apply(options)

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	s := &Stream{
		l:      l,
		engine: engine,
		periph: periph,
		stats:  newStreamStats(opts.registry, opts.prefix),
		txUnit: cfg.txUnit(),
		fifo:   fifoOK,
		kick:   make(chan struct{}, 1),
	}
	s.rx.timeout = cfg.RxTimeout
	s.rx.threshold = threshold(cfg.RxThreshold)

	// Give back what was allocated when something fails.
	var primed bool
	defer func() {
		if err == nil {
			return
		}
		if primed {
			if terr := engine.Terminate(dma.Receive); terr != nil {
				l.WithError(terr).Error("Failed to terminate receive transfers")
			}
		}
		if rerr := s.releasePools(); rerr != nil {
			l.WithError(rerr).Error("Failed to release rings")
		}
	}()

	if cfg.TxEnabled {
		s.tx = &direction{
			timeout:   cfg.TxTimeout,
			threshold: threshold(cfg.TxThreshold),
		}
		if s.tx.pool, err = dma.NewPool(dma.Transmit, cfg.TxPoolSize, cfg.TxPoolCount, opts.allocator); err != nil {
			return nil, fmt.Errorf("allocate transmit ring: %w", err)
		}
	}

	if s.rx.pool, err = dma.NewPool(dma.Receive, cfg.RxPoolSize, cfg.RxPoolCount, opts.allocator); err != nil {
		return nil, fmt.Errorf("allocate receive ring: %w", err)
	}

	primed = true
	for i := 0; i < s.rx.pool.Count(); i++ {
		if err = s.rx.pool.SubmitNext(engine, s.receiveDone); err != nil {
			return nil, fmt.Errorf("submit receive buffer %d: %w", i, err)
		}
	}
	if err = engine.IssuePending(dma.Receive); err != nil {
		return nil, fmt.Errorf("issue receive buffers: %w", err)
	}

	registerLostGauge(opts.registry, opts.prefix, s)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.housekeeping(ctx)

	s.rx.pool.Lock()
	s.rearmLocked()
	s.rx.pool.Unlock()

	l.WithField("rx", fmt.Sprintf("%dx%d", cfg.RxPoolCount, cfg.RxPoolSize)).
		WithField("tx", txGeometry(cfg)).
		Info("Stream opened")

	return s, nil
}

func txGeometry(cfg StreamConfig) string {
	if !cfg.TxEnabled {
		return "disabled"
	}
	return fmt.Sprintf("%dx%d", cfg.TxPoolCount, cfg.TxPoolSize)
}

// Close stops the peripheral, waits for the drain task, aborts all transfers
// and releases the rings. Blocked reads and writes return [ErrClosed]. Calling
// Close again does nothing.
func (s *Stream) Close() error {
	if !s.markClosed() {
		return nil
	}

	var errs []error
	if err := s.periph.Shutdown(s.drainForShutdown); err != nil {
		errs = append(errs, fmt.Errorf("shutdown peripheral: %w", err))
	}

	s.cancel()
	s.wg.Wait()

	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()
	if s.tx != nil {
		s.tx.mu.Lock()
		defer s.tx.mu.Unlock()
	}

	if err := s.engine.Terminate(dma.Receive); err != nil {
		errs = append(errs, fmt.Errorf("terminate receive transfers: %w", err))
	}
	if s.tx != nil {
		if err := s.engine.Terminate(dma.Transmit); err != nil {
			errs = append(errs, fmt.Errorf("terminate transmit transfers: %w", err))
		}
	}

	if err := s.releasePools(); err != nil {
		errs = append(errs, err)
	}

	s.l.WithField("lost", s.LostPackets()).Info("Stream closed")
	return errors.Join(errs...)
}

// markClosed flips the closed flag under the ring locks, so a waiter that
// checked the flag under the lock is guaranteed to see the wake up that
// follows. It reports whether this call closed the stream.
func (s *Stream) markClosed() bool {
	s.rx.pool.Lock()
	if s.closed.Load() {
		s.rx.pool.Unlock()
		return false
	}
	s.closed.Store(true)
	s.rx.pool.Unlock()
	s.rx.pool.Notify()

	if s.tx != nil {
		// Writers check the flag under the transmit ring lock.
		s.tx.pool.Lock()
		s.tx.pool.Unlock()
		s.tx.pool.Notify()
	}
	return true
}

func (s *Stream) releasePools() error {
	var errs []error
	if s.rx.pool != nil {
		errs = append(errs, s.rx.pool.Release())
	}
	if s.tx != nil && s.tx.pool != nil {
		errs = append(errs, s.tx.pool.Release())
	}
	return errors.Join(errs...)
}

// SetReceiveThreshold changes the receive blocking threshold. It waits for a
// running read to return.
func (s *Stream) SetReceiveThreshold(t int) error {
	if err := checkThreshold(t); err != nil {
		return err
	}
	s.rx.mu.Lock()
	s.rx.threshold = threshold(t)
	s.rx.mu.Unlock()
	return nil
}

// SetTransmitThreshold changes the transmit blocking threshold. It waits for
// a running write to return.
func (s *Stream) SetTransmitThreshold(t int) error {
	if s.tx == nil {
		return ErrTxDisabled
	}
	if err := checkThreshold(t); err != nil {
		return err
	}
	s.tx.mu.Lock()
	s.tx.threshold = threshold(t)
	s.tx.mu.Unlock()
	return nil
}

// SetTimeouts changes how long a single wait for buffers may take.
func (s *Stream) SetTimeouts(rx, tx time.Duration) {
	s.rx.mu.Lock()
	s.rx.timeout = rx
	s.rx.mu.Unlock()

	if s.tx != nil {
		s.tx.mu.Lock()
		s.tx.timeout = tx
		s.tx.mu.Unlock()
	}
}

// RxPoolSize returns the size of one receive buffer, which is the largest
// packet the core delivers.
func (s *Stream) RxPoolSize() int {
	return s.rx.pool.Size()
}

// RxPoolCount returns the number of receive buffers.
func (s *Stream) RxPoolCount() int {
	return s.rx.pool.Count()
}

// TxPoolSize returns the size of one transmit buffer, or 0 when transmit is
// disabled.
func (s *Stream) TxPoolSize() int {
	if s.tx == nil {
		return 0
	}
	return s.tx.pool.Size()
}

// LostPackets returns the number of receive packets dropped to recover from
// FIFO overflows since the stream was opened.
func (s *Stream) LostPackets() uint64 {
	return s.lost.Load()
}

// TakeLostPackets returns the number of lost packets and resets the counter.
func (s *Stream) TakeLostPackets() uint64 {
	return s.lost.Swap(0)
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		RxPackets:         s.stats.rxPackets.Count(),
		RxBytes:           s.stats.rxBytes.Count(),
		EarlyTerminators:  s.stats.earlyTerminators.Count(),
		Lost:              int64(s.LostPackets()),
		FifoFull:          s.stats.fifoFull.Count(),
		FifoFullCoalesced: s.stats.fifoFullCoalesced.Count(),
		RxTimeouts:        s.stats.rxTimeouts.Count(),
		TxPackets:         s.stats.txPackets.Count(),
		TxBytes:           s.stats.txBytes.Count(),
		TxTimeouts:        s.stats.txTimeouts.Count(),
		Interrupts:        s.stats.irqs.Count(),
	}
}

// wait blocks until the ring signals or the timeout passed.
func wait(pool *dma.Pool, timeout time.Duration) error {
	if timeout <= 0 {
		<-pool.Signal()
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-pool.Signal():
		return nil
	case <-t.C:
		return ErrTimeout
	}
}
