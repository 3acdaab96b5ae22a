package hpu

import (
	"fmt"
	"math"
	"time"

	"github.com/iit-edl/hpu/config"
	"github.com/iit-edl/hpu/dma"
)

// Unbounded is the blocking threshold that never returns early.
const Unbounded = -1

const (
	DefaultRxPoolSize  = 1024
	DefaultRxPoolCount = 1024
	DefaultTxPoolSize  = 4096
	DefaultTxPoolCount = 128
	DefaultTimeout     = 100 * time.Second

	// eventSize is one timestamp word followed by one address word.
	eventSize = 8
	wordSize  = 4
)

// StreamConfig holds everything [Open] needs to know about the rings. It is
// passed per stream, there are no process wide defaults besides
// [DefaultStreamConfig].
type StreamConfig struct {
	RxPoolSize  int
	RxPoolCount int
	// RxTimeout bounds every single wait of a read. Zero or less waits
	// forever.
	RxTimeout time.Duration
	// RxThreshold is the number of bytes after which a read returns instead
	// of waiting for more data, or [Unbounded].
	RxThreshold int

	TxEnabled   bool
	TxPoolSize  int
	TxPoolCount int
	TxTimeout   time.Duration
	TxThreshold int
	// TxTimestamps tells whether transmitted events carry a timestamp word,
	// which makes the transmit unit 8 instead of 4 bytes.
	TxTimestamps bool
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RxPoolSize:   DefaultRxPoolSize,
		RxPoolCount:  DefaultRxPoolCount,
		RxTimeout:    DefaultTimeout,
		RxThreshold:  Unbounded,
		TxEnabled:    true,
		TxPoolSize:   DefaultTxPoolSize,
		TxPoolCount:  DefaultTxPoolCount,
		TxTimeout:    DefaultTimeout,
		TxThreshold:  Unbounded,
		TxTimestamps: true,
	}
}

// NewStreamConfigFromConfig reads the rx and tx sections of c on top of
// [DefaultStreamConfig].
func NewStreamConfigFromConfig(c *config.C) (StreamConfig, error) {
	d := DefaultStreamConfig()
	sc := StreamConfig{
		RxPoolSize:   c.GetInt("rx.pool_size", d.RxPoolSize),
		RxPoolCount:  c.GetInt("rx.pool_count", d.RxPoolCount),
		RxTimeout:    c.GetDuration("rx.timeout", d.RxTimeout),
		RxThreshold:  c.GetInt("rx.blocking_threshold", d.RxThreshold),
		TxEnabled:    c.GetBool("tx.enabled", d.TxEnabled),
		TxPoolSize:   c.GetInt("tx.pool_size", d.TxPoolSize),
		TxPoolCount:  c.GetInt("tx.pool_count", d.TxPoolCount),
		TxTimeout:    c.GetDuration("tx.timeout", d.TxTimeout),
		TxThreshold:  c.GetInt("tx.blocking_threshold", d.TxThreshold),
		TxTimestamps: c.GetBool("tx.timestamps", d.TxTimestamps),
	}
	if err := sc.Validate(); err != nil {
		return StreamConfig{}, err
	}
	return sc, nil
}

// Validate checks the ring geometry and the thresholds.
func (sc StreamConfig) Validate() error {
	if err := dma.CheckPoolCount(sc.RxPoolCount); err != nil {
		return fmt.Errorf("rx.pool_count: %w", err)
	}
	if err := dma.CheckBufferSize(sc.RxPoolSize); err != nil {
		return fmt.Errorf("rx.pool_size: %w", err)
	}
	if err := checkThreshold(sc.RxThreshold); err != nil {
		return fmt.Errorf("rx.blocking_threshold: %w", err)
	}

	if !sc.TxEnabled {
		return nil
	}
	if err := dma.CheckPoolCount(sc.TxPoolCount); err != nil {
		return fmt.Errorf("tx.pool_count: %w", err)
	}
	if err := dma.CheckBufferSize(sc.TxPoolSize); err != nil {
		return fmt.Errorf("tx.pool_size: %w", err)
	}
	if sc.TxPoolSize%sc.txUnit() != 0 {
		return fmt.Errorf("tx.pool_size: %w: %d is not a multiple of %d", ErrInvalidArgument, sc.TxPoolSize, sc.txUnit())
	}
	if err := checkThreshold(sc.TxThreshold); err != nil {
		return fmt.Errorf("tx.blocking_threshold: %w", err)
	}
	return nil
}

func (sc StreamConfig) txUnit() int {
	if sc.TxTimestamps {
		return eventSize
	}
	return wordSize
}

func checkThreshold(t int) error {
	if t < Unbounded {
		return fmt.Errorf("%w: %d", ErrInvalidArgument, t)
	}
	return nil
}

// threshold turns a configured threshold into a byte count to compare with.
func threshold(t int) int {
	if t == Unbounded {
		return math.MaxInt
	}
	return t
}
