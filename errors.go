package hpu

import (
	"errors"
	"fmt"

	"github.com/iit-edl/hpu/dma"
)

var (
	// ErrTimeout is returned when a blocking read or write waited longer than
	// the configured timeout. The stream stays usable.
	ErrTimeout = errors.New("timed out waiting for buffers")

	// ErrFifoOverflow is returned once per receive FIFO overflow episode. It
	// wraps [dma.ErrResourceExhausted]. The next read recovers.
	ErrFifoOverflow = fmt.Errorf("receive fifo overflow: %w", dma.ErrResourceExhausted)

	// ErrInvalidArgument is returned for malformed requests and configuration.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("stream is closed")

	// ErrTxDisabled is returned by Write when the stream has no transmit
	// direction.
	ErrTxDisabled = errors.New("transmit is disabled")
)
