package dma

import (
	"errors"
	"fmt"
)

// ErrPoolSizeInvalid is returned when a pool geometry is invalid.
var ErrPoolSizeInvalid = errors.New("pool size is invalid")

// MaxPoolCount is the largest number of buffers a single [Pool] may hold.
const MaxPoolCount = 32768

// CheckPoolCount checks if the given value would be a valid number of buffers
// for a [Pool] and returns an [ErrPoolSizeInvalid], if not.
func CheckPoolCount(count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: count %d is too small", ErrPoolSizeInvalid, count)
	}

	// Ring indexes wrap with (i + 1) & (count - 1), which only works for powers
	// of 2.
	if count&(count-1) != 0 {
		return fmt.Errorf("%w: count %d is not a power of 2", ErrPoolSizeInvalid, count)
	}

	if count > MaxPoolCount {
		return fmt.Errorf("%w: count %d is larger than the maximum %d",
			ErrPoolSizeInvalid, count, MaxPoolCount)
	}

	return nil
}

// CheckBufferSize checks if the given value would be a valid buffer size for a
// [Pool]. Transfers move whole 32-bit words, so the size must be a positive
// multiple of 4.
func CheckBufferSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: buffer size %d is too small", ErrPoolSizeInvalid, size)
	}
	if size%4 != 0 {
		return fmt.Errorf("%w: buffer size %d is not a multiple of 4", ErrPoolSizeInvalid, size)
	}
	return nil
}
