//go:build unix

package dma

import (
	"golang.org/x/sys/unix"
)

// mapRegion maps anonymous memory so the garbage collector never moves or
// collects a region the engine may still be writing to.
func mapRegion(size int) ([]byte, func([]byte) error, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	return buf, unix.Munmap, nil
}
