//go:build unix

package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Map is a [Bus] over a register window mapped from a device file, such as
// the UIO node of the core.
type Map struct {
	f   *os.File
	mem []byte
}

// OpenMap maps size bytes of the given device file.
func OpenMap(path string, size int) (_ *Map, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open register window: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map register window of %d bytes: %w", size, err)
	}

	return &Map{f: f, mem: mem}, nil
}

func (m *Map) reg(offset uint32) *uint32 {
	if int(offset)+4 > len(m.mem) || offset%4 != 0 {
		panic(fmt.Sprintf("register offset 0x%x outside window of %d bytes", offset, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[offset]))
}

func (m *Map) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(m.reg(offset))
}

func (m *Map) Write32(offset uint32, value uint32) {
	atomic.StoreUint32(m.reg(offset), value)
}

// Close unmaps the window and closes the device file.
func (m *Map) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
