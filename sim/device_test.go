package sim

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/iit-edl/hpu/dma"
	"github.com/iit-edl/hpu/regs"
	"github.com/iit-edl/hpu/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	d, err := New(cfg, test.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, d.Close()) })
	return d
}

func newMem(t *testing.T, size int) dma.Mem {
	t.Helper()
	a, err := dma.NewArena(size)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	m, err := a.Alloc(size)
	require.NoError(t, err)
	return m
}

// start enables DMA, interrupts and one receive link.
func start(d *Device) {
	d.Write32(regs.RxCtrl, regs.RxPAER)
	d.Write32(regs.IRQMask, regs.IRQRxFIFOFull)
	d.Write32(regs.Ctrl, regs.CtrlEnableDMA|regs.CtrlEnableIRQ)
}

func submit(t *testing.T, d *Device, dir dma.Direction, mem dma.Mem, length int) <-chan int {
	t.Helper()
	done := make(chan int, 1)
	require.NoError(t, d.Submit(dir, mem, length, func(actual int) { done <- actual }))
	require.NoError(t, d.IssuePending(dir))
	return done
}

func wait(t *testing.T, c <-chan int) int {
	t.Helper()
	select {
	case n := <-c:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete")
		return 0
	}
}

func TestDevice_Registers(t *testing.T) {
	d := newDevice(t, Config{})

	assert.Equal(t, uint32(regs.VersionMagic), d.Read32(regs.Version))
	d.Write32(regs.Version, 0)
	assert.Equal(t, uint32(regs.VersionMagic), d.Read32(regs.Version))

	assert.Zero(t, d.Read32(regs.Ctrl)&regs.CtrlDMARunning)
	d.Write32(regs.Ctrl, regs.CtrlEnableDMA|regs.CtrlFlushRxFIFO)
	assert.Equal(t, uint32(regs.CtrlEnableDMA|regs.CtrlDMARunning), d.Read32(regs.Ctrl))

	d.RaiseIRQ(regs.IRQTimestampWrap | regs.IRQRxBufferReady)
	d.Write32(regs.IRQ, regs.IRQTimestampWrap)
	assert.Equal(t, uint32(regs.IRQRxBufferReady), d.Read32(regs.IRQ))

	assert.Panics(t, func() { d.Read32(regs.WindowSize) })
}

func TestDevice_NearLoopback(t *testing.T) {
	d := newDevice(t, Config{})
	start(d)
	d.Write32(regs.Ctrl, regs.CtrlEnableDMA|regs.CtrlEnableIRQ|regs.CtrlLoopNear)

	rxMem := newMem(t, 32)
	rx := submit(t, d, dma.Receive, rxMem, 32)

	txMem := newMem(t, 16)
	binary.NativeEndian.PutUint32(txMem.Bytes()[0:], 100)
	binary.NativeEndian.PutUint32(txMem.Bytes()[4:], 0xabc)
	tx := submit(t, d, dma.Transmit, txMem, 8)

	assert.Equal(t, 8, wait(t, tx))
	n := wait(t, rx)
	require.Equal(t, 12, n, "short packet carries the early terminator")
	assert.Equal(t, uint32(100), binary.NativeEndian.Uint32(rxMem.Bytes()[0:]))
	assert.Equal(t, uint32(0xabc), binary.NativeEndian.Uint32(rxMem.Bytes()[4:]))
	assert.Equal(t, uint32(EarlyTerminatorMagic), binary.NativeEndian.Uint32(rxMem.Bytes()[8:]))
	assert.Equal(t, uint64(8), d.Transmitted())
}

func TestDevice_ReceiveSplitsPackets(t *testing.T) {
	d := newDevice(t, Config{})
	start(d)

	data := make([]byte, 24)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.Inject(data))

	m1 := newMem(t, 16)
	m2 := newMem(t, 16)
	first := submit(t, d, dma.Receive, m1, 16)
	second := submit(t, d, dma.Receive, m2, 16)

	assert.Equal(t, 16, wait(t, first))
	assert.Equal(t, data[:16], m1.Bytes())
	assert.Equal(t, 12, wait(t, second))
	assert.Equal(t, data[16:], m2.Bytes()[:8])
	assert.Zero(t, d.FIFOLen())
}

func TestDevice_DisabledLinksDropData(t *testing.T) {
	d := newDevice(t, Config{})
	d.Write32(regs.Ctrl, regs.CtrlEnableDMA)

	require.NoError(t, d.Inject(make([]byte, 8)))
	assert.Zero(t, d.FIFOLen())
	assert.Error(t, d.Inject(make([]byte, 6)))
}

func TestDevice_Overflow(t *testing.T) {
	d := newDevice(t, Config{FIFODepth: 16})
	irq := make(chan struct{}, 4)
	d.OnInterrupt(func() { irq <- struct{}{} })
	start(d)

	require.NoError(t, d.Inject(make([]byte, 24)))
	select {
	case <-irq:
	case <-time.After(5 * time.Second):
		t.Fatal("no interrupt")
	}
	assert.Equal(t, 16, d.FIFOLen())
	assert.Equal(t, uint64(1), d.Overflows())
	assert.Equal(t, uint32(regs.IRQRxFIFOFull), d.Read32(regs.IRQ))

	// Masked overflows still count but do not interrupt.
	d.Write32(regs.IRQMask, 0)
	d.Write32(regs.IRQ, regs.IRQRxFIFOFull)
	require.NoError(t, d.Inject(make([]byte, 8)))
	assert.Equal(t, uint64(2), d.Overflows())

	// Unmasking a pending interrupt raises it.
	d.Write32(regs.IRQMask, regs.IRQRxFIFOFull)
	select {
	case <-irq:
	case <-time.After(5 * time.Second):
		t.Fatal("no interrupt after unmask")
	}

	d.Write32(regs.Ctrl, regs.CtrlEnableDMA|regs.CtrlEnableIRQ|regs.CtrlFlushRxFIFO)
	assert.Zero(t, d.FIFOLen())
}

func TestDevice_Terminate(t *testing.T) {
	d := newDevice(t, Config{})
	start(d)

	m := newMem(t, 16)
	done := submit(t, d, dma.Receive, m, 16)
	require.NoError(t, d.Terminate(dma.Receive))

	require.NoError(t, d.Inject(make([]byte, 8)))
	select {
	case <-done:
		t.Fatal("terminated transfer completed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 8, d.FIFOLen())
}

func TestDevice_SubmitErrors(t *testing.T) {
	d, err := New(Config{Descriptors: 1}, test.NewLogger())
	require.NoError(t, err)

	m := newMem(t, 16)
	require.NoError(t, d.Submit(dma.Receive, m, 16, func(int) {}))
	assert.ErrorIs(t, d.Submit(dma.Receive, m, 16, func(int) {}), dma.ErrResourceExhausted)
	assert.Error(t, d.Submit(dma.Transmit, m, 17, func(int) {}))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Submit(dma.Transmit, m, 8, func(int) {}), dma.ErrDeviceBusy)
	assert.ErrorIs(t, d.IssuePending(dma.Transmit), dma.ErrDeviceBusy)
	assert.ErrorIs(t, d.Inject(make([]byte, 4)), ErrClosed)
}
