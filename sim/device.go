// Package sim is a software model of the HPU core. A [Device] is both the
// register window of the core and the scatter-gather engine moving events
// between the core and host memory, so a stream can run without hardware.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/iit-edl/hpu/dma"
	"github.com/iit-edl/hpu/regs"
	"github.com/sirupsen/logrus"
)

// EarlyTerminatorMagic is the padding word the core appends to a packet that
// was closed before it reached the configured length.
const EarlyTerminatorMagic = 0xf0cacc1a

// DefaultFIFODepth is the receive FIFO size in bytes when none is configured.
const DefaultFIFODepth = 4096

var ErrClosed = errors.New("device is closed")

type Config struct {
	// FIFODepth is the size of the receive FIFO in bytes.
	FIFODepth int
	// Descriptors limits the number of transfers queued per direction. Zero
	// means no limit.
	Descriptors int
}

type descriptor struct {
	mem    dma.Mem
	length int
	done   func(actual int)
}

type completion struct {
	dir    dma.Direction
	desc   descriptor
	actual int
	gen    uint64
}

type channel struct {
	submitted *queue.Queue
	issued    *queue.Queue
	gen       uint64

	// Held while completions of this channel run, so Terminate can wait
	// for them.
	cbMu sync.Mutex
}

// Device implements [regs.Bus] and [dma.Engine].
type Device struct {
	l   *logrus.Logger
	cfg Config

	mu        sync.Mutex
	regs      [regs.WindowSize / 4]uint32
	fifo      []byte
	chans     [2]channel
	irqRaise  bool
	closed    bool
	overflows uint64
	txBytes   uint64
	onIRQ     func()

	bell doorbell
	wg   sync.WaitGroup
}

// New creates a device and starts its worker goroutine. Remember to call
// [Device.Close] after use.
func New(cfg Config, l *logrus.Logger) (*Device, error) {
	if cfg.FIFODepth <= 0 {
		cfg.FIFODepth = DefaultFIFODepth
	}

	bell, err := newDoorbell()
	if err != nil {
		return nil, fmt.Errorf("create doorbell: %w", err)
	}

	d := &Device{
		l:    l,
		cfg:  cfg,
		bell: bell,
	}
	d.regs[regs.Version/4] = regs.VersionMagic
	for i := range d.chans {
		d.chans[i].submitted = queue.New()
		d.chans[i].issued = queue.New()
	}

	d.wg.Add(1)
	go d.run()

	return d, nil
}

// OnInterrupt sets the interrupt handler. It is called from the worker
// goroutine with no device lock held whenever an unmasked interrupt becomes
// pending.
func (d *Device) OnInterrupt(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIRQ = fn
}

func (d *Device) Read32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.regs[index(offset)]
	if offset == regs.Ctrl && v&regs.CtrlEnableDMA != 0 {
		v |= regs.CtrlDMARunning
	}
	return v
}

func (d *Device) Write32(offset uint32, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := index(offset)
	switch offset {
	case regs.Version:
		return

	case regs.IRQ:
		d.regs[i] &^= value

	case regs.IRQMask:
		d.regs[i] = value
		if d.regs[regs.IRQ/4]&value != 0 {
			d.irqRaise = true
		}

	case regs.Ctrl:
		if value&regs.CtrlFlushRxFIFO != 0 {
			d.fifo = d.fifo[:0]
		}
		if value&regs.CtrlResetDMAStream != 0 {
			d.fifo = d.fifo[:0]
		}
		d.regs[i] = value &^ (regs.CtrlFlushRxFIFO | regs.CtrlFlushTxFIFO |
			regs.CtrlResetDMAStream | regs.CtrlDMARunning)

	default:
		d.regs[i] = value
	}

	d.ring()
}

// Submit queues a transfer. It fails with [dma.ErrResourceExhausted] when the
// descriptor limit is reached and with [dma.ErrDeviceBusy] after Close.
func (d *Device) Submit(dir dma.Direction, mem dma.Mem, length int, done func(actual int)) error {
	if length < 0 || length > len(mem.Bytes()) {
		return fmt.Errorf("transfer of %d bytes into a %d byte buffer", length, len(mem.Bytes()))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return dma.ErrDeviceBusy
	}
	ch := d.channel(dir)
	if d.cfg.Descriptors > 0 && ch.submitted.Length()+ch.issued.Length() >= d.cfg.Descriptors {
		return dma.ErrResourceExhausted
	}
	ch.submitted.Add(descriptor{mem: mem, length: length, done: done})
	return nil
}

// IssuePending starts every transfer submitted since the last call.
func (d *Device) IssuePending(dir dma.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return dma.ErrDeviceBusy
	}
	ch := d.channel(dir)
	for ch.submitted.Length() > 0 {
		ch.issued.Add(ch.submitted.Remove())
	}
	d.ring()
	return nil
}

// Terminate drops every transfer of the direction and waits for completions
// that are already running.
func (d *Device) Terminate(dir dma.Direction) error {
	d.mu.Lock()
	ch := d.channel(dir)
	ch.submitted = queue.New()
	ch.issued = queue.New()
	ch.gen++
	d.mu.Unlock()

	// Completions already taken off the queue check the generation while
	// holding cbMu.
	ch.cbMu.Lock()
	ch.cbMu.Unlock()
	return nil
}

// Inject puts events into the receive FIFO as if they arrived on an enabled
// link. The length must be a multiple of 4.
func (d *Device) Inject(data []byte) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("inject %d bytes: not a multiple of 4", len(data))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.pushLocked(data)
	d.ring()
	return nil
}

// RaiseIRQ sets interrupt bits as if the core raised them.
func (d *Device) RaiseIRQ(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs[regs.IRQ/4] |= bits
	if d.regs[regs.IRQMask/4]&bits != 0 {
		d.irqRaise = true
	}
	d.ring()
}

// Overflows returns how many times data was dropped because the receive FIFO
// was full.
func (d *Device) Overflows() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflows
}

// FIFOLen returns the number of bytes waiting in the receive FIFO.
func (d *Device) FIFOLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fifo)
}

// Transmitted returns the number of bytes the device took from transmit
// transfers.
func (d *Device) Transmitted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBytes
}

// Close stops the worker. Pending transfers never complete.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	err := d.bell.Ring()
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wake simulated device worker: %w", err)
	}

	d.wg.Wait()
	return d.bell.Close()
}

func (d *Device) run() {
	defer d.wg.Done()
	for {
		if err := d.bell.Wait(); err != nil {
			d.l.WithError(err).Error("Simulated device doorbell failed")
			return
		}

		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}

		for d.step() {
		}
	}
}

// step moves as much data as possible and runs the resulting completions and
// interrupts. It reports whether anything happened.
func (d *Device) step() bool {
	d.mu.Lock()
	var done []completion
	if d.regs[regs.Ctrl/4]&regs.CtrlEnableDMA != 0 {
		done = d.transmitLocked(done)
		done = d.receiveLocked(done)
	}
	raise := d.irqRaise && d.regs[regs.Ctrl/4]&regs.CtrlEnableIRQ != 0
	if raise {
		d.irqRaise = false
	}
	onIRQ := d.onIRQ
	d.mu.Unlock()

	for _, c := range done {
		d.complete(c)
	}
	if raise && onIRQ != nil {
		onIRQ()
	}

	return len(done) > 0 || raise
}

func (d *Device) complete(c completion) {
	ch := &d.chans[c.dir]
	ch.cbMu.Lock()
	defer ch.cbMu.Unlock()

	d.mu.Lock()
	stale := ch.gen != c.gen
	d.mu.Unlock()
	if !stale {
		c.desc.done(c.actual)
	}
}

func (d *Device) transmitLocked(done []completion) []completion {
	ch := &d.chans[dma.Transmit]
	loop := d.regs[regs.Ctrl/4]&regs.CtrlLoopNear != 0
	for ch.issued.Length() > 0 {
		desc := ch.issued.Remove().(descriptor)
		data := desc.mem.Bytes()[:desc.length]
		d.txBytes += uint64(len(data))
		if loop {
			d.pushLocked(data)
		}
		done = append(done, completion{dir: dma.Transmit, desc: desc, actual: desc.length, gen: ch.gen})
	}
	return done
}

func (d *Device) receiveLocked(done []completion) []completion {
	ch := &d.chans[dma.Receive]
	packetLen := int(d.regs[regs.DMA/4]&regs.DMALengthMask) * 4
	for len(d.fifo) > 0 && ch.issued.Length() > 0 {
		desc := ch.issued.Remove().(descriptor)
		limit := desc.length
		if packetLen > 0 && packetLen < limit {
			limit = packetLen
		}

		n := copy(desc.mem.Bytes()[:limit], d.fifo)
		d.fifo = d.fifo[:copy(d.fifo, d.fifo[n:])]

		// Short packets are closed by the latency timer, which pads them to
		// an odd number of words.
		if n < limit && (n/4)%2 == 0 && n+4 <= limit {
			binary.NativeEndian.PutUint32(desc.mem.Bytes()[n:], EarlyTerminatorMagic)
			n += 4
		}
		done = append(done, completion{dir: dma.Receive, desc: desc, actual: n, gen: ch.gen})
	}
	return done
}

// pushLocked appends data to the receive FIFO if any receive link is
// enabled. Data that does not fit is dropped and raises the FIFO full
// interrupt.
func (d *Device) pushLocked(data []byte) {
	if d.regs[regs.RxCtrl/4]|d.regs[regs.AuxRxCtrl/4] == 0 {
		return
	}

	room := d.cfg.FIFODepth - len(d.fifo)
	if len(data) > room {
		d.fifo = append(d.fifo, data[:room]...)
		d.overflows++
		d.regs[regs.IRQ/4] |= regs.IRQRxFIFOFull
		if d.regs[regs.IRQMask/4]&regs.IRQRxFIFOFull != 0 {
			d.irqRaise = true
		}
		return
	}
	d.fifo = append(d.fifo, data...)
}

func (d *Device) channel(dir dma.Direction) *channel {
	if dir != dma.Receive && dir != dma.Transmit {
		panic(fmt.Sprintf("unknown direction %v", dir))
	}
	return &d.chans[dir]
}

// ring wakes up the worker. Failures are logged only, the worker also runs
// on the next successful ring.
func (d *Device) ring() {
	if d.closed {
		return
	}
	if err := d.bell.Ring(); err != nil {
		d.l.WithError(err).Warn("Failed to ring simulated device doorbell")
	}
}

func index(offset uint32) int {
	if offset%4 != 0 || offset >= regs.WindowSize {
		panic(fmt.Sprintf("register offset 0x%x outside window", offset))
	}
	return int(offset / 4)
}
