package regs

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Interface selects one of the receive interfaces of the core.
type Interface int

const (
	EyeLeft Interface = iota
	EyeRight
	Aux
)

func (i Interface) String() string {
	switch i {
	case EyeLeft:
		return "eye_left"
	case EyeRight:
		return "eye_right"
	case Aux:
		return "aux"
	default:
		return fmt.Sprintf("Interface(%d)", int(i))
	}
}

// Loop selects the loopback mode of the core.
type Loop int

const (
	LoopNone Loop = iota
	LoopNear
	LoopSpiNN
)

// Route selects how transmitted events find their destination.
type Route int

const (
	// RouteFixed sends every event to the enabled destination, or to all of
	// them.
	RouteFixed Route = iota
	// RouteMsg takes the destination from each event.
	RouteMsg
)

// InterfaceConfig enables the links of one interface.
type InterfaceConfig struct {
	HSSAER [4]bool
	PAER   bool
	GTP    bool
	SpiNN  bool
}

const (
	shutdownTimeout  = 2 * time.Second
	shutdownPoll     = 5 * time.Millisecond
	shutdownSettling = 100 * time.Millisecond
)

// Controller is the control plane of the core. It keeps shadow copies of the
// registers it owns so receive can be switched off and restored again.
//
// All methods are safe for concurrent use. The receive enable methods are
// called with the receive ring lock held, so the controller never calls back
// into the stream.
type Controller struct {
	bus     Bus
	l       *logrus.Logger
	clockHz uint64

	mu      sync.Mutex
	ctrl    uint32
	rxCtrl  uint32
	rxAux   uint32
	irqMask uint32
	axisLat time.Duration
}

func NewController(bus Bus, clockHz uint64, l *logrus.Logger) *Controller {
	return &Controller{bus: bus, clockHz: clockHz, l: l}
}

// Init verifies the core version and brings the core into streaming state:
// receive links off, FIFOs flushed, packets of packetSize bytes, the FIFO
// full interrupt unmasked and DMA plus interrupts enabled.
func (c *Controller) Init(packetSize int, fullTimestamp bool, axisLatency time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := c.bus.Read32(Version); v != VersionMagic {
		return fmt.Errorf("%w: 0x%08x", ErrUnknownVersion, v)
	}

	c.rxCtrl = 0
	c.rxAux = 0
	c.bus.Write32(AuxRxCtrl, c.rxAux)
	c.bus.Write32(RxCtrl, c.rxCtrl)

	c.ctrl = 0
	if fullTimestamp {
		c.ctrl |= CtrlFullTimestamp
	}
	c.bus.Write32(Ctrl, c.ctrl|ctrlFlushFIFOs)

	c.bus.Write32(DMA, uint32(packetSize/4)&DMALengthMask)

	c.irqMask = IRQRxFIFOFull
	c.bus.Write32(IRQMask, c.irqMask)
	c.bus.Write32(IRQ, 0xFFFFFFFF)

	c.ctrl |= ctrlEnableDMAAndIRQ
	if c.clockHz > 0 {
		c.ctrl |= CtrlAxisLatency
		c.axisLat = axisLatency
		c.writeAxisLatency()
	}
	c.bus.Write32(Ctrl, c.ctrl)

	c.l.WithField("ctrl", fmt.Sprintf("0x%08x", c.ctrl)).
		WithField("packetWords", packetSize/4).
		Debug("Core initialized")
	return nil
}

// EnableReceive restores the configured receive links and unmasks the FIFO
// full interrupt.
func (c *Controller) EnableReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bus.Write32(RxCtrl, c.rxCtrl)
	c.bus.Write32(AuxRxCtrl, c.rxAux)
	c.irqMask |= IRQRxFIFOFull
	c.bus.Write32(IRQMask, c.irqMask)
}

// DisableReceive switches every receive link off, flushes the receive FIFO
// and masks and acknowledges the FIFO full interrupt. The configured links
// are kept for [Controller.EnableReceive].
func (c *Controller) DisableReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bus.Write32(RxCtrl, 0)
	c.bus.Write32(AuxRxCtrl, 0)
	c.bus.Write32(Ctrl, c.ctrl|CtrlFlushRxFIFO)
	c.irqMask &^= IRQRxFIFOFull
	c.bus.Write32(IRQMask, c.irqMask)
	c.bus.Write32(IRQ, IRQRxFIFOFull)
}

// Shutdown disables every link and interrupt, then stops the DMA stream.
// While the core still reports a running transfer, drain is called so the
// core can finish its last packet. Shutdown gives up waiting after a while
// and resets the stream anyway.
func (c *Controller) Shutdown(drain func()) error {
	c.mu.Lock()
	c.bus.Write32(RxCtrl, 0)
	c.bus.Write32(AuxRxCtrl, 0)
	c.bus.Write32(TxCtrl, 0)
	c.irqMask = 0
	c.bus.Write32(IRQMask, c.irqMask)

	// A packet only ends with a TLAST, so make the core send one quickly.
	c.bus.Write32(TlastTimeout, 1)

	c.ctrl &^= ctrlEnableDMAAndIRQ
	c.bus.Write32(Ctrl, c.ctrl)
	c.mu.Unlock()

	var err error
	deadline := time.Now().Add(shutdownTimeout)
	for c.bus.Read32(Ctrl)&CtrlDMARunning != 0 {
		if time.Now().After(deadline) {
			err = fmt.Errorf("core did not stop within %v", shutdownTimeout)
			c.l.WithError(err).Error("Failed to stop DMA")
			break
		}
		if drain != nil {
			drain()
		}
		time.Sleep(shutdownPoll)
	}

	c.mu.Lock()
	c.bus.Write32(Ctrl, c.ctrl|CtrlResetDMAStream)
	c.bus.Write32(Ctrl, c.ctrl|ctrlFlushFIFOs)
	c.mu.Unlock()

	return err
}

// SetTimestamp switches between full and wrapping timestamps.
func (c *Controller) SetTimestamp(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if full {
		c.ctrl |= CtrlFullTimestamp
	} else {
		c.ctrl &^= CtrlFullTimestamp
	}
	c.bus.Write32(Ctrl, c.ctrl)
}

// SetLoop selects the loopback mode.
func (c *Controller) SetLoop(loop Loop) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctrl &^= ctrlLoopMask
	switch loop {
	case LoopNone:
	case LoopNear:
		c.ctrl |= CtrlLoopNear
	case LoopSpiNN:
		c.ctrl |= CtrlLoopSpiNN
	default:
		return fmt.Errorf("%w: loop mode %d", ErrInvalidInterface, loop)
	}
	c.bus.Write32(Ctrl, c.ctrl)
	c.l.WithField("ctrl", fmt.Sprintf("0x%08x", c.ctrl)).Debug("Set loop mode")
	return nil
}

// SetRxInterface enables the links of one receive interface.
func (c *Controller) SetRxInterface(iface Interface, cfg InterfaceConfig) error {
	var bits uint32
	for ch, on := range cfg.HSSAER {
		if on {
			bits |= RxHSSAER | RxHSSAERCh0<<ch
		}
	}
	if cfg.GTP {
		bits |= RxGTP
	}
	if cfg.PAER {
		bits |= RxPAER
	}
	if cfg.SpiNN {
		bits |= RxSpiNN
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch iface {
	case EyeLeft:
		c.rxCtrl = c.rxCtrl&^rxEyeMask | bits
		c.bus.Write32(RxCtrl, c.rxCtrl)
	case EyeRight:
		c.rxCtrl = c.rxCtrl&^(rxEyeMask<<RxRightEyeShift) | bits<<RxRightEyeShift
		c.bus.Write32(RxCtrl, c.rxCtrl)
	case Aux:
		c.rxAux = bits
		c.bus.Write32(AuxRxCtrl, c.rxAux)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidInterface, iface)
	}

	c.l.WithField("interface", iface).
		WithField("bits", fmt.Sprintf("0x%x", bits)).
		Debug("Set receive interface")
	return nil
}

// ReceiveEnabled reports whether any receive link is configured.
func (c *Controller) ReceiveEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxCtrl|c.rxAux != 0
}

// SetTxInterface enables the transmit links. With [RouteFixed], either exactly
// one or all destinations can be enabled.
func (c *Controller) SetTxInterface(cfg InterfaceConfig, route Route) error {
	if cfg.GTP {
		return fmt.Errorf("%w: gtp transmit is not supported", ErrInvalidInterface)
	}

	var reg, dest uint32
	count := 0
	for ch, on := range cfg.HSSAER {
		if on {
			reg |= TxHSSAERCh0 << ch
		}
	}
	if reg != 0 {
		reg |= TxHSSAER
		dest = TxDestHSSAER
		count++
	}
	if cfg.PAER {
		reg |= TxPAER
		dest = TxDestPAER
		count++
	}
	if cfg.SpiNN {
		reg |= TxSpiNN
		dest = TxDestSpiNN
		count++
	}

	if route == RouteFixed {
		switch count {
		case 0:
		case 1:
			reg |= dest | TxRoute
		case 3:
			reg |= TxDestAll
		default:
			return fmt.Errorf("%w: either one or all destinations can be selected", ErrInvalidInterface)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus.Write32(TxCtrl, reg)
	c.l.WithField("txctrl", fmt.Sprintf("0x%08x", reg)).Debug("Set transmit interface")
	return nil
}

// SetAxisLatency sets how long the core waits for more data before it
// closes a packet early.
func (c *Controller) SetAxisLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.axisLat = d
	if c.ctrl&CtrlAxisLatency != 0 {
		c.writeAxisLatency()
	}
}

func (c *Controller) writeAxisLatency() {
	cycles := c.clockHz / 1000 * uint64(c.axisLat.Milliseconds())
	if cycles > 0xFFFFFFFF {
		cycles = 0xFFFFFFFF
	}
	c.bus.Write32(TlastTimeout, uint32(cycles))
}

// Version returns the content of the version register.
func (c *Controller) Version() uint32 {
	return c.bus.Read32(Version)
}

// Timestamp returns the timestamp wrap counter.
func (c *Controller) Timestamp() uint32 {
	return c.bus.Read32(Wrap)
}

// ClearTimestamp resets the timestamp wrap counter.
func (c *Controller) ClearTimestamp() {
	c.bus.Write32(Wrap, 0)
}

// PendingIRQ returns the pending interrupts that are not masked.
func (c *Controller) PendingIRQ() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Read32(IRQ) & c.irqMask
}

// AckIRQ acknowledges the given interrupts.
func (c *Controller) AckIRQ(bits uint32) {
	c.bus.Write32(IRQ, bits)
}

// UnmaskIRQ enables the given interrupts in addition to the current ones.
func (c *Controller) UnmaskIRQ(bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqMask |= bits
	c.bus.Write32(IRQMask, c.irqMask)
}

// ReceiveErrorChannels returns the HSSAER channels enabled on any receive
// interface as a bit set, and whether the aux interface takes part.
func (c *Controller) ReceiveErrorChannels() (channels uint8, aux bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rxCtrl&RxHSSAER != 0 {
		channels |= uint8(c.rxCtrl >> 8 & 0xF)
	}
	if c.rxCtrl&(RxHSSAER<<RxRightEyeShift) != 0 {
		channels |= uint8(c.rxCtrl >> 24 & 0xF)
	}
	if c.rxAux&RxHSSAER != 0 {
		channels |= uint8(c.rxAux >> 8 & 0xF)
		aux = true
	}
	return channels, aux
}

// AuxErrorCount returns the error counter of one aux HSSAER channel.
func (c *Controller) AuxErrorCount(ch int) uint32 {
	return c.bus.Read32(AuxRxErrCh0 + uint32(ch)*4)
}
