package hpu

import (
	"strconv"
	"sync/atomic"

	"github.com/iit-edl/hpu/regs"
	"github.com/sirupsen/logrus"
)

// InterruptController gives the interrupt dispatcher access to the interrupt
// registers of the core.
type InterruptController interface {
	PendingIRQ() uint32
	AckIRQ(bits uint32)
	ReceiveErrorChannels() (channels uint8, aux bool)
	AuxErrorCount(ch int) uint32
}

var receiveErrors = []struct {
	bit  uint32
	name string
}{
	{regs.IRQGlobalRxErrKO, "ko"},
	{regs.IRQGlobalRxErrRX, "rx"},
	{regs.IRQGlobalRxErrTO, "timeout"},
	{regs.IRQGlobalRxErrOF, "overflow"},
}

// interruptDispatcher decodes the interrupt register and forwards receive
// FIFO overflows to the attached stream.
type interruptDispatcher struct {
	l      *logrus.Logger
	ic     InterruptController
	stream atomic.Pointer[Stream]
}

func newInterruptDispatcher(l *logrus.Logger, ic InterruptController) *interruptDispatcher {
	return &interruptDispatcher{l: l, ic: ic}
}

// attach routes interrupts to s, or nowhere when s is nil.
func (d *interruptDispatcher) attach(s *Stream) {
	d.stream.Store(s)
}

// Handle services every pending interrupt once.
func (d *interruptDispatcher) Handle() {
	irq := d.ic.PendingIRQ()
	if irq == 0 {
		return
	}

	s := d.stream.Load()
	if s != nil {
		s.stats.irqs.Inc(1)
	}

	if irq&regs.IRQTimestampWrap != 0 {
		d.l.Debug("Timestamp wrapped")
		d.ic.AckIRQ(regs.IRQTimestampWrap)
	}

	if irq&regs.IRQRxBufferReady != 0 {
		d.ic.AckIRQ(regs.IRQRxBufferReady)
	}

	if irq&regs.IRQRxFIFOFull != 0 {
		if s != nil {
			s.NotifyFifoFull()
		}
		d.ic.AckIRQ(regs.IRQRxFIFOFull)
	}

	for _, e := range receiveErrors {
		if irq&e.bit == 0 {
			continue
		}
		d.logReceiveError(e.name)
		d.ic.AckIRQ(e.bit)
	}
}

func (d *interruptDispatcher) logReceiveError(kind string) {
	channels, aux := d.ic.ReceiveErrorChannels()
	entry := d.l.WithField("error", kind).WithField("channels", channels)
	if !aux {
		entry.Info("HSSAER error in left or right eye")
		return
	}

	fields := logrus.Fields{}
	for ch := 0; ch < 4; ch++ {
		if channels&(1<<ch) != 0 {
			fields[auxCounterName(ch)] = d.ic.AuxErrorCount(ch)
		}
	}
	entry.WithFields(fields).Info("HSSAER error in left or right eye or aux")
}

func auxCounterName(ch int) string {
	return "aux_cnt" + strconv.Itoa(ch)
}
