// Package regs describes the register window of the HPU core and implements
// its control plane on top of a [Bus].
package regs

import "errors"

// Register offsets inside the window.
const (
	Ctrl         = 0x00
	RxData       = 0x08
	RxTime       = 0x0C
	DMA          = 0x14
	RawStat      = 0x18
	IRQ          = 0x1C
	IRQMask      = 0x20
	Wrap         = 0x28
	RxCtrl       = 0x40
	TxCtrl       = 0x44
	Version      = 0x5C
	AuxRxCtrl    = 0x60
	AuxRxErrCh0  = 0x70
	TlastTimeout = 0xA0

	// WindowSize is the size of the register window in bytes.
	WindowSize = 0x100
)

// VersionMagic is the value of the [Version] register of a supported core.
const VersionMagic = 0x42303130

// Bits of the [Ctrl] register.
const (
	CtrlDMARunning      = 1 << 0
	CtrlEnableDMA       = 1 << 1
	CtrlEnableIRQ       = 1 << 2
	CtrlFlushRxFIFO     = 1 << 4
	CtrlFlushTxFIFO     = 1 << 8
	CtrlAxisLatency     = 1 << 9
	CtrlResetDMAStream  = 1 << 12
	CtrlFullTimestamp   = 1 << 15
	CtrlLoopSpiNN       = 1<<22 | 1<<23
	CtrlLoopNear        = 1 << 25
	ctrlLoopMask        = CtrlLoopSpiNN | CtrlLoopNear
	ctrlFlushFIFOs      = CtrlFlushRxFIFO | CtrlFlushTxFIFO
	ctrlEnableDMAAndIRQ = CtrlEnableDMA | CtrlEnableIRQ
)

// DMALengthMask selects the packet length in words in the [DMA] register.
const DMALengthMask = 0xFFFF

// Bits of the [RxCtrl] and [AuxRxCtrl] registers. The right eye uses the
// same layout shifted by [RxRightEyeShift].
const (
	RxHSSAER    = 0x001
	RxPAER      = 0x002
	RxGTP       = 0x004
	RxSpiNN     = 0x008
	RxHSSAERCh0 = 0x100

	RxRightEyeShift = 16
	rxEyeMask       = 0xFFFF
)

// Bits of the [TxCtrl] register.
const (
	TxHSSAER    = 0x001
	TxPAER      = 0x002
	TxSpiNN     = 0x008
	TxHSSAERCh0 = 0x100

	TxDestPAER   = 0 << 4
	TxDestHSSAER = 1 << 4
	TxDestSpiNN  = 2 << 4
	TxDestAll    = 3 << 4
	TxRoute      = 1 << 6
)

// Bits of the [IRQ] and [IRQMask] registers.
const (
	IRQRxFIFOFull      = 0x004
	IRQTimestampWrap   = 0x080
	IRQRxBufferReady   = 0x100
	IRQGlobalRxErrKO   = 0x00010000
	IRQGlobalRxErrRX   = 0x00020000
	IRQGlobalRxErrTO   = 0x00040000
	IRQGlobalRxErrOF   = 0x00080000
	IRQGlobalRxErrMask = IRQGlobalRxErrKO | IRQGlobalRxErrRX | IRQGlobalRxErrTO | IRQGlobalRxErrOF
)

var (
	ErrUnknownVersion   = errors.New("unknown core version")
	ErrInvalidInterface = errors.New("invalid interface configuration")
)

// Bus gives 32-bit access to the register window.
type Bus interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}
