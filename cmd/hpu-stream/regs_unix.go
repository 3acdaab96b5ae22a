//go:build unix

package main

import (
	"fmt"
	"io"

	"github.com/iit-edl/hpu/regs"
	"github.com/sirupsen/logrus"
)

// dumpRegisters maps the register window at path and prints the registers
// the driver looks at, without writing anything.
func dumpRegisters(w io.Writer, path string, l *logrus.Logger) error {
	m, err := regs.OpenMap(path, regs.WindowSize)
	if err != nil {
		return err
	}
	defer m.Close()

	ctrl := regs.NewController(m, 0, l)
	if v := ctrl.Version(); v != regs.VersionMagic {
		l.WithField("version", fmt.Sprintf("%#08x", v)).Warn("Unexpected version register")
	}

	for _, r := range []struct {
		name   string
		offset uint32
	}{
		{"ctrl", regs.Ctrl},
		{"version", regs.Version},
		{"dma", regs.DMA},
		{"raw_status", regs.RawStat},
		{"irq", regs.IRQ},
		{"irq_mask", regs.IRQMask},
		{"wrap", regs.Wrap},
		{"rx_ctrl", regs.RxCtrl},
		{"tx_ctrl", regs.TxCtrl},
		{"aux_rx_ctrl", regs.AuxRxCtrl},
		{"tlast_timeout", regs.TlastTimeout},
	} {
		if _, err := fmt.Fprintf(w, "%-14s %#08x\n", r.name, m.Read32(r.offset)); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "%-14s %d\n", "timestamp", ctrl.Timestamp())
	return err
}
