package hpu

import (
	"testing"

	"github.com/iit-edl/hpu/config"
	"github.com/iit-edl/hpu/regs"
	"github.com/iit-edl/hpu/sim"
	"github.com/iit-edl/hpu/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimController(t *testing.T) (*regs.Controller, *sim.Device) {
	t.Helper()
	l := test.NewLogger()
	dev, err := sim.New(sim.Config{}, l)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, dev.Close()) })
	return regs.NewController(dev, 0, l), dev
}

func TestConfigurePeripheral(t *testing.T) {
	ctrl, dev := newSimController(t)

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
peripheral:
  loop: near
  timestamps: false
  irq_errors: true
  rx:
    eye_left:
      hssaer: [0, 2]
    aux:
      paer: yes
  tx:
    paer: true
    route: fixed
`))

	require.NoError(t, configurePeripheral(test.NewLogger(), c, ctrl))

	assert.NotZero(t, dev.Read32(regs.Ctrl)&regs.CtrlLoopNear)
	assert.Zero(t, dev.Read32(regs.Ctrl)&regs.CtrlFullTimestamp)
	assert.Equal(t, uint32(regs.RxHSSAER|regs.RxHSSAERCh0|regs.RxHSSAERCh0<<2), dev.Read32(regs.RxCtrl))
	assert.Equal(t, uint32(regs.RxPAER), dev.Read32(regs.AuxRxCtrl))
	assert.NotZero(t, dev.Read32(regs.TxCtrl)&regs.TxPAER)
	assert.Equal(t, uint32(regs.IRQGlobalRxErrMask), dev.Read32(regs.IRQMask)&regs.IRQGlobalRxErrMask)
	assert.True(t, ctrl.ReceiveEnabled())
}

func TestConfigurePeripheral_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"loop", "peripheral:\n  loop: far\n"},
		{"hssaer channel", "peripheral:\n  rx:\n    aux:\n      hssaer: [4]\n"},
		{"hssaer type", "peripheral:\n  rx:\n    aux:\n      hssaer: 1\n"},
		{"bool", "peripheral:\n  rx:\n    eye_right:\n      spinn: maybe\n"},
		{"route", "peripheral:\n  tx:\n    route: anywhere\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, _ := newSimController(t)
			c := config.NewC(test.NewLogger())
			require.NoError(t, c.LoadString(tt.raw))
			assert.ErrorIs(t, configurePeripheral(test.NewLogger(), c, ctrl), ErrInvalidArgument)
		})
	}
}

func TestParseLoop(t *testing.T) {
	for in, want := range map[string]regs.Loop{"": regs.LoopNone, "none": regs.LoopNone, "Near": regs.LoopNear, "spinn": regs.LoopSpiNN} {
		got, err := parseLoop(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseInterfaceConfig(t *testing.T) {
	cfg, err := parseInterfaceConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, regs.InterfaceConfig{}, cfg)

	cfg, err = parseInterfaceConfig(map[string]any{"hssaer": []any{1, "3"}, "gtp": true, "spinn": "no"})
	require.NoError(t, err)
	assert.Equal(t, regs.InterfaceConfig{HSSAER: [4]bool{false, true, false, true}, GTP: true}, cfg)
}
