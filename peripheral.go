package hpu

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iit-edl/hpu/config"
	"github.com/iit-edl/hpu/regs"
	"github.com/sirupsen/logrus"
)

const defaultAxisLatency = 10 * time.Millisecond

var rxInterfaces = []regs.Interface{regs.EyeLeft, regs.EyeRight, regs.Aux}

// configurePeripheral applies the peripheral section of c to the control
// plane: loop mode, timestamps, links and the AXI stream latency.
func configurePeripheral(l *logrus.Logger, c *config.C, ctrl *regs.Controller) error {
	loop, err := parseLoop(c.GetString("peripheral.loop", "none"))
	if err != nil {
		return err
	}
	if err = ctrl.SetLoop(loop); err != nil {
		return err
	}

	ctrl.SetTimestamp(c.GetBool("peripheral.timestamps", true))
	ctrl.SetAxisLatency(c.GetDuration("peripheral.axis_latency", defaultAxisLatency))

	for _, iface := range rxInterfaces {
		key := "peripheral.rx." + iface.String()
		cfg, err := parseInterfaceConfig(c.GetMap(key, nil))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if err = ctrl.SetRxInterface(iface, cfg); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	txMap := c.GetMap("peripheral.tx", nil)
	txCfg, err := parseInterfaceConfig(txMap)
	if err != nil {
		return fmt.Errorf("peripheral.tx: %w", err)
	}
	route, err := parseRoute(fmt.Sprint(valueOr(txMap, "route", "fixed")))
	if err != nil {
		return fmt.Errorf("peripheral.tx.route: %w", err)
	}
	if err = ctrl.SetTxInterface(txCfg, route); err != nil {
		return fmt.Errorf("peripheral.tx: %w", err)
	}

	if c.GetBool("peripheral.irq_errors", false) {
		ctrl.UnmaskIRQ(regs.IRQGlobalRxErrMask)
	}

	l.WithField("loop", c.GetString("peripheral.loop", "none")).
		WithField("receive", ctrl.ReceiveEnabled()).
		Info("Peripheral configured")
	return nil
}

func parseLoop(s string) (regs.Loop, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return regs.LoopNone, nil
	case "near":
		return regs.LoopNear, nil
	case "spinn":
		return regs.LoopSpiNN, nil
	default:
		return 0, fmt.Errorf("peripheral.loop: %w: %q, possible values: none, near, spinn", ErrInvalidArgument, s)
	}
}

func parseRoute(s string) (regs.Route, error) {
	switch strings.ToLower(s) {
	case "", "fixed":
		return regs.RouteFixed, nil
	case "msg":
		return regs.RouteMsg, nil
	default:
		return 0, fmt.Errorf("%w: %q, possible values: fixed, msg", ErrInvalidArgument, s)
	}
}

// parseInterfaceConfig reads a link map like
//
//	hssaer: [0, 2]
//	paer: true
func parseInterfaceConfig(m map[string]any) (regs.InterfaceConfig, error) {
	var cfg regs.InterfaceConfig
	if m == nil {
		return cfg, nil
	}

	if raw, ok := m["hssaer"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return cfg, fmt.Errorf("%w: hssaer must be a list of channels, got %T", ErrInvalidArgument, raw)
		}
		for _, v := range list {
			ch, err := strconv.Atoi(fmt.Sprint(v))
			if err != nil || ch < 0 || ch >= len(cfg.HSSAER) {
				return cfg, fmt.Errorf("%w: hssaer channel %v out of range [0, %d)", ErrInvalidArgument, v, len(cfg.HSSAER))
			}
			cfg.HSSAER[ch] = true
		}
	}

	for key, dst := range map[string]*bool{"paer": &cfg.PAER, "gtp": &cfg.GTP, "spinn": &cfg.SpiNN} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		b, ok := config.AsBool(raw)
		if !ok {
			return cfg, fmt.Errorf("%w: %s must be a bool, got %v", ErrInvalidArgument, key, raw)
		}
		*dst = b
	}

	return cfg, nil
}

func valueOr(m map[string]any, k string, d any) any {
	if v, ok := m[k]; ok && v != nil {
		return v
	}
	return d
}
