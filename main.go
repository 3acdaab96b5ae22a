package hpu

import (
	"fmt"
	"io"
	"os"

	"github.com/iit-edl/hpu/config"
	"github.com/iit-edl/hpu/regs"
	"github.com/iit-edl/hpu/sim"
	"github.com/iit-edl/hpu/util"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
	"golang.org/x/term"
)

type m = map[string]any

// Main builds the whole data plane from c: the peripheral, its control
// plane, the stream and the pumps. Nothing moves until [Control.Start].
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (_ *Control, err error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err = configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	sc, err := streamConfigFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load the stream config", nil, err)
	}

	sinkFormat, sink, err := sinkFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the sink", m{"path": c.GetString("sink.path", "-")}, err)
	}
	defer func() {
		if err != nil {
			_ = closeSink(sink)
		}
	}()

	source := sourceFromConfig(c)
	if source.rate > 0 && !sc.TxEnabled {
		return nil, util.NewContextualError("source.rate needs tx.enabled", m{"rate": source.rate}, ErrTxDisabled)
	}

	dev, err := sim.New(sim.Config{FIFODepth: c.GetInt("sim.fifo_depth", sim.DefaultFIFODepth)}, l)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the peripheral", nil, err)
	}
	defer func() {
		if err != nil {
			if cerr := dev.Close(); cerr != nil {
				l.WithError(cerr).Error("Failed to close the peripheral")
			}
		}
	}()

	clockHz := uint64(c.GetInt("sim.clock_hz", 100_000_000))
	ctrl := regs.NewController(dev, clockHz, l)
	err = ctrl.Init(sc.RxPoolSize, c.GetBool("peripheral.timestamps", true), c.GetDuration("peripheral.axis_latency", defaultAxisLatency))
	if err != nil {
		return nil, util.NewContextualError("Failed to initialize the peripheral", m{"clockHz": clockHz}, err)
	}
	l.WithField("version", fmt.Sprintf("%#08x", ctrl.Version())).Info("Peripheral found")

	err = configurePeripheral(l, c, ctrl)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the peripheral", nil, err)
	}

	irq := newInterruptDispatcher(l, ctrl)
	dev.OnInterrupt(irq.Handle)

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		// Everything above was validated, leave the peripheral and the sink alone.
		err = dev.Close()
		_ = closeSink(sink)
		return &Control{l: l, configTest: true}, err
	}

	s, err := Open(l, sc, dev, ctrl)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the stream", m{"rx": sc.RxPoolCount, "tx": txGeometry(sc)}, err)
	}
	irq.attach(s)

	c.RegisterReloadCallback(func(c *config.C) {
		reloadStream(l, c, s)
	})
	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("peripheral") {
			return
		}
		if err := configurePeripheral(l, c, ctrl); err != nil {
			l.WithError(err).Error("Failed to reconfigure the peripheral")
		}
	})

	return &Control{
		l:          l,
		stream:     s,
		dev:        dev,
		irq:        irq,
		statsStart: statsStart,
		sink:       sink,
		sinkFormat: sinkFormat,
		source:     source,
	}, nil
}

// reloadStream applies changed thresholds and timeouts to the open stream.
// The geometry of the rings can only change by reopening.
func reloadStream(l *logrus.Logger, c *config.C, s *Stream) {
	for _, k := range []string{"rx.pool_size", "rx.pool_count", "tx.enabled", "tx.pool_size", "tx.pool_count", "tx.timestamps"} {
		if c.HasChanged(k) {
			l.WithField("key", k).Warn("Ring geometry changes need a restart to take effect")
		}
	}

	sc, err := streamConfigFromConfig(c)
	if err != nil {
		l.WithError(err).Error("Ignoring invalid stream config")
		return
	}

	if c.HasChanged("rx.blocking_threshold") {
		if err := s.SetReceiveThreshold(sc.RxThreshold); err != nil {
			l.WithError(err).Error("Failed to set the receive threshold")
		}
	}
	if c.HasChanged("tx.blocking_threshold") && sc.TxEnabled {
		if err := s.SetTransmitThreshold(sc.TxThreshold); err != nil {
			l.WithError(err).Error("Failed to set the transmit threshold")
		}
	}
	if c.HasChanged("rx.timeout") || c.HasChanged("tx.timeout") {
		s.SetTimeouts(sc.RxTimeout, sc.TxTimeout)
		l.WithField("rx", sc.RxTimeout).WithField("tx", sc.TxTimeout).Info("Stream timeouts changed")
	}
}

// streamConfigFromConfig is [NewStreamConfigFromConfig] for the pumps: without
// an rx.blocking_threshold a read returns as soon as one event is in, so the
// sink does not sit on a slow stream.
func streamConfigFromConfig(c *config.C) (StreamConfig, error) {
	sc, err := NewStreamConfigFromConfig(c)
	if err != nil {
		return sc, err
	}
	if !c.IsSet("rx.blocking_threshold") {
		sc.RxThreshold = eventSize
	}
	return sc, nil
}

type sourceConfig struct {
	rate  int
	burst int
}

func sourceFromConfig(c *config.C) sourceConfig {
	return sourceConfig{
		rate:  c.GetInt("source.rate", 0),
		burst: c.GetInt("source.burst", 64),
	}
}

// sinkFromConfig opens sink.path, "-" meaning stdout. Without a sink.format,
// a terminal gets text and anything else gets the raw stream.
func sinkFromConfig(c *config.C) (SinkFormat, io.WriteCloser, error) {
	path := c.GetString("sink.path", "-")

	var w io.WriteCloser
	if path == "-" {
		w = nopCloser{os.Stdout}
	} else {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return 0, nil, err
		}
		w = f
	}

	format := c.GetString("sink.format", "")
	if format == "" {
		format = "raw"
		if path == "-" && term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		}
	}

	sf, err := ParseSinkFormat(format)
	if err != nil {
		_ = closeSink(w)
		return 0, nil, err
	}
	return sf, w, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func closeSink(w io.WriteCloser) error {
	if w == nil {
		return nil
	}
	return w.Close()
}
