package hpu

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/iit-edl/hpu/config"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Stats is a snapshot of the counters of one open stream.
type Stats struct {
	RxPackets         int64
	RxBytes           int64
	EarlyTerminators  int64
	Lost              int64
	FifoFull          int64
	FifoFullCoalesced int64
	RxTimeouts        int64
	TxPackets         int64
	TxBytes           int64
	TxTimeouts        int64
	Interrupts        int64
}

type streamStats struct {
	rxPackets         metrics.Counter
	rxBytes           metrics.Counter
	earlyTerminators  metrics.Counter
	fifoFull          metrics.Counter
	fifoFullCoalesced metrics.Counter
	rxTimeouts        metrics.Counter
	txPackets         metrics.Counter
	txBytes           metrics.Counter
	txTimeouts        metrics.Counter
	irqs              metrics.Counter
}

// newStreamStats registers the stream counters in r and resets them, since
// counters only ever describe the current open.
func newStreamStats(r metrics.Registry, prefix string) *streamStats {
	counter := func(name string) metrics.Counter {
		c := metrics.GetOrRegisterCounter(prefix+"."+name, r)
		c.Clear()
		return c
	}

	return &streamStats{
		rxPackets:         counter("rx.packets"),
		rxBytes:           counter("rx.bytes"),
		earlyTerminators:  counter("rx.early_terminators"),
		fifoFull:          counter("rx.fifo_full"),
		fifoFullCoalesced: counter("rx.fifo_full_coalesced"),
		rxTimeouts:        counter("rx.timeouts"),
		txPackets:         counter("tx.packets"),
		txBytes:           counter("tx.bytes"),
		txTimeouts:        counter("tx.timeouts"),
		irqs:              counter("irq.total"),
	}
}

// registerLostGauge exposes the loss counter of the stream, which lives next to the
// ring state so it can be read and cleared atomically.
func registerLostGauge(r metrics.Registry, prefix string, s *Stream) {
	name := prefix + ".rx.lost"
	r.Unregister(name)
	_ = r.Register(name, metrics.NewFunctionalGauge(func() int64 {
		return int64(s.LostPackets())
	}))
}

func startStats(l *logrus.Logger, c *config.C, buildVersion string, configTest bool) (func(), error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var startFn func()
	var err error
	switch mType {
	case "graphite":
		startFn, err = startGraphiteStats(l, interval, c)
	case "prometheus":
		startFn, err = startPrometheusStats(l, interval, c, buildVersion)
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return nil, err
	}

	metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

	if configTest {
		return nil, nil
	}

	return func() {
		go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, interval)
		go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)
		startFn()
	}, nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C) (func(), error) {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return nil, errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "hpu")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return nil, fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	return func() {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
		go graphite.Graphite(metrics.DefaultRegistry, i, prefix, addr)
	}, nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, buildVersion string) (func(), error) {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return nil, fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, pr, i)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the hpu-stream binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	return func() {
		go pClient.UpdatePrometheusMetrics()
		go func() {
			l.Infof("Prometheus stats listening on %s at %s", listen, path)
			mux := http.NewServeMux()
			mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
			log.Fatal(http.ListenAndServe(listen, mux))
		}()
	}, nil
}
