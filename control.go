package hpu

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Control is the handle on a running data plane returned by [Main].
type Control struct {
	l          *logrus.Logger
	configTest bool

	stream     *Stream
	dev        io.Closer
	irq        *interruptDispatcher
	statsStart func()

	sink       io.WriteCloser
	sinkFormat SinkFormat
	source     sourceConfig

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// Start runs the pumps, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.configTest {
		return
	}

	if c.statsStart != nil {
		go c.statsStart()
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	var ctx context.Context
	c.group, ctx = errgroup.WithContext(c.ctx)

	c.group.Go(func() error {
		return runSink(ctx, c.l, c.stream, c.sink, c.sinkFormat)
	})
	c.group.Go(func() error {
		return runSource(ctx, c.l, c.stream, c.source.rate, c.source.burst)
	})
}

// Stop closes the stream and the peripheral, returns after the pumps are done
func (c *Control) Stop() {
	c.stopOnce.Do(c.stop)
}

func (c *Control) stop() {
	if c.configTest {
		return
	}

	if c.cancel != nil {
		c.cancel()
	}

	// Closing the stream unblocks any pump stuck in Read or Write.
	if err := c.stream.Close(); err != nil {
		c.l.WithError(err).Error("Close stream failed")
	}
	c.irq.attach(nil)

	if c.group != nil {
		if err := c.group.Wait(); err != nil && !errors.Is(err, ErrClosed) {
			c.l.WithError(err).Error("Pump failed")
		}
	}

	if err := c.dev.Close(); err != nil {
		c.l.WithError(err).Error("Close peripheral failed")
	}
	if err := closeSink(c.sink); err != nil {
		c.l.WithError(err).Error("Close sink failed")
	}

	c.l.WithField("lost", c.stream.LostPackets()).Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Context is done once Stop was called.
func (c *Control) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Stream returns the open stream, nil after a config test.
func (c *Control) Stream() *Stream {
	return c.stream
}
