package hpu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// SinkFormat selects how received events are written out.
type SinkFormat int

const (
	// SinkRaw copies the event stream unchanged.
	SinkRaw SinkFormat = iota
	// SinkText writes one line per event.
	SinkText
)

func ParseSinkFormat(s string) (SinkFormat, error) {
	switch s {
	case "raw":
		return SinkRaw, nil
	case "text":
		return SinkText, nil
	default:
		return 0, fmt.Errorf("%w: sink format %q, possible formats: raw, text", ErrInvalidArgument, s)
	}
}

// sinkChunk is how much a single read of the sink asks for.
const sinkChunk = 64 * 1024

// runSink copies received events to w until ctx is done or the stream is
// closed. Timeouts and overflows are logged and the copy goes on.
func runSink(ctx context.Context, l *logrus.Logger, s *Stream, w io.Writer, format SinkFormat) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	var (
		buf     = make([]byte, sinkChunk)
		events  []Event
		carried int
	)

	for ctx.Err() == nil {
		var n int
		var err error
		switch format {
		case SinkRaw:
			n, err = s.ReadTo(bw, sinkChunk)
		default:
			n, err = s.Read(buf[carried:])
			n += carried
			var used int
			events, used = DecodeEvents(events[:0], buf[:n])
			for _, e := range events {
				if _, werr := fmt.Fprintln(bw, e); werr != nil {
					return fmt.Errorf("write event: %w", werr)
				}
			}
			carried = copy(buf, buf[used:n])
		}

		if ferr := bw.Flush(); ferr != nil {
			return fmt.Errorf("flush sink: %w", ferr)
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrTimeout):
			l.WithField("read", n).Debug("No events within the receive timeout")
		case errors.Is(err, ErrFifoOverflow):
			l.WithField("lost", s.LostPackets()).Warn("Receive FIFO overflowed, events were lost")
		default:
			return fmt.Errorf("read events: %w", err)
		}
	}

	return nil
}

// runSource writes synthetic events at the given rate in bursts until ctx is
// done or the stream is closed. Addresses count up, timestamps are
// microseconds since the source started.
func runSource(ctx context.Context, l *logrus.Logger, s *Stream, rate, burst int) error {
	if rate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	interval := max(time.Second*time.Duration(burst)/time.Duration(rate), time.Microsecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var (
		addr uint32
		buf  []byte
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		buf = buf[:0]
		ts := uint32(time.Since(start).Microseconds())
		for i := 0; i < burst; i++ {
			buf = AppendEvents(buf, Event{Timestamp: ts, Address: addr})
			addr++
		}
		if !s.txTimestamps() {
			buf = stripTimestamps(buf)
		}

		n, err := s.Write(buf)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrTimeout):
			l.WithField("written", n).Warn("Transmit ring stayed full, dropping events")
		default:
			return fmt.Errorf("write events: %w", err)
		}
	}
}

func (s *Stream) txTimestamps() bool {
	return s.txUnit == eventSize
}

// stripTimestamps keeps only the address word of every event.
func stripTimestamps(b []byte) []byte {
	out := b[:0]
	for i := 0; i+eventSize <= len(b); i += eventSize {
		out = append(out, b[i+wordSize:i+eventSize]...)
	}
	return out
}
