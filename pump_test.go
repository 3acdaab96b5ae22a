package hpu

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iit-edl/hpu/dma"
	"github.com/iit-edl/hpu/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseSinkFormat(t *testing.T) {
	f, err := ParseSinkFormat("raw")
	require.NoError(t, err)
	assert.Equal(t, SinkRaw, f)

	f, err = ParseSinkFormat("text")
	require.NoError(t, err)
	assert.Equal(t, SinkText, f)

	_, err = ParseSinkFormat("csv")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRunSink(t *testing.T) {
	for _, format := range []SinkFormat{SinkText, SinkRaw} {
		cfg := testStreamConfig()
		cfg.RxThreshold = eventSize
		s, e, _ := newTestStream(t, cfg)

		evs := []Event{{Timestamp: 1, Address: 0x10}, {Timestamp: 2, Address: 0x20}}
		data := AppendEvents(nil, evs...)
		e.fill(t, data)

		out := &syncBuffer{}
		done := make(chan error, 1)
		go func() {
			done <- runSink(context.Background(), test.NewLogger(), s, out, format)
		}()

		want := string(data)
		if format == SinkText {
			want = evs[0].String() + "\n" + evs[1].String() + "\n"
		}
		require.Eventually(t, func() bool { return out.String() == want }, 5*time.Second, time.Millisecond)

		require.NoError(t, s.Close())
		select {
		case err := <-done:
			assert.NoError(t, err, "a closed stream ends the sink")
		case <-time.After(5 * time.Second):
			t.Fatal("sink did not stop")
		}
	}
}

func TestRunSource(t *testing.T) {
	s, e, _ := newTestStream(t, testStreamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runSource(ctx, test.NewLogger(), s, 1000, 2)
	}()

	require.Eventually(t, func() bool { return e.pending(dma.Transmit) >= 2 }, 5*time.Second, time.Millisecond)
	first, _ := DecodeEvents(nil, e.send(t))
	second, _ := DecodeEvents(nil, e.send(t))

	cancel()
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, []uint32{0, 1, 2, 3}, []uint32{first[0].Address, first[1].Address, second[0].Address, second[1].Address})
	assert.LessOrEqual(t, first[0].Timestamp, second[0].Timestamp)
}

func TestRunSource_Disabled(t *testing.T) {
	assert.NoError(t, runSource(context.Background(), test.NewLogger(), nil, 0, 10))
}

func TestStripTimestamps(t *testing.T) {
	b := AppendEvents(nil, Event{Timestamp: 1, Address: 2}, Event{Timestamp: 3, Address: 4})
	got := stripTimestamps(b)
	assert.Len(t, got, 2*wordSize)
	evs, _ := DecodeEvents(nil, got)
	assert.Equal(t, []Event{{Timestamp: 2, Address: 4}}, evs)
}
