package hpu

import (
	"math"
	"testing"
	"time"

	"github.com/iit-edl/hpu/config"
	"github.com/iit-edl/hpu/dma"
	"github.com/iit-edl/hpu/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStreamConfig(t *testing.T) {
	sc := DefaultStreamConfig()
	require.NoError(t, sc.Validate())
	assert.Equal(t, 1024, sc.RxPoolSize)
	assert.Equal(t, 1024, sc.RxPoolCount)
	assert.Equal(t, 4096, sc.TxPoolSize)
	assert.Equal(t, 128, sc.TxPoolCount)
	assert.Equal(t, 100*time.Second, sc.RxTimeout)
	assert.Equal(t, eventSize, sc.txUnit())
}

func TestNewStreamConfigFromConfig(t *testing.T) {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
rx:
  pool_size: 64
  pool_count: 16
  timeout: 250ms
  blocking_threshold: 8
tx:
  pool_size: 12
  pool_count: 2
  timestamps: false
`))

	sc, err := NewStreamConfigFromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, 64, sc.RxPoolSize)
	assert.Equal(t, 16, sc.RxPoolCount)
	assert.Equal(t, 250*time.Millisecond, sc.RxTimeout)
	assert.Equal(t, 8, sc.RxThreshold)
	assert.True(t, sc.TxEnabled)
	assert.Equal(t, 12, sc.TxPoolSize)
	assert.Equal(t, Unbounded, sc.TxThreshold)
	assert.Equal(t, wordSize, sc.txUnit())
}

func TestStreamConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*StreamConfig)
		err    error
	}{
		{"rx count", func(sc *StreamConfig) { sc.RxPoolCount = 0 }, dma.ErrPoolSizeInvalid},
		{"rx count power of two", func(sc *StreamConfig) { sc.RxPoolCount = 24 }, dma.ErrPoolSizeInvalid},
		{"rx size", func(sc *StreamConfig) { sc.RxPoolSize = 6 }, dma.ErrPoolSizeInvalid},
		{"rx threshold", func(sc *StreamConfig) { sc.RxThreshold = -5 }, ErrInvalidArgument},
		{"tx count", func(sc *StreamConfig) { sc.TxPoolCount = 3 }, dma.ErrPoolSizeInvalid},
		{"tx unit", func(sc *StreamConfig) { sc.TxPoolSize = 20 }, ErrInvalidArgument},
		{"tx threshold", func(sc *StreamConfig) { sc.TxThreshold = -2 }, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := DefaultStreamConfig()
			tt.modify(&sc)
			assert.ErrorIs(t, sc.Validate(), tt.err)
		})
	}

	// Transmit settings do not matter without transmit.
	sc := DefaultStreamConfig()
	sc.TxEnabled = false
	sc.TxPoolCount = 3
	assert.NoError(t, sc.Validate())
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, math.MaxInt, threshold(Unbounded))
	assert.Equal(t, 0, threshold(0))
	assert.Equal(t, 128, threshold(128))
}
