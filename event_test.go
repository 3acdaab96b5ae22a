package hpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvents(t *testing.T) {
	evs := []Event{{Timestamp: 1, Address: 0xdead}, {Timestamp: 0xffffffff, Address: 0}}
	b := AppendEvents(nil, evs...)
	assert.Len(t, b, 2*eventSize)

	// A trailing partial event is left for the next call.
	b = append(b, 1, 2, 3, 4)
	got, used := DecodeEvents(nil, b)
	assert.Equal(t, evs, got)
	assert.Equal(t, 2*eventSize, used)

	got, used = DecodeEvents(got[:0], b[:7])
	assert.Empty(t, got)
	assert.Zero(t, used)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "        42 0x0000beef", Event{Timestamp: 42, Address: 0xbeef}.String())
}
