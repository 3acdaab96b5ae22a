package hpu

import (
	"encoding/binary"
	"fmt"
)

// Event is one address event as it travels through the rings: a timestamp
// word followed by an address word, both in host byte order.
type Event struct {
	Timestamp uint32
	Address   uint32
}

func (e Event) String() string {
	return fmt.Sprintf("%10d 0x%08x", e.Timestamp, e.Address)
}

// AppendEvents appends the wire form of evs to dst.
func AppendEvents(dst []byte, evs ...Event) []byte {
	for _, e := range evs {
		dst = binary.NativeEndian.AppendUint32(dst, e.Timestamp)
		dst = binary.NativeEndian.AppendUint32(dst, e.Address)
	}
	return dst
}

// DecodeEvents appends every complete event in b to dst and returns the
// number of bytes used, which leaves out a trailing partial event.
func DecodeEvents(dst []Event, b []byte) ([]Event, int) {
	n := len(b) - len(b)%eventSize
	for i := 0; i < n; i += eventSize {
		dst = append(dst, Event{
			Timestamp: binary.NativeEndian.Uint32(b[i:]),
			Address:   binary.NativeEndian.Uint32(b[i+wordSize:]),
		})
	}
	return dst, n
}
