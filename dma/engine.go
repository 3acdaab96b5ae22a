package dma

import "fmt"

// Direction is the direction of a transfer, seen from the host.
type Direction int

const (
	// Receive transfers move data from the device into host memory.
	Receive Direction = iota
	// Transmit transfers move data from host memory to the device.
	Transmit
)

func (d Direction) String() string {
	switch d {
	case Receive:
		return "rx"
	case Transmit:
		return "tx"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Engine is a scatter-gather transfer engine with one channel per
// [Direction].
//
// Submit queues a single transfer of length bytes from or into mem. Queued
// transfers are started by IssuePending. When a transfer finished, done is
// called with the number of bytes actually moved. Implementations must call
// done from a goroutine they own, never from within Submit, and never while
// holding a lock that the device control plane may take. Transfers of one
// direction complete in the order they were submitted.
//
// Terminate aborts every transfer of the direction. When it returns, no done
// callback for that direction is running and none will be called anymore.
type Engine interface {
	Submit(dir Direction, mem Mem, length int, done func(actual int)) error
	IssuePending(dir Direction) error
	Terminate(dir Direction) error
}
