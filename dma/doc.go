// Package dma implements the buffer side of a scatter-gather DMA stream: a ring
// of fixed-size, DMA-addressable buffers per transfer direction and the narrow
// interface the stream uses to hand those buffers to a transfer engine.
// This package does not know anything about the device on the other end of the
// engine. It only allocates the buffers, keeps the ring indexes and tells
// waiters when buffers become available.
package dma
