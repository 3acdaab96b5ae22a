package dma

import "fmt"

// Buffer is one fixed-size block of a [Pool].
//
// For receive pools, head is the first byte not yet consumed by the reader
// and tail is the number of valid bytes the engine wrote. For transmit pools,
// fill is the number of bytes placed by the writer.
type Buffer struct {
	mem  Mem
	head int
	tail int
	fill int
}

// Bytes returns the whole block.
func (b *Buffer) Bytes() []byte {
	return b.mem.Bytes()
}

// Cap returns the size of the block.
func (b *Buffer) Cap() int {
	return len(b.mem.Bytes())
}

// Addr returns the engine address of the block.
func (b *Buffer) Addr() uintptr {
	return b.mem.Addr()
}

// Head returns the first unconsumed byte position.
func (b *Buffer) Head() int {
	return b.head
}

// Tail returns the number of valid bytes in the block.
func (b *Buffer) Tail() int {
	return b.tail
}

// Unread returns the received bytes that were not consumed yet.
func (b *Buffer) Unread() []byte {
	return b.mem.Bytes()[b.head:b.tail]
}

// Advance marks n more bytes as consumed and reports whether the buffer is
// now fully consumed.
func (b *Buffer) Advance(n int) bool {
	if n < 0 || b.head+n > b.tail {
		panic(fmt.Sprintf("advance by %d past tail %d (head %d)", n, b.tail, b.head))
	}
	b.head += n
	return b.head == b.tail
}

// Fill returns the number of bytes placed for transmission.
func (b *Buffer) Fill() int {
	return b.fill
}

// SetFill records the number of bytes placed for transmission.
func (b *Buffer) SetFill(n int) {
	if n < 0 || n > b.Cap() {
		panic(fmt.Sprintf("fill %d out of range [0, %d]", n, b.Cap()))
	}
	b.fill = n
}

func (b *Buffer) reset(tail int) {
	b.head = 0
	b.tail = tail
}
