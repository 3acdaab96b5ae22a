//go:build linux

// Package eventfd wraps a non-blocking Linux eventfd and an epoll instance
// waiting on it. Together they form a doorbell: one side kicks, the other side
// blocks until it was kicked at least once.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the eventfd counter, waking up a blocked [Epoll].
func (e *EventFD) Kick() error {
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, the reader has plenty of kicks pending.
		return nil
	}
	return err
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	return unix.Close(fd)
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	buf    [8]byte
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 1),
	}, nil
}

// AddEvent registers fd for readability.
func (ep *Epoll) AddEvent(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Block waits until one of the registered descriptors is readable or the
// timeout in milliseconds expired. A negative timeout waits forever. It
// returns the number of ready descriptors, which is 0 on timeout and when the
// wait was interrupted by a signal.
func (ep *Epoll) Block(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

// Clear resets the counter of the descriptor reported by the last [Epoll.Block]
// so the next Block waits for a new kick.
func (ep *Epoll) Clear() error {
	_, err := unix.Read(int(ep.events[0].Fd), ep.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	fd := ep.fd
	ep.fd = -1
	return unix.Close(fd)
}
