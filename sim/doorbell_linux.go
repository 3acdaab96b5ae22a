//go:build linux

package sim

import (
	"errors"

	"github.com/iit-edl/hpu/eventfd"
)

type eventDoorbell struct {
	efd *eventfd.EventFD
	ep  *eventfd.Epoll
}

func newDoorbell() (_ doorbell, err error) {
	efd, err := eventfd.New()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = efd.Close()
		}
	}()

	ep, err := eventfd.NewEpoll()
	if err != nil {
		return nil, err
	}
	if err = ep.AddEvent(efd.FD()); err != nil {
		_ = ep.Close()
		return nil, err
	}

	return &eventDoorbell{efd: efd, ep: ep}, nil
}

func (b *eventDoorbell) Ring() error {
	return b.efd.Kick()
}

func (b *eventDoorbell) Wait() error {
	for {
		n, err := b.ep.Block(-1)
		if err != nil {
			return err
		}
		if n > 0 {
			return b.ep.Clear()
		}
	}
}

func (b *eventDoorbell) Close() error {
	return errors.Join(b.ep.Close(), b.efd.Close())
}
