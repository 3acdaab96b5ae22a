//go:build !linux

package sim

type chanDoorbell chan struct{}

func newDoorbell() (doorbell, error) {
	return make(chanDoorbell, 1), nil
}

func (b chanDoorbell) Ring() error {
	select {
	case b <- struct{}{}:
	default:
	}
	return nil
}

func (b chanDoorbell) Wait() error {
	<-b
	return nil
}

func (b chanDoorbell) Close() error {
	return nil
}
