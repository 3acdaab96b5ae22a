package sim

// doorbell wakes up the device worker. Rings before a Wait coalesce into one
// wake up.
type doorbell interface {
	Ring() error
	Wait() error
	Close() error
}
