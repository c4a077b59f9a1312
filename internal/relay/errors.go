package relay

import "errors"

var (
	// ErrDeliveryFailure is returned by Publish when a frame could not be
	// handed to the relay. Delivery to the remote inbox is never confirmed.
	ErrDeliveryFailure = errors.New("relay delivery failed")

	errClosed    = errors.New("relay connection closed")
	errQueueFull = errors.New("outbound queue full")
)
