package transport

import "errors"

var (
	// ErrConnectivity means no network path could be established, or an
	// established one was lost.
	ErrConnectivity = errors.New("peer connectivity failed")
	// ErrUnsupportedEnvironment means a media connection could not be built
	// at all.
	ErrUnsupportedEnvironment = errors.New("media connections are not supported")
	// ErrRenegotiation rejects a second offer or answer on one connection.
	ErrRenegotiation = errors.New("renegotiation is not supported")

	errClosed = errors.New("connection closed")
)
