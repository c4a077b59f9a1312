package media

import (
	"context"
	"errors"
)

// Local capture failures. Each one abandons the call attempt that asked for
// media.
var (
	ErrUnsupportedContext = errors.New("media capture is not available")
	ErrPermissionDenied   = errors.New("media permission denied")
	ErrDeviceNotFound     = errors.New("no matching media device")
	ErrRequestAborted     = errors.New("media request aborted")
)

// FailureKind names the class of a capture failure.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureUnsupportedContext
	FailurePermissionDenied
	FailureDeviceNotFound
	FailureRequestAborted
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureUnsupportedContext:
		return "unsupported-context"
	case FailurePermissionDenied:
		return "permission-denied"
	case FailureDeviceNotFound:
		return "device-not-found"
	case FailureRequestAborted:
		return "request-aborted"
	default:
		return "unknown"
	}
}

// Classify maps an Acquire error onto its FailureKind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrUnsupportedContext):
		return FailureUnsupportedContext
	case errors.Is(err, ErrPermissionDenied):
		return FailurePermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return FailureDeviceNotFound
	case errors.Is(err, ErrRequestAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureRequestAborted
	default:
		return FailureUnknown
	}
}
