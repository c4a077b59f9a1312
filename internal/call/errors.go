package call

import (
	"errors"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/relay"
	"github.com/1ureka/p2pcall/internal/transport"
)

var (
	ErrAlreadyInCall          = errors.New("already in a call")
	ErrCannotResolveRecipient = errors.New("cannot resolve call recipient")
	ErrNoInvite               = errors.New("no pending invite")
	ErrNotInCall              = errors.New("not in a call")
	// ErrCallEnded is returned to an operation whose call was torn down
	// before it completed.
	ErrCallEnded = errors.New("call ended")
	ErrClosed    = errors.New("coordinator closed")
)

// UserMessage returns the sentence shown to the user for a call failure.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInCall):
		return "You are already in a call."
	case errors.Is(err, ErrCannotResolveRecipient):
		return "Could not work out who to call in this chat."
	}

	switch captureFailure(err) {
	case media.FailurePermissionDenied:
		return "Camera or microphone access was denied."
	case media.FailureDeviceNotFound:
		return "No camera or microphone was found."
	case media.FailureRequestAborted:
		return "The camera or microphone request was interrupted."
	case media.FailureUnsupportedContext:
		return "Calls are not available in this environment."
	}

	switch {
	case errors.Is(err, transport.ErrConnectivity):
		return "Could not connect to the other person."
	case errors.Is(err, transport.ErrUnsupportedEnvironment):
		return "This device cannot make calls."
	case errors.Is(err, relay.ErrDeliveryFailure):
		return "The call could not reach the other person."
	case errors.Is(err, ErrNoInvite):
		return "There is no incoming call."
	case errors.Is(err, ErrNotInCall):
		return "There is no call to end."
	case errors.Is(err, ErrCallEnded):
		return "The call ended."
	default:
		return "The call failed."
	}
}

// captureFailure classifies err as a local media failure, or FailureNone when
// it did not come from capture.
func captureFailure(err error) media.FailureKind {
	k := media.Classify(err)
	if k == media.FailureUnknown {
		return media.FailureNone
	}
	return k
}
