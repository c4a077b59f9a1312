package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
)

// session is the one active call. Only the coordinator loop touches it.
type session struct {
	id       string
	gen      uint64
	identity Identity
	role     Role
	phase    Phase
	stealth  bool

	localMedia  *media.Handle
	remoteMedia *webrtc.TrackRemote
	remoteLive  bool
	conn        Connection
	pending     *signalQueue

	ctx    context.Context
	cancel context.CancelFunc

	// setup receives the outcome of StartCall.
	setup chan error
}

// invite is an offer waiting for the user. Signals from the caller that
// arrive before the session exists queue here and move to the session.
type invite struct {
	gen  uint64
	info InviteInfo

	offer   protocol.Signal
	pending *signalQueue

	accepting bool
	stealth   bool
	timer     *time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	// reply receives the outcome of the in-flight accept.
	reply chan error
}

// InviteInfo describes an incoming call.
type InviteInfo struct {
	ChatID            string
	CallerUserID      string
	CallerDisplayName string
	CallerAvatar      string
}

// Snapshot is a point-in-time view of the coordinator for rendering.
type Snapshot struct {
	Phase     Phase
	SessionID string
	Identity  Identity
	Role      Role
	InSession bool
	Stealth   bool
	Invite    *InviteInfo

	PendingSignals int
	LocalMedia     bool
	RemoteMedia    bool
	Connection     bool
}

// NotificationKind classifies a Notification.
type NotificationKind int

const (
	IncomingCall NotificationKind = iota
	PhaseChanged
	RemoteMedia
	Failure
	Ended
	InviteCancelled
)

func (k NotificationKind) String() string {
	switch k {
	case IncomingCall:
		return "incoming-call"
	case PhaseChanged:
		return "phase-changed"
	case RemoteMedia:
		return "remote-media"
	case Failure:
		return "failure"
	case Ended:
		return "ended"
	case InviteCancelled:
		return "invite-cancelled"
	default:
		return "unknown"
	}
}

// Notification is an event for the presentation layer.
type Notification struct {
	Kind     NotificationKind
	Phase    Phase
	Identity Identity
	Invite   *InviteInfo
	Track    *webrtc.TrackRemote

	// Err and Message are set for Failure. Capture classifies failures of
	// local media acquisition and is FailureNone otherwise.
	Err     error
	Message string
	Capture media.FailureKind
	// Reason is set for Ended.
	Reason string
}
