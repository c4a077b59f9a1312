package call

import "fmt"

// Phase is the lifecycle position of the client's single call slot.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitiating
	PhaseAwaitingAnswer
	PhaseInviteReceived
	PhaseAccepting
	PhaseConnecting
	PhaseConnected
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitiating:
		return "initiating"
	case PhaseAwaitingAnswer:
		return "awaiting-answer"
	case PhaseInviteReceived:
		return "invite-received"
	case PhaseAccepting:
		return "accepting"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Role is fixed when a session is created.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Identity names the conversation and counterparty of a call.
type Identity struct {
	ChatID       string
	RemoteUserID string
}

func (id Identity) String() string {
	return fmt.Sprintf("[%s/%s]", id.ChatID, id.RemoteUserID)
}
