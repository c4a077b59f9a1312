package call

import (
	"context"
	"time"

	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

// Relay delivers envelopes to and from per-user inboxes.
type Relay interface {
	Subscribe() (<-chan *protocol.Envelope, func())
	Publish(to string, event protocol.Event, data any) error
}

// MediaSource acquires local capture handles.
type MediaSource = media.Capturer

// ICEResolver returns the servers for a new connection. It must not fail.
type ICEResolver interface {
	Resolve(ctx context.Context) []ice.Server
}

// Directory resolves the counterpart of a two-person chat.
type Directory interface {
	ResolveOtherParticipant(ctx context.Context, chatID, self string) (string, bool)
}

// Connection is the point-to-point media connection a session owns.
type Connection interface {
	Signal(sig protocol.Signal) error
	Close() error
}

// Connector builds connections.
type Connector interface {
	NewConnection(ctx context.Context, opts transport.Options, events transport.Events) (Connection, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, opts transport.Options, events transport.Events) (Connection, error)

func (f ConnectorFunc) NewConnection(ctx context.Context, opts transport.Options, events transport.Events) (Connection, error) {
	return f(ctx, opts, events)
}

// Deps are the collaborators of a Coordinator. ICE and Directory are optional.
type Deps struct {
	Relay     Relay
	Media     MediaSource
	ICE       ICEResolver
	Directory Directory
	Connector Connector
}

// Options configure a Coordinator.
type Options struct {
	SelfUserID  string
	DisplayName string
	Avatar      string

	// AutoAnswer accepts every invite after AutoAnswerDelay without
	// announcing it.
	AutoAnswer      bool
	AutoAnswerDelay time.Duration

	// ReplyBusy answers an offer that arrives while busy with a busy end
	// signal instead of dropping it silently.
	ReplyBusy bool

	Constraints media.Constraints
}

// DefaultAutoAnswerDelay is used when Options.AutoAnswerDelay is zero.
const DefaultAutoAnswerDelay = time.Second
