// Package call coordinates the lifecycle of a single peer-to-peer call per
// client: invites, session setup over the relay, and teardown.
//
// All state lives on one goroutine. Public methods, relay deliveries,
// connection callbacks, media results and timers are turned into events and
// handled there one at a time.
package call

import (
	"context"
	"errors"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

const (
	eventBufferSize        = 64
	notificationBufferSize = 32
)

// Coordinator owns the client's call slot: at most one session or one invite
// exists at any time.
type Coordinator struct {
	deps Deps
	opts Options

	events chan event
	notes  chan Notification
	done   chan struct{}

	unsubscribe func()

	// Loop-owned state.
	session    *session
	invite     *invite
	initiating bool
	gen        uint64
}

// New creates a Coordinator and starts its loop on the relay subscription.
func New(deps Deps, opts Options) *Coordinator {
	if opts.AutoAnswerDelay <= 0 {
		opts.AutoAnswerDelay = DefaultAutoAnswerDelay
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints.Audio = true
		opts.Constraints.Video = true
	}

	inbound, unsubscribe := deps.Relay.Subscribe()
	c := &Coordinator{
		deps:        deps,
		opts:        opts,
		events:      make(chan event, eventBufferSize),
		notes:       make(chan Notification, notificationBufferSize),
		done:        make(chan struct{}),
		unsubscribe: unsubscribe,
	}
	go c.run(inbound)
	return c
}

// Notifications delivers events for the presentation layer. Notifications
// are dropped when the channel is full.
func (c *Coordinator) Notifications() <-chan Notification { return c.notes }

// Done is closed when the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// StartCall places a call. A missing RemoteUserID is resolved through the
// Directory. StartCall returns once the offer is ready to go out, or with the
// reason the attempt was abandoned.
func (c *Coordinator) StartCall(ctx context.Context, id Identity) error {
	if id.RemoteUserID == "" {
		if c.deps.Directory == nil {
			return ErrCannotResolveRecipient
		}
		remote, ok := c.deps.Directory.ResolveOtherParticipant(ctx, id.ChatID, c.opts.SelfUserID)
		if !ok || remote == "" {
			return ErrCannotResolveRecipient
		}
		id.RemoteUserID = remote
	}
	if id.RemoteUserID == c.opts.SelfUserID {
		return ErrCannotResolveRecipient
	}

	return c.request(ctx, func(reply chan error) event {
		return startRequest{identity: id, reply: reply}
	})
}

// AcceptInvite accepts the pending invite and returns once the connection is
// negotiating. A second call while an accept is in flight is a no-op.
func (c *Coordinator) AcceptInvite(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event {
		return acceptRequest{reply: reply}
	})
}

// DeclineInvite drops the pending invite and tells the caller.
func (c *Coordinator) DeclineInvite(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event {
		return declineRequest{reply: reply}
	})
}

// EndCall hangs up the active session.
func (c *Coordinator) EndCall(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event {
		return endRequest{reply: reply}
	})
}

// Cleanup tears down whatever call state exists. It is safe in every phase
// and any number of times.
func (c *Coordinator) Cleanup() {
	_ = c.request(context.Background(), func(reply chan error) event {
		return cleanupRequest{reply: reply}
	})
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case c.events <- snapshotRequest{reply: reply}:
	case <-c.done:
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return Snapshot{}
	}
}

// Close tears down any call and stops the coordinator.
func (c *Coordinator) Close() error {
	err := c.request(context.Background(), func(reply chan error) event {
		return closeRequest{reply: reply}
	})
	<-c.done
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Coordinator) request(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case c.events <- build(reply):
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		// The loop answers before it exits; prefer that answer.
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands an internal event to the loop. It reports false once the loop
// has stopped.
func (c *Coordinator) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) run(inbound <-chan *protocol.Envelope) {
	defer close(c.done)
	defer c.unsubscribe()

	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				util.LogWarning("relay subscription ended; no further signals will arrive")
				inbound = nil
				continue
			}
			c.handleEnvelope(env)

		case ev := <-c.events:
			if c.handle(ev) {
				return
			}
		}
	}
}

func (c *Coordinator) nextGen() uint64 {
	c.gen++
	return c.gen
}

func (c *Coordinator) notify(n Notification) {
	select {
	case c.notes <- n:
	default:
		util.LogWarning("notification %s dropped: consumer is not keeping up", n.Kind)
	}
}

func (c *Coordinator) phase() Phase {
	switch {
	case c.session != nil:
		return c.session.phase
	case c.invite != nil && c.invite.accepting:
		return PhaseAccepting
	case c.invite != nil:
		return PhaseInviteReceived
	default:
		return PhaseIdle
	}
}

func (c *Coordinator) snapshot() Snapshot {
	snap := Snapshot{Phase: c.phase()}
	if s := c.session; s != nil {
		snap.SessionID = s.id
		snap.Identity = s.identity
		snap.Role = s.role
		snap.InSession = true
		snap.Stealth = s.stealth
		snap.PendingSignals = s.pending.len()
		snap.LocalMedia = s.localMedia != nil
		snap.RemoteMedia = s.remoteLive
		snap.Connection = s.conn != nil
	}
	if inv := c.invite; inv != nil {
		info := inv.info
		snap.Invite = &info
		snap.Stealth = inv.stealth
		snap.PendingSignals = inv.pending.len()
	}
	return snap
}
