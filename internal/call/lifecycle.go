package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

func (c *Coordinator) newSession(id Identity, role Role, stealth bool) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       uuid.NewString(),
		gen:      c.nextGen(),
		identity: id,
		role:     role,
		stealth:  stealth,
		pending:  &signalQueue{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Coordinator) setPhase(s *session, p Phase) {
	if s.phase == p {
		return
	}
	util.LogDebug("%s %s -> %s", s.identity, s.phase, p)
	s.phase = p
	c.notify(Notification{Kind: PhaseChanged, Phase: p, Identity: s.identity})
}

func (c *Coordinator) handleStart(req startRequest) {
	if c.session != nil || c.invite != nil || c.initiating {
		req.reply <- ErrAlreadyInCall
		return
	}

	c.initiating = true
	s := c.newSession(req.identity, RoleInitiator, false)
	s.setup = req.reply
	c.session = s
	c.setPhase(s, PhaseInitiating)
	util.Stats.AddStarted()
	util.LogInfo("%s calling", s.identity)

	go c.prepare(s.ctx, s.gen)
}

func (c *Coordinator) handleAccept(reply chan error) {
	inv := c.invite
	if inv == nil {
		reply <- ErrNoInvite
		return
	}
	if inv.accepting {
		reply <- nil
		return
	}
	c.beginAccept(inv, reply)
}

func (c *Coordinator) handleAutoAnswer(gen uint64) {
	inv := c.invite
	if inv == nil || inv.gen != gen || inv.accepting {
		return
	}
	util.LogDebug("auto-answering call from %s", inv.info.CallerUserID)
	c.beginAccept(inv, nil)
}

func (c *Coordinator) beginAccept(inv *invite, reply chan error) {
	inv.accepting = true
	inv.reply = reply
	if inv.timer != nil {
		inv.timer.Stop()
	}
	util.LogDebug("[%s/%s] %s -> %s", inv.info.ChatID, inv.info.CallerUserID, PhaseInviteReceived, PhaseAccepting)
	c.notify(Notification{Kind: PhaseChanged, Phase: PhaseAccepting, Identity: inv.identity()})

	go c.prepare(inv.ctx, inv.gen)
}

// prepare acquires local media and then the ICE servers. It runs off the
// loop; the result is posted back tagged with gen so that a result for an
// attempt that has since been torn down can be recognised and released.
func (c *Coordinator) prepare(ctx context.Context, gen uint64) {
	handle, err := c.deps.Media.Acquire(ctx, c.opts.Constraints)
	if err != nil {
		c.post(prepared{gen: gen, err: err})
		return
	}

	servers := ice.DefaultServers
	if c.deps.ICE != nil {
		if resolved := c.deps.ICE.Resolve(ctx); len(resolved) > 0 {
			servers = resolved
		}
	}

	if !c.post(prepared{gen: gen, handle: handle, servers: servers}) {
		handle.Stop()
	}
}

func (c *Coordinator) handlePrepared(p prepared) {
	if s := c.current(p.gen); s != nil && s.role == RoleInitiator && s.phase == PhaseInitiating {
		c.finishStart(s, p)
		return
	}
	if inv := c.invite; inv != nil && inv.gen == p.gen && inv.accepting {
		c.finishAccept(inv, p)
		return
	}

	// The attempt was torn down while media was being acquired.
	if p.handle != nil {
		p.handle.Stop()
		util.LogDebug("released media acquired for an abandoned call")
	}
}

func (c *Coordinator) finishStart(s *session, p prepared) {
	if p.err != nil {
		c.abort(p.err)
		return
	}
	s.localMedia = p.handle

	conn, err := c.deps.Connector.NewConnection(s.ctx, transport.Options{
		Initiator:  true,
		ICEServers: p.servers,
		Tracks:     p.handle.Tracks(),
		Label:      s.identity.String(),
	}, c.connEvents(s.gen))
	if err != nil {
		c.abort(err)
		return
	}
	s.conn = conn
	c.initiating = false
	c.setPhase(s, PhaseAwaitingAnswer)
	c.replay(s)

	if s.setup != nil {
		s.setup <- nil
		s.setup = nil
	}
}

func (c *Coordinator) finishAccept(inv *invite, p prepared) {
	reply := inv.reply
	respond := func(err error) {
		if reply != nil {
			reply <- err
		}
	}

	if p.err != nil {
		// No session was created; the invite goes with the failure.
		inv.reply = nil
		c.clearInvite(nil)
		c.notify(Notification{Kind: Failure, Identity: inv.identity(), Err: p.err, Message: UserMessage(p.err), Capture: captureFailure(p.err)})
		c.notify(Notification{Kind: PhaseChanged, Phase: PhaseIdle})
		util.LogError("%s cannot accept call: %v", inv.identity(), p.err)
		respond(p.err)
		return
	}

	s := c.newSession(inv.identity(), RoleResponder, inv.stealth)
	s.localMedia = p.handle
	s.pending = inv.pending
	s.phase = PhaseAccepting
	inv.pending = &signalQueue{}
	inv.reply = nil
	c.clearInvite(nil)
	c.session = s

	conn, err := c.deps.Connector.NewConnection(s.ctx, transport.Options{
		Initiator:  false,
		ICEServers: p.servers,
		Tracks:     p.handle.Tracks(),
		Label:      s.identity.String(),
	}, c.connEvents(s.gen))
	if err != nil {
		c.abort(err)
		respond(err)
		return
	}
	s.conn = conn

	if err := conn.Signal(inv.offer); err != nil {
		err = fmt.Errorf("apply offer: %w", err)
		c.abort(err)
		respond(err)
		return
	}
	c.replay(s)
	if c.current(s.gen) == nil {
		respond(ErrCallEnded)
		return
	}

	c.setPhase(s, PhaseConnecting)
	util.Stats.AddAccepted()
	util.LogInfo("%s call accepted", s.identity)
	respond(nil)
}

// replay feeds every queued signal to the new connection, in order, once.
func (c *Coordinator) replay(s *session) {
	queued := s.pending.drain()
	if len(queued) > 0 {
		util.LogDebug("%s replaying %d queued signal(s)", s.identity, len(queued))
	}
	for _, sig := range queued {
		if c.current(s.gen) == nil {
			return
		}
		c.feed(s, sig)
	}
}

// feed hands one remote signal to the session's connection.
func (c *Coordinator) feed(s *session, sig protocol.Signal) {
	err := s.conn.Signal(sig)
	switch {
	case err == nil:
	case sig.Type == protocol.SignalCandidate:
		util.LogWarning("%s rejected remote candidate: %v", s.identity, err)
		return
	default:
		c.abort(fmt.Errorf("apply %s: %w", sig.Type, err))
		return
	}

	if sig.Type == protocol.SignalAnswer && s.role == RoleInitiator && s.phase == PhaseAwaitingAnswer {
		c.setPhase(s, PhaseConnecting)
	}
}

func (c *Coordinator) handleDecline() error {
	inv := c.invite
	if inv == nil {
		return ErrNoInvite
	}

	err := c.deps.Relay.Publish(inv.info.CallerUserID, protocol.EventEnd, protocol.EndData{
		FromUserID: c.opts.SelfUserID,
		Reason:     protocol.ReasonDeclined,
	})
	if err != nil {
		util.LogDebug("decline notice to %s not delivered: %v", inv.info.CallerUserID, err)
	}

	util.LogInfo("declined call from %s", inv.info.CallerUserID)
	c.clearInvite(ErrCallEnded)
	c.notify(Notification{Kind: PhaseChanged, Phase: PhaseIdle})
	return nil
}

func (c *Coordinator) handleEnd() error {
	s := c.session
	if s == nil {
		return ErrNotInCall
	}

	err := c.deps.Relay.Publish(s.identity.RemoteUserID, protocol.EventEnd, protocol.EndData{
		FromUserID: c.opts.SelfUserID,
		Reason:     protocol.ReasonHangup,
	})
	if err != nil {
		util.LogDebug("%s hangup notice not delivered: %v", s.identity, err)
	}

	c.notify(Notification{Kind: Ended, Identity: s.identity, Reason: protocol.ReasonHangup})
	c.cleanup(nil)
	return nil
}

// abort surfaces err once and tears the attempt down. A StartCall waiting on
// the attempt receives err.
func (c *Coordinator) abort(err error) {
	id := Identity{}
	if c.session != nil {
		id = c.session.identity
	}
	util.LogError("%s call failed: %v", id, err)
	c.notify(Notification{Kind: Failure, Identity: id, Err: err, Message: UserMessage(err), Capture: captureFailure(err)})
	c.cleanup(err)
}

// cleanup releases everything the call slot holds. It is idempotent, valid in
// every phase, and never fails: teardown errors are logged.
func (c *Coordinator) cleanup(cause error) {
	if cause == nil {
		cause = ErrCallEnded
	}

	s := c.session
	c.session = nil
	c.initiating = false

	if s != nil {
		s.cancel()
		if s.conn != nil {
			conn := s.conn
			safely(s.identity, "close connection", conn.Close)
			s.conn = nil
		}
		if s.localMedia != nil {
			h := s.localMedia
			safely(s.identity, "stop local media", func() error { h.Stop(); return nil })
			s.localMedia = nil
		}
		s.remoteMedia = nil
		s.remoteLive = false
		s.pending.discard()
		s.stealth = false
		c.setPhase(s, PhaseEnded)

		if s.setup != nil {
			s.setup <- cause
			s.setup = nil
		}
		util.Stats.AddEnded()
		util.LogInfo("%s call ended", s.identity)
	}

	hadInvite := c.invite != nil
	c.clearInvite(cause)

	if s != nil || hadInvite {
		c.notify(Notification{Kind: PhaseChanged, Phase: PhaseIdle})
	}
}

// clearInvite drops the pending invite. An accept waiting on it receives
// cause.
func (c *Coordinator) clearInvite(cause error) {
	inv := c.invite
	if inv == nil {
		return
	}
	c.invite = nil

	if inv.timer != nil {
		inv.timer.Stop()
	}
	inv.cancel()
	inv.pending.discard()
	if inv.reply != nil {
		if cause == nil {
			cause = ErrCallEnded
		}
		inv.reply <- cause
		inv.reply = nil
	}
}

func (inv *invite) identity() Identity {
	return Identity{ChatID: inv.info.ChatID, RemoteUserID: inv.info.CallerUserID}
}

// safely runs one teardown step, logging its error or panic.
func safely(id Identity, step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("%s %s panicked: %v", id, step, r)
		}
	}()
	if err := fn(); err != nil {
		util.LogWarning("%s %s: %v", id, step, err)
	}
}

func (c *Coordinator) newInvite(info InviteInfo, offer protocol.Signal) *invite {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &invite{
		gen:     c.nextGen(),
		info:    info,
		offer:   offer,
		pending: &signalQueue{},
		stealth: c.opts.AutoAnswer,
		ctx:     ctx,
		cancel:  cancel,
	}
	if c.opts.AutoAnswer {
		gen := inv.gen
		inv.timer = time.AfterFunc(c.opts.AutoAnswerDelay, func() {
			c.post(autoAnswer{gen: gen})
		})
	}
	return inv
}
