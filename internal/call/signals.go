package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// handleEnvelope dispatches one relay delivery. Anything that does not match
// the current invite or session is logged and dropped.
func (c *Coordinator) handleEnvelope(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventOffer:
		data, err := env.Offer()
		if err != nil {
			c.drop(env, err.Error())
			return
		}
		c.handleOffer(sender(env.From, data.FromUserID), data)

	case protocol.EventSignal:
		data, err := env.Signal()
		if err != nil {
			c.drop(env, err.Error())
			return
		}
		c.handleRemoteSignal(env, sender(env.From, data.FromUserID), data.Signal)

	case protocol.EventEnd:
		data, err := env.End()
		if err != nil {
			c.drop(env, err.Error())
			return
		}
		c.handleRemoteEnd(env, sender(env.From, data.FromUserID), data.Reason)

	default:
		c.drop(env, "unknown event")
	}
}

// sender prefers the relay-stamped origin over the one claimed in the
// payload.
func sender(stamped, claimed string) string {
	if stamped != "" {
		return stamped
	}
	return claimed
}

func (c *Coordinator) drop(env *protocol.Envelope, why string) {
	util.Stats.AddDropped()
	util.LogDebug("dropped %s from %s: %s", env.Event, env.From, why)
}

func (c *Coordinator) handleOffer(from string, data *protocol.OfferData) {
	if from == "" || from == c.opts.SelfUserID {
		util.Stats.AddDropped()
		util.LogDebug("dropped offer with no usable sender")
		return
	}

	if c.isCounterpart(from) {
		util.Stats.AddDropped()
		util.LogDebug("dropped repeated offer from %s", from)
		return
	}

	if c.session != nil || c.invite != nil || c.initiating {
		util.Stats.AddDropped()
		util.LogInfo("busy: ignoring call from %s in chat %s", from, data.ChatID)
		if c.opts.ReplyBusy {
			err := c.deps.Relay.Publish(from, protocol.EventEnd, protocol.EndData{
				FromUserID: c.opts.SelfUserID,
				Reason:     protocol.ReasonBusy,
			})
			if err != nil {
				util.LogDebug("busy notice to %s not delivered: %v", from, err)
			}
		}
		return
	}

	inv := c.newInvite(InviteInfo{
		ChatID:            data.ChatID,
		CallerUserID:      from,
		CallerDisplayName: data.CallerDisplayName,
		CallerAvatar:      data.CallerAvatar,
	}, data.Signal)
	c.invite = inv

	util.LogInfo("incoming call from %s in chat %s", from, data.ChatID)
	c.notify(Notification{Kind: PhaseChanged, Phase: PhaseInviteReceived, Identity: inv.identity()})
	if !inv.stealth {
		info := inv.info
		c.notify(Notification{Kind: IncomingCall, Identity: inv.identity(), Invite: &info})
	}
}

// isCounterpart reports whether user is the other side of the current session
// or the caller of the pending invite.
func (c *Coordinator) isCounterpart(user string) bool {
	if c.session != nil && c.session.identity.RemoteUserID == user {
		return true
	}
	return c.invite != nil && c.invite.info.CallerUserID == user
}

func (c *Coordinator) handleRemoteSignal(env *protocol.Envelope, from string, sig protocol.Signal) {
	if sig.Type == protocol.SignalOffer {
		c.drop(env, "offer outside call:offer")
		return
	}

	if s := c.session; s != nil && s.identity.RemoteUserID == from {
		if s.conn != nil {
			c.feed(s, sig)
			return
		}
		s.pending.push(sig)
		util.Stats.AddQueued()
		return
	}

	if inv := c.invite; inv != nil && inv.info.CallerUserID == from {
		inv.pending.push(sig)
		util.Stats.AddQueued()
		return
	}

	c.drop(env, "no matching call")
}

func (c *Coordinator) handleRemoteEnd(env *protocol.Envelope, from, reason string) {
	if s := c.session; s != nil && s.identity.RemoteUserID == from {
		util.LogInfo("%s remote ended the call (%s)", s.identity, reasonOrDefault(reason))
		c.notify(Notification{Kind: Ended, Identity: s.identity, Reason: reasonOrDefault(reason)})
		c.cleanup(nil)
		return
	}

	if inv := c.invite; inv != nil && inv.info.CallerUserID == from {
		util.LogInfo("%s caller hung up before answer", inv.identity())
		c.notify(Notification{Kind: InviteCancelled, Identity: inv.identity(), Reason: reasonOrDefault(reason)})
		c.clearInvite(ErrCallEnded)
		c.notify(Notification{Kind: PhaseChanged, Phase: PhaseIdle})
		return
	}

	c.drop(env, "no matching call")
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return protocol.ReasonHangup
	}
	return reason
}

// handleLocalSignal sends a signal produced by the session's connection.
func (c *Coordinator) handleLocalSignal(gen uint64, sig protocol.Signal) {
	s := c.current(gen)
	if s == nil {
		return
	}
	remote := s.identity.RemoteUserID

	if sig.Type == protocol.SignalOffer {
		if s.role != RoleInitiator {
			util.LogWarning("%s responder produced an offer; dropped", s.identity)
			return
		}
		err := c.deps.Relay.Publish(remote, protocol.EventOffer, protocol.OfferData{
			FromUserID:        c.opts.SelfUserID,
			Signal:            sig,
			ChatID:            s.identity.ChatID,
			CallerDisplayName: c.opts.DisplayName,
			CallerAvatar:      c.opts.Avatar,
		})
		if err != nil {
			c.abort(err)
		}
		return
	}

	err := c.deps.Relay.Publish(remote, protocol.EventSignal, protocol.SignalData{
		FromUserID: c.opts.SelfUserID,
		Signal:     sig,
	})
	if err != nil {
		util.LogWarning("%s %s not delivered: %v", s.identity, sig.Type, err)
	}
}

func (c *Coordinator) handleRemoteMedia(gen uint64, track *webrtc.TrackRemote) {
	s := c.current(gen)
	if s == nil {
		return
	}
	first := !s.remoteLive
	s.remoteMedia = track
	s.remoteLive = true

	if first {
		c.notify(Notification{Kind: RemoteMedia, Identity: s.identity, Track: track})
		c.setPhase(s, PhaseConnected)
		util.LogSuccess("%s connected", s.identity)
	}
}
