package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

// event is anything the loop handles besides relay envelopes.
type event interface{}

type (
	startRequest struct {
		identity Identity
		reply    chan error
	}
	acceptRequest   struct{ reply chan error }
	declineRequest  struct{ reply chan error }
	endRequest      struct{ reply chan error }
	cleanupRequest  struct{ reply chan error }
	closeRequest    struct{ reply chan error }
	snapshotRequest struct{ reply chan Snapshot }

	// prepared carries the result of media acquisition plus ICE resolution
	// for the attempt tagged gen.
	prepared struct {
		gen     uint64
		handle  *media.Handle
		servers []ice.Server
		err     error
	}

	autoAnswer struct{ gen uint64 }

	connSignal struct {
		gen uint64
		sig protocol.Signal
	}
	connMedia struct {
		gen   uint64
		track *webrtc.TrackRemote
	}
	connClosed struct{ gen uint64 }
	connError  struct {
		gen uint64
		err error
	}
)

// handle runs one event. It reports true when the loop must stop.
func (c *Coordinator) handle(ev event) bool {
	switch ev := ev.(type) {
	case startRequest:
		c.handleStart(ev)
	case acceptRequest:
		c.handleAccept(ev.reply)
	case declineRequest:
		ev.reply <- c.handleDecline()
	case endRequest:
		ev.reply <- c.handleEnd()
	case cleanupRequest:
		c.cleanup(nil)
		ev.reply <- nil
	case closeRequest:
		c.cleanup(nil)
		ev.reply <- nil
		return true
	case snapshotRequest:
		ev.reply <- c.snapshot()

	case prepared:
		c.handlePrepared(ev)
	case autoAnswer:
		c.handleAutoAnswer(ev.gen)

	case connSignal:
		c.handleLocalSignal(ev.gen, ev.sig)
	case connMedia:
		c.handleRemoteMedia(ev.gen, ev.track)
	case connClosed:
		if s := c.current(ev.gen); s != nil {
			c.notify(Notification{Kind: Ended, Identity: s.identity, Reason: "connection closed"})
			c.cleanup(nil)
		}
	case connError:
		if c.current(ev.gen) != nil {
			c.abort(ev.err)
		}
	}
	return false
}

// current returns the session if gen still names it.
func (c *Coordinator) current(gen uint64) *session {
	if c.session == nil || c.session.gen != gen {
		return nil
	}
	return c.session
}

// connEvents routes connection callbacks into the loop, tagged with the
// session they belong to.
func (c *Coordinator) connEvents(gen uint64) transport.Events {
	return transport.Events{
		OnSignal:      func(sig protocol.Signal) { c.post(connSignal{gen: gen, sig: sig}) },
		OnRemoteMedia: func(t *webrtc.TrackRemote) { c.post(connMedia{gen: gen, track: t}) },
		OnClose:       func() { c.post(connClosed{gen: gen}) },
		OnError:       func(err error) { c.post(connError{gen: gen, err: err}) },
	}
}
