// Package transport wraps a pion PeerConnection as a single-offer,
// single-answer media connection driven by relayed signals.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// Options configures one Connection.
type Options struct {
	Initiator  bool
	ICEServers []ice.Server
	Tracks     []webrtc.TrackLocal
	// Label prefixes log lines.
	Label string
}

// Events are invoked one at a time, in order, on a goroutine owned by the
// Connection. Close discards events not yet started, but a callback already
// running when Close is called may return after it.
type Events struct {
	OnSignal      func(protocol.Signal)
	OnRemoteMedia func(*webrtc.TrackRemote)
	OnClose       func()
	OnError       func(error)
}

// Connection is one point-to-point media session. The initiator emits exactly
// one offer; the responder emits exactly one answer after it is fed the
// offer. Candidates flow in both directions around those descriptions.
type Connection struct {
	pc     *webrtc.PeerConnection
	opts   Options
	events Events
	emit   *emitter

	ctx    context.Context
	cancel context.CancelFunc

	// sigMu serializes Signal.
	sigMu         sync.Mutex
	described     bool
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit

	mu           sync.Mutex
	localSent    bool
	pendingLocal []webrtc.ICECandidateInit
	terminated   bool

	closeOnce sync.Once
	mediaOnce sync.Once
}

// NewConnection builds a Connection. An initiator produces its offer before
// NewConnection returns; it reaches the owner through Events.OnSignal.
func (f *Factory) NewConnection(ctx context.Context, opts Options, events Events) (*Connection, error) {
	pc, err := f.newPeerConnection(opts.ICEServers)
	if err != nil {
		return nil, err
	}
	if err := attachTracks(pc, opts.Tracks); err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEnvironment, err)
	}

	cCtx, cancel := context.WithCancel(ctx)
	c := &Connection{
		pc:     pc,
		opts:   opts,
		events: events,
		emit:   newEmitter(cCtx),
		ctx:    cCtx,
		cancel: cancel,
	}

	pc.OnICECandidate(c.handleLocalCandidate)
	pc.OnTrack(c.handleTrack)
	pc.OnConnectionStateChange(c.handleState)

	if opts.Initiator {
		offer, err := pc.CreateOffer(nil)
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		c.sendDescription(protocol.Signal{Type: protocol.SignalOffer, SDP: offer.SDP})
	}

	return c, nil
}

// Signal feeds one relayed signal into the connection. Remote candidates that
// arrive before the remote description are held and applied after it.
func (c *Connection) Signal(sig protocol.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	c.sigMu.Lock()
	defer c.sigMu.Unlock()

	if c.ctx.Err() != nil {
		return errClosed
	}

	switch sig.Type {
	case protocol.SignalOffer:
		if c.opts.Initiator || c.described {
			return fmt.Errorf("%w: unexpected offer", ErrRenegotiation)
		}
		c.described = true
		return c.answer(sig.SDP)

	case protocol.SignalAnswer:
		if !c.opts.Initiator || c.described {
			return fmt.Errorf("%w: unexpected answer", ErrRenegotiation)
		}
		c.described = true
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		c.remoteApplied()
		return nil

	default:
		if !c.remoteSet {
			c.pendingRemote = append(c.pendingRemote, *sig.Candidate)
			return nil
		}
		if err := c.pc.AddICECandidate(*sig.Candidate); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil
	}
}

func (c *Connection) answer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	c.remoteApplied()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("apply local answer: %w", err)
	}
	c.sendDescription(protocol.Signal{Type: protocol.SignalAnswer, SDP: answer.SDP})
	return nil
}

// remoteApplied flushes candidates held for the remote description.
func (c *Connection) remoteApplied() {
	c.remoteSet = true
	pending := c.pendingRemote
	c.pendingRemote = nil

	var errs []error
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		util.LogWarning("%s: %d held candidate(s) rejected: %v", c.opts.Label, len(errs), errors.Join(errs...))
	}
}

// sendDescription emits the local description followed by every candidate
// gathered before it.
func (c *Connection) sendDescription(sig protocol.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.raiseSignal(sig)
	c.localSent = true
	for i := range c.pendingLocal {
		cand := c.pendingLocal[i]
		c.raiseSignal(protocol.Signal{Type: protocol.SignalCandidate, Candidate: &cand})
	}
	c.pendingLocal = nil
}

func (c *Connection) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.localSent {
		c.pendingLocal = append(c.pendingLocal, init)
		return
	}
	c.raiseSignal(protocol.Signal{Type: protocol.SignalCandidate, Candidate: &init})
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	util.LogDebug("%s: remote %s track (%s)", c.opts.Label, track.Kind(), track.Codec().MimeType)
	go drainTrack(track)

	c.mediaOnce.Do(func() {
		if c.events.OnRemoteMedia != nil {
			c.emit.emit(func() { c.events.OnRemoteMedia(track) })
		}
	})
}

func (c *Connection) handleState(state webrtc.PeerConnectionState) {
	util.LogDebug("%s: peer connection %s", c.opts.Label, state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		util.LogSuccess("%s: media path established", c.opts.Label)
	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("%s: media path interrupted", c.opts.Label)
	case webrtc.PeerConnectionStateFailed:
		c.terminate(func() {
			if c.events.OnError != nil {
				c.events.OnError(ErrConnectivity)
			}
		})
	case webrtc.PeerConnectionStateClosed:
		c.terminate(func() {
			if c.events.OnClose != nil {
				c.events.OnClose()
			}
		})
	}
}

// terminate raises the single terminal event unless the owner already
// closed the connection.
func (c *Connection) terminate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated || c.ctx.Err() != nil {
		return
	}
	c.terminated = true
	c.emit.emit(fn)
}

// raiseSignal must be called with c.mu held.
func (c *Connection) raiseSignal(sig protocol.Signal) {
	if c.events.OnSignal == nil {
		return
	}
	c.emit.emit(func() { c.events.OnSignal(sig) })
}

// Close tears down the PeerConnection. Events still queued are discarded.
// Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.terminated = true
		c.mu.Unlock()

		c.cancel()
		err = c.pc.Close()
	})
	return err
}
