package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

var ctx = context.Background()

func TestCallLifecycle(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatalf("start call: %v", err)
	}

	eventually(t, "incoming call", func() bool { return len(bob.notes.of(IncomingCall)) == 1 })
	in := bob.notes.of(IncomingCall)[0]
	if in.Invite.CallerUserID != "a" || in.Invite.ChatID != "c1" || in.Invite.CallerDisplayName != "User a" {
		t.Fatalf("invite = %+v", in.Invite)
	}

	if err := bob.AcceptInvite(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	alice.waitPhase(t, PhaseConnected)
	bob.waitPhase(t, PhaseConnected)

	if s := alice.Snapshot(); s.Role != RoleInitiator || s.Identity.RemoteUserID != "b" {
		t.Fatalf("caller snapshot = %+v", s)
	}
	if s := bob.Snapshot(); s.Role != RoleResponder || s.Identity.RemoteUserID != "a" || s.Identity.ChatID != "c1" {
		t.Fatalf("callee snapshot = %+v", s)
	}

	if err := alice.EndCall(ctx); err != nil {
		t.Fatalf("end call: %v", err)
	}
	alice.requireIdle(t)
	bob.waitPhase(t, PhaseIdle)
	bob.requireIdle(t)

	eventually(t, "ended notification", func() bool { return len(bob.notes.of(Ended)) > 0 })
	ended := bob.notes.of(Ended)
	if len(ended) != 1 || ended[0].Reason != protocol.ReasonHangup {
		t.Fatalf("callee ended notifications = %+v", ended)
	}
	for _, cl := range []*client{alice, bob} {
		for _, conn := range cl.connector.all() {
			if !conn.isClosed() {
				t.Fatalf("%s connection left open", cl.opts.SelfUserID)
			}
		}
		for _, h := range cl.media.all() {
			if !h.Stopped() {
				t.Fatalf("%s media left running", cl.opts.SelfUserID)
			}
		}
	}
}

func TestRoles(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)
	if err := bob.AcceptInvite(ctx); err != nil {
		t.Fatal(err)
	}
	alice.waitPhase(t, PhaseConnected)

	if offers := alice.relay.published(protocol.EventOffer); len(offers) != 1 || offers[0].To != "b" {
		t.Fatalf("caller offers = %d", len(offers))
	}
	if offers := bob.relay.published(protocol.EventOffer); len(offers) != 0 {
		t.Fatalf("callee sent %d offers", len(offers))
	}

	sent := bob.relay.published(protocol.EventSignal)
	if len(sent) == 0 {
		t.Fatal("callee sent nothing")
	}
	first, err := sent[0].Signal()
	if err != nil || first.Signal.Type != protocol.SignalAnswer {
		t.Fatalf("callee first signal = %+v, %v", first, err)
	}

	conns := bob.connector.all()
	if len(conns) != 1 || conns[0].opts.Initiator {
		t.Fatal("callee connection must be a responder")
	}
	if conns := alice.connector.all(); len(conns) != 1 || !conns[0].opts.Initiator {
		t.Fatal("caller connection must be an initiator")
	}
}

func TestStartCallWhileInitiating(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	entered, release := alice.media.gated()
	defer release()

	first := make(chan error, 1)
	go func() { first <- alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}) }()
	<-entered

	if s := alice.Snapshot(); s.Phase != PhaseInitiating || !s.InSession {
		t.Fatalf("snapshot = %+v", s)
	}
	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second start: err = %v, want ErrAlreadyInCall", err)
	}

	release()
	if err := <-first; err != nil {
		t.Fatalf("first start: %v", err)
	}
	if got := len(alice.connector.all()); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
	if s := alice.Snapshot(); s.Phase != PhaseAwaitingAnswer {
		t.Fatalf("phase = %s", s.Phase)
	}
}

func TestStartCallWithPendingInvite(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)

	if err := bob.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "a"}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("err = %v, want ErrAlreadyInCall", err)
	}
	if s := bob.Snapshot(); s.InSession || s.Invite == nil {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestStartCallResolvesRecipient(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})

	for _, id := range []Identity{{ChatID: "unknown"}, {ChatID: "group"}, {ChatID: "c1", RemoteUserID: "a"}} {
		if err := alice.StartCall(ctx, id); !errors.Is(err, ErrCannotResolveRecipient) {
			t.Fatalf("%+v: err = %v, want ErrCannotResolveRecipient", id, err)
		}
	}
	alice.requireIdle(t)

	if err := alice.StartCall(ctx, Identity{ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if s := alice.Snapshot(); s.Identity.RemoteUserID != "b" {
		t.Fatalf("resolved remote = %q, want b", s.Identity.RemoteUserID)
	}
	eventually(t, "offer", func() bool { return len(alice.relay.published(protocol.EventOffer)) == 1 })
	if offers := alice.relay.published(protocol.EventOffer); offers[0].To != "b" {
		t.Fatal("offer not addressed to the resolved recipient")
	}
}

func TestQueuedSignalsReplayInOrder(t *testing.T) {
	b := newBus()
	bob := newClient(t, b, "b", Options{})

	offer := protocol.Signal{Type: protocol.SignalOffer, SDP: "v=0 offer"}
	b.send(t, "a", "b", protocol.EventOffer, protocol.OfferData{FromUserID: "a", Signal: offer, ChatID: "c1"})
	s1, s2, s3 := candidateSignal("s1"), candidateSignal("s2"), candidateSignal("s3")
	b.send(t, "a", "b", protocol.EventSignal, protocol.SignalData{FromUserID: "a", Signal: s1})
	bob.waitPhase(t, PhaseInviteReceived)

	entered, release := bob.media.gated()
	defer release()
	accepted := make(chan error, 1)
	go func() { accepted <- bob.AcceptInvite(ctx) }()
	<-entered

	// These arrive while local media is still being acquired.
	b.send(t, "a", "b", protocol.EventSignal, protocol.SignalData{FromUserID: "a", Signal: s2})
	b.send(t, "a", "b", protocol.EventSignal, protocol.SignalData{FromUserID: "a", Signal: s3})
	eventually(t, "signals queued", func() bool { return bob.Snapshot().PendingSignals == 3 })

	release()
	if err := <-accepted; err != nil {
		t.Fatalf("accept: %v", err)
	}

	conns := bob.connector.all()
	if len(conns) != 1 {
		t.Fatalf("connections = %d", len(conns))
	}
	got := conns[0].signals()
	want := []protocol.Signal{offer, s1, s2, s3}
	if len(got) != len(want) {
		t.Fatalf("connection got %d signals, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i].Type || got[i].SDP != want[i].SDP ||
			(want[i].Candidate != nil && got[i].Candidate.Candidate != want[i].Candidate.Candidate) {
			t.Fatalf("signal %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if s := bob.Snapshot(); s.PendingSignals != 0 {
		t.Fatalf("queue not cleared: %d", s.PendingSignals)
	}

	// A later signal goes straight to the connection.
	s4 := candidateSignal("s4")
	b.send(t, "a", "b", protocol.EventSignal, protocol.SignalData{FromUserID: "a", Signal: s4})
	eventually(t, "direct delivery", func() bool { return len(conns[0].signals()) == 5 })
}

func TestCleanupIsIdempotent(t *testing.T) {
	setups := map[string]func(t *testing.T, b *bus, cl *client) (release func()){
		"idle": func(*testing.T, *bus, *client) func() { return func() {} },
		"initiating": func(t *testing.T, _ *bus, cl *client) func() {
			entered, release := cl.media.gated()
			go cl.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"})
			<-entered
			return release
		},
		"awaiting answer": func(t *testing.T, _ *bus, cl *client) func() {
			if err := cl.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
				t.Fatal(err)
			}
			return func() {}
		},
		"invite received": func(t *testing.T, b *bus, cl *client) func() {
			b.send(t, "b", "a", protocol.EventOffer, protocol.OfferData{
				FromUserID: "b",
				Signal:     protocol.Signal{Type: protocol.SignalOffer, SDP: "v=0"},
				ChatID:     "c1",
			})
			cl.waitPhase(t, PhaseInviteReceived)
			return func() {}
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			b := newBus()
			alice := newClient(t, b, "a", Options{})
			release := setup(t, b, alice)
			defer release()

			for range 3 {
				alice.Cleanup()
				alice.requireIdle(t)
			}

			for _, conn := range alice.connector.all() {
				if !conn.isClosed() {
					t.Fatal("connection left open")
				}
			}
			for _, h := range alice.media.all() {
				if !h.Stopped() {
					t.Fatal("media left running")
				}
			}
		})
	}
}

func TestAbandonedAcquisitionIsReleased(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	entered, release := alice.media.gated()

	result := make(chan error, 1)
	go func() { result <- alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}) }()
	<-entered

	alice.Cleanup()
	if err := <-result; !errors.Is(err, ErrCallEnded) {
		t.Fatalf("start: err = %v, want ErrCallEnded", err)
	}

	// Acquisition completes only now, after the attempt is gone.
	release()
	eventually(t, "late handle", func() bool { return len(alice.media.all()) == 1 })
	h := alice.media.all()[0]
	eventually(t, "late handle release", h.Stopped)

	alice.requireIdle(t)
	if n := len(alice.connector.all()); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
}

func TestBusyOfferDropped(t *testing.T) {
	for _, replyBusy := range []bool{false, true} {
		b := newBus()
		alice := newClient(t, b, "a", Options{})
		bob := newClient(t, b, "b", Options{ReplyBusy: replyBusy})
		carol := b.join("c")

		if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
			t.Fatal(err)
		}
		bob.waitPhase(t, PhaseInviteReceived)

		eventually(t, "incoming call", func() bool { return len(bob.notes.of(IncomingCall)) == 1 })

		carolInbox, _ := carol.Subscribe()
		dropped := util.Stats.SignalsDropped.Load()
		b.send(t, "c", "b", protocol.EventOffer, protocol.OfferData{
			FromUserID: "c",
			Signal:     protocol.Signal{Type: protocol.SignalOffer, SDP: "v=0 carol"},
			ChatID:     "c2",
		})
		eventually(t, "busy drop", func() bool { return util.Stats.SignalsDropped.Load() > dropped })

		s := bob.Snapshot()
		if s.Invite == nil || s.Invite.CallerUserID != "a" || s.InSession {
			t.Fatalf("replyBusy=%v: snapshot = %+v", replyBusy, s)
		}
		if n := len(bob.notes.of(IncomingCall)); n != 1 {
			t.Fatalf("replyBusy=%v: incoming notifications = %d", replyBusy, n)
		}

		busy := bob.relay.published(protocol.EventEnd)
		if !replyBusy {
			if len(busy) != 0 {
				t.Fatalf("busy reply sent while disabled")
			}
			continue
		}
		select {
		case env := <-carolInbox:
			end, err := env.End()
			if err != nil || end.Reason != protocol.ReasonBusy || env.From != "b" {
				t.Fatalf("busy reply = %+v, %v", end, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no busy reply")
		}
	}
}

func TestRepeatedOfferKeepsCall(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{ReplyBusy: true})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)
	eventually(t, "offer sent", func() bool { return len(alice.relay.published(protocol.EventOffer)) == 1 })
	offer := alice.relay.published(protocol.EventOffer)[0]

	// Redelivered while the invite is pending.
	dropped := util.Stats.SignalsDropped.Load()
	b.deliver(offer)
	eventually(t, "repeat dropped", func() bool { return util.Stats.SignalsDropped.Load() > dropped })

	if err := bob.AcceptInvite(ctx); err != nil {
		t.Fatal(err)
	}
	alice.waitPhase(t, PhaseConnected)
	bob.waitPhase(t, PhaseConnected)

	// Redelivered again once the call is up.
	dropped = util.Stats.SignalsDropped.Load()
	b.deliver(offer)
	eventually(t, "repeat dropped", func() bool { return util.Stats.SignalsDropped.Load() > dropped })

	if n := len(bob.relay.published(protocol.EventEnd)); n != 0 {
		t.Fatalf("callee sent %d call:end for a repeated offer", n)
	}
	if p := alice.Snapshot().Phase; p != PhaseConnected {
		t.Fatalf("caller phase = %s, want connected", p)
	}
	if p := bob.Snapshot().Phase; p != PhaseConnected {
		t.Fatalf("callee phase = %s, want connected", p)
	}
	if n := len(bob.notes.of(IncomingCall)); n != 1 {
		t.Fatalf("incoming notifications = %d, want 1", n)
	}
}

func TestInitiatorQueuesDuringAcquisition(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	entered, release := alice.media.gated()
	defer release()

	result := make(chan error, 1)
	go func() { result <- alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}) }()
	<-entered

	// Early signals from the callee wait for the connection.
	s1, s2 := candidateSignal("early-1"), candidateSignal("early-2")
	b.send(t, "b", "a", protocol.EventSignal, protocol.SignalData{FromUserID: "b", Signal: s1})
	b.send(t, "b", "a", protocol.EventSignal, protocol.SignalData{FromUserID: "b", Signal: s2})
	eventually(t, "signals queued", func() bool { return alice.Snapshot().PendingSignals == 2 })
	if p := alice.Snapshot().Phase; p != PhaseInitiating {
		t.Fatalf("phase = %s, want initiating", p)
	}

	release()
	if err := <-result; err != nil {
		t.Fatalf("start: %v", err)
	}

	conns := alice.connector.all()
	if len(conns) != 1 {
		t.Fatalf("connections = %d", len(conns))
	}
	got := conns[0].signals()
	if len(got) != 2 || got[0].Candidate.Candidate != s1.Candidate.Candidate || got[1].Candidate.Candidate != s2.Candidate.Candidate {
		t.Fatalf("replayed = %+v", got)
	}
	if s := alice.Snapshot(); s.PendingSignals != 0 || s.Phase != PhaseAwaitingAnswer {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestRemoteEndDuringAcquisition(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	entered, release := alice.media.gated()

	result := make(chan error, 1)
	go func() { result <- alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}) }()
	<-entered

	b.send(t, "b", "a", protocol.EventSignal, protocol.SignalData{FromUserID: "b", Signal: candidateSignal("early")})
	eventually(t, "signal queued", func() bool { return alice.Snapshot().PendingSignals == 1 })

	b.send(t, "b", "a", protocol.EventEnd, protocol.EndData{FromUserID: "b", Reason: protocol.ReasonDeclined})
	if err := <-result; !errors.Is(err, ErrCallEnded) {
		t.Fatalf("start: err = %v, want ErrCallEnded", err)
	}
	alice.requireIdle(t)
	eventually(t, "ended notification", func() bool { return len(alice.notes.of(Ended)) == 1 })
	if r := alice.notes.of(Ended)[0].Reason; r != protocol.ReasonDeclined {
		t.Fatalf("reason = %q", r)
	}

	release()
	eventually(t, "late handle", func() bool { return len(alice.media.all()) == 1 })
	eventually(t, "late handle release", alice.media.all()[0].Stopped)
	if n := len(alice.connector.all()); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
}

func TestAutoAnswerIsSilent(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{AutoAnswer: true, AutoAnswerDelay: 50 * time.Millisecond})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseConnected)
	alice.waitPhase(t, PhaseConnected)

	if s := bob.Snapshot(); !s.Stealth || s.Role != RoleResponder {
		t.Fatalf("snapshot = %+v", s)
	}
	if n := len(bob.notes.of(IncomingCall)); n != 0 {
		t.Fatalf("incoming call shown %d time(s) in auto-answer mode", n)
	}

	if err := bob.EndCall(ctx); err != nil {
		t.Fatal(err)
	}
	bob.requireIdle(t)
	alice.waitPhase(t, PhaseIdle)
}

func TestMediaPermissionDenied(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	alice.media.err = media.ErrPermissionDenied

	err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"})
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	alice.requireIdle(t)

	eventually(t, "failure notification", func() bool { return len(alice.notes.of(Failure)) > 0 })
	alice.Snapshot()
	failures := alice.notes.of(Failure)
	if len(failures) != 1 || failures[0].Message != UserMessage(media.ErrPermissionDenied) {
		t.Fatalf("failures = %+v", failures)
	}
	if n := len(alice.connector.all()); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
	if offers := alice.relay.published(protocol.EventOffer); len(offers) != 0 {
		t.Fatal("offer sent after media failure")
	}
}

func TestAcceptMediaFailureDiscardsInvite(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})
	bob.media.err = media.ErrDeviceNotFound

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)

	if err := bob.AcceptInvite(ctx); !errors.Is(err, media.ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
	bob.requireIdle(t)
	if n := len(bob.connector.all()); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
	eventually(t, "failure notification", func() bool { return len(bob.notes.of(Failure)) == 1 })
	if got := bob.notes.of(Failure)[0].Capture; got != media.FailureDeviceNotFound {
		t.Fatalf("capture failure = %s, want device-not-found", got)
	}
}

func TestDuplicateAcceptIsNoop(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)

	entered, release := bob.media.gated()
	first := make(chan error, 1)
	go func() { first <- bob.AcceptInvite(ctx) }()
	<-entered

	if err := bob.AcceptInvite(ctx); err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if s := bob.Snapshot(); s.Phase != PhaseAccepting {
		t.Fatalf("phase = %s, want accepting", s.Phase)
	}

	release()
	if err := <-first; err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if n := len(bob.connector.all()); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
}

func TestDeclineNotifiesCaller(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)

	if err := bob.DeclineInvite(ctx); err != nil {
		t.Fatal(err)
	}
	bob.requireIdle(t)
	if err := bob.DeclineInvite(ctx); !errors.Is(err, ErrNoInvite) {
		t.Fatalf("second decline: err = %v", err)
	}

	alice.waitPhase(t, PhaseIdle)
	eventually(t, "caller ended notification", func() bool { return len(alice.notes.of(Ended)) == 1 })
	if r := alice.notes.of(Ended)[0].Reason; r != protocol.ReasonDeclined {
		t.Fatalf("reason = %q", r)
	}
}

func TestDeclineSwallowsDeliveryFailure(t *testing.T) {
	b := newBus()
	bob := newClient(t, b, "b", Options{})
	b.send(t, "a", "b", protocol.EventOffer, protocol.OfferData{
		FromUserID: "a",
		Signal:     protocol.Signal{Type: protocol.SignalOffer, SDP: "v=0"},
		ChatID:     "c1",
	})
	bob.waitPhase(t, PhaseInviteReceived)

	bob.relay.setFail(true)
	if err := bob.DeclineInvite(ctx); err != nil {
		t.Fatalf("decline: %v", err)
	}
	bob.requireIdle(t)
}

func TestCallerCancelsBeforeAnswer(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)

	if err := alice.EndCall(ctx); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseIdle)
	eventually(t, "cancel notification", func() bool { return len(bob.notes.of(InviteCancelled)) == 1 })
	if err := bob.AcceptInvite(ctx); !errors.Is(err, ErrNoInvite) {
		t.Fatalf("accept after cancel: err = %v", err)
	}
}

func TestUnmatchedSignalsDropped(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	b.send(t, "z", "b", protocol.EventSignal, protocol.SignalData{FromUserID: "z", Signal: candidateSignal("stray")})
	b.send(t, "z", "b", protocol.EventEnd, protocol.EndData{FromUserID: "z"})
	bob.requireIdle(t)

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)

	eventually(t, "caller candidate queued", func() bool { return bob.Snapshot().PendingSignals == 1 })

	// Traffic from a third party neither queues nor disturbs the invite.
	dropped := util.Stats.SignalsDropped.Load()
	b.send(t, "z", "b", protocol.EventSignal, protocol.SignalData{FromUserID: "z", Signal: candidateSignal("stray")})
	b.send(t, "z", "b", protocol.EventEnd, protocol.EndData{FromUserID: "z"})
	eventually(t, "stray drops", func() bool { return util.Stats.SignalsDropped.Load() >= dropped+2 })
	s := bob.Snapshot()
	if s.Invite == nil || s.PendingSignals != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestConnectivityFailureCleansUp(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	bob := newClient(t, b, "b", Options{})

	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}
	bob.waitPhase(t, PhaseInviteReceived)
	if err := bob.AcceptInvite(ctx); err != nil {
		t.Fatal(err)
	}
	alice.waitPhase(t, PhaseConnected)

	conn := alice.connector.all()[0]
	conn.fail(transport.ErrConnectivity)

	alice.waitPhase(t, PhaseIdle)
	alice.requireIdle(t)
	if !conn.isClosed() {
		t.Fatal("failed connection not closed")
	}
	eventually(t, "failure notification", func() bool { return len(alice.notes.of(Failure)) == 1 })
	failure := alice.notes.of(Failure)[0]
	if failure.Message != UserMessage(transport.ErrConnectivity) {
		t.Fatalf("message = %q", failure.Message)
	}
	if failure.Capture != media.FailureNone {
		t.Fatalf("capture failure = %s for a connectivity error", failure.Capture)
	}
}

func TestOfferDeliveryFailureAbandonsCall(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	alice.relay.setFail(true)

	// Setup completes locally; the offer goes out afterwards and fails.
	_ = alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"})
	alice.waitPhase(t, PhaseIdle)
	alice.requireIdle(t)
	eventually(t, "failure notification", func() bool { return len(alice.notes.of(Failure)) == 1 })
}

func TestConnectorFailure(t *testing.T) {
	b := newBus()
	alice := newClient(t, b, "a", Options{})
	alice.connector.err = transport.ErrUnsupportedEnvironment

	err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"})
	if !errors.Is(err, transport.ErrUnsupportedEnvironment) {
		t.Fatalf("err = %v", err)
	}
	alice.requireIdle(t)
	eventually(t, "media release", func() bool {
		hs := alice.media.all()
		return len(hs) == 1 && hs[0].Stopped()
	})
}

func TestOperationsWithoutState(t *testing.T) {
	alice := newClient(t, newBus(), "a", Options{})

	if err := alice.EndCall(ctx); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("end: err = %v", err)
	}
	if err := alice.AcceptInvite(ctx); !errors.Is(err, ErrNoInvite) {
		t.Fatalf("accept: err = %v", err)
	}
	if err := alice.DeclineInvite(ctx); !errors.Is(err, ErrNoInvite) {
		t.Fatalf("decline: err = %v", err)
	}
}

func TestCloseTearsDown(t *testing.T) {
	alice := newClient(t, newBus(), "a", Options{})
	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !alice.connector.all()[0].isClosed() || !alice.media.all()[0].Stopped() {
		t.Fatal("close left resources behind")
	}
	if err := alice.StartCall(ctx, Identity{ChatID: "c1", RemoteUserID: "b"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: err = %v", err)
	}
}
