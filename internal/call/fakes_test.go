package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/relay"
	"github.com/1ureka/p2pcall/internal/transport"
)

// Compile-time interface checks.
var (
	_ Relay       = (*fakeRelay)(nil)
	_ MediaSource = (*fakeMedia)(nil)
	_ Connector   = (*fakeConnector)(nil)
	_ Connection  = (*fakeConn)(nil)
)

// bus links fakeRelays in-process. Frames round-trip through the wire codec
// and are stamped with the sender, as the real hub does.
type bus struct {
	mu     sync.Mutex
	relays map[string]*fakeRelay
}

func newBus() *bus {
	return &bus{relays: make(map[string]*fakeRelay)}
}

func (b *bus) join(self string) *fakeRelay {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &fakeRelay{bus: b, self: self}
	b.relays[self] = r
	return r
}

func (b *bus) deliver(env *protocol.Envelope) {
	b.mu.Lock()
	r := b.relays[env.To]
	b.mu.Unlock()
	if r != nil {
		r.receive(env)
	}
}

// send injects a frame as if from were connected to the bus.
func (b *bus) send(t *testing.T, from, to string, event protocol.Event, data any) {
	t.Helper()
	env, err := wire(from, to, event, data)
	if err != nil {
		t.Fatal(err)
	}
	b.deliver(env)
}

func wire(from, to string, event protocol.Event, data any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(event, to, data)
	if err != nil {
		return nil, err
	}
	env.From = from
	raw, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}

type fakeRelay struct {
	bus  *bus
	self string

	mu   sync.Mutex
	subs []chan *protocol.Envelope
	sent []*protocol.Envelope
	fail bool
}

func (r *fakeRelay) Subscribe() (<-chan *protocol.Envelope, func()) {
	ch := make(chan *protocol.Envelope, 256)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch, func() {}
}

func (r *fakeRelay) Publish(to string, event protocol.Event, data any) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: %s to %s", relay.ErrDeliveryFailure, event, to)
	}

	env, err := wire(r.self, to, event, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()

	r.bus.deliver(env)
	return nil
}

func (r *fakeRelay) receive(env *protocol.Envelope) {
	r.mu.Lock()
	subs := append([]chan *protocol.Envelope(nil), r.subs...)
	r.mu.Unlock()
	for _, ch := range subs {
		ch <- env
	}
}

func (r *fakeRelay) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

// published returns the frames sent with the given event.
func (r *fakeRelay) published(event protocol.Event) []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range r.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// fakeMedia hands out empty handles. With a gate set, Acquire blocks on it
// and ignores cancellation, like a capture prompt the user has not answered.
type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	entered chan struct{}
	handles []*media.Handle
}

func (m *fakeMedia) Acquire(_ context.Context, _ media.Constraints) (*media.Handle, error) {
	m.mu.Lock()
	gate, entered, err := m.gate, m.entered, m.err
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	h := media.NewHandle(nil, nil)
	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()
	return h, nil
}

// gated makes the next acquisitions wait until the returned func is called.
func (m *fakeMedia) gated() (entered <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{}, 4)
	gate := m.gate
	var once sync.Once
	return m.entered, func() { once.Do(func() { close(gate) }) }
}

func (m *fakeMedia) all() []*media.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*media.Handle(nil), m.handles...)
}

// fakeConnector builds scripted connections: the initiator offers and sends
// one candidate; the responder answers the offer, sends one candidate and
// reports remote media; the initiator reports remote media on the answer.
type fakeConnector struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func (f *fakeConnector) NewConnection(_ context.Context, opts transport.Options, events transport.Events) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	conn := newFakeConn(opts, events)
	f.conns = append(f.conns, conn)
	if opts.Initiator {
		conn.emitSignal(protocol.Signal{Type: protocol.SignalOffer, SDP: "v=0 offer"})
		conn.emitSignal(candidateSignal("initiator-1"))
	}
	return conn, nil
}

func (f *fakeConnector) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

type fakeConn struct {
	opts   transport.Options
	events transport.Events
	out    chan func()

	mu       sync.Mutex
	received []protocol.Signal
	closed   int
}

func newFakeConn(opts transport.Options, events transport.Events) *fakeConn {
	c := &fakeConn{opts: opts, events: events, out: make(chan func(), 64)}
	go func() {
		for fn := range c.out {
			fn()
		}
	}()
	return c
}

func (c *fakeConn) emit(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return
	}
	c.out <- fn
}

func (c *fakeConn) emitSignal(sig protocol.Signal) {
	c.emit(func() { c.events.OnSignal(sig) })
}

func (c *fakeConn) emitMedia() {
	c.emit(func() { c.events.OnRemoteMedia(&webrtc.TrackRemote{}) })
}

func (c *fakeConn) fail(err error) {
	c.emit(func() { c.events.OnError(err) })
}

func (c *fakeConn) Signal(sig protocol.Signal) error {
	c.mu.Lock()
	c.received = append(c.received, sig)
	c.mu.Unlock()

	switch {
	case sig.Type == protocol.SignalOffer && !c.opts.Initiator:
		c.emitSignal(protocol.Signal{Type: protocol.SignalAnswer, SDP: "v=0 answer"})
		c.emitSignal(candidateSignal("responder-1"))
		c.emitMedia()
	case sig.Type == protocol.SignalAnswer && c.opts.Initiator:
		c.emitMedia()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == 0 {
		close(c.out)
	}
	c.closed++
	return nil
}

func (c *fakeConn) signals() []protocol.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Signal(nil), c.received...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

func candidateSignal(tag string) protocol.Signal {
	return protocol.Signal{
		Type:      protocol.SignalCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:" + tag + " 1 udp 1 192.0.2.1 9 typ host"},
	}
}

// recorder drains a coordinator's notifications.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func record(c *Coordinator) *recorder {
	r := &recorder{}
	go func() {
		for {
			select {
			case n := <-c.Notifications():
				r.mu.Lock()
				r.notes = append(r.notes, n)
				r.mu.Unlock()
			case <-c.Done():
				return
			}
		}
	}()
	return r
}

func (r *recorder) of(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// client is one coordinator wired to fakes.
type client struct {
	*Coordinator
	relay     *fakeRelay
	media     *fakeMedia
	connector *fakeConnector
	notes     *recorder
}

func newClient(t *testing.T, b *bus, self string, opts Options) *client {
	t.Helper()
	opts.SelfUserID = self
	if opts.DisplayName == "" {
		opts.DisplayName = "User " + self
	}

	cl := &client{
		relay:     b.join(self),
		media:     &fakeMedia{},
		connector: &fakeConnector{},
	}
	cl.Coordinator = New(Deps{
		Relay:     cl.relay,
		Media:     cl.media,
		Directory: NewStaticDirectory(map[string][]string{"c1": {"a", "b"}, "group": {"a", "b", "c"}}),
		Connector: cl.connector,
	}, opts)
	cl.notes = record(cl.Coordinator)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (cl *client) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	eventually(t, fmt.Sprintf("%s to reach %s", cl.opts.SelfUserID, p), func() bool {
		return cl.Snapshot().Phase == p
	})
}

func (cl *client) requireIdle(t *testing.T) {
	t.Helper()
	s := cl.Snapshot()
	if s.Phase != PhaseIdle || s.InSession || s.Invite != nil || s.LocalMedia || s.Connection || s.RemoteMedia || s.Stealth {
		t.Fatalf("%s not idle: %+v", cl.opts.SelfUserID, s)
	}
}
