package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

const subscriberBuffer = 64

// Client is a connection to the relay server on behalf of one user. It
// publishes envelopes addressed to other users and fans inbound envelopes out
// to every subscriber in arrival order.
type Client struct {
	self   string
	conn   *websocket.Conn
	sender *sender

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	ch     chan *protocol.Envelope
	cancel chan struct{}
	once   sync.Once
}

// Dial connects to the relay WebSocket endpoint as user self.
func Dial(ctx context.Context, rawURL, self string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("user", self)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	return newClient(conn, self), nil
}

func newClient(conn *websocket.Conn, self string) *Client {
	c := &Client{
		self: self,
		conn: conn,
		subs: make(map[int]*subscriber),
		done: make(chan struct{}),
	}
	c.sender = newSender(conn, c.done)
	go c.readLoop()
	return c
}

// Done is closed once the connection has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Subscribe registers a new inbound envelope stream. The channel is closed
// when the connection ends; calling the returned func detaches early.
func (c *Client) Subscribe() (<-chan *protocol.Envelope, func()) {
	s := &subscriber{
		ch:     make(chan *protocol.Envelope, subscriberBuffer),
		cancel: make(chan struct{}),
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	select {
	case <-c.done:
		close(s.ch)
	default:
		c.subs[id] = s
	}
	c.mu.Unlock()

	return s.ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		s.once.Do(func() { close(s.cancel) })
	}
}

// Publish sends an event addressed to user to. It never waits for the remote
// side; ErrDeliveryFailure means the frame did not reach the relay.
func (c *Client) Publish(to string, event protocol.Event, data any) error {
	env, err := protocol.NewEnvelope(event, to, data)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.sender.send(raw); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrDeliveryFailure, event, to, err)
	}
	util.Stats.AddSent()
	return nil
}

// Close shuts down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		// Let the sender flush a close frame before the socket goes away.
		select {
		case <-c.sender.exited:
		case <-time.After(writeWait):
		}
		c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()

		c.mu.Lock()
		for id, s := range c.subs {
			delete(c.subs, id)
			close(s.ch)
		}
		c.mu.Unlock()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					util.LogWarning("relay connection for %s lost: %v", c.self, err)
				}
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			util.LogDebug("dropping relay frame: %v", err)
			continue
		}
		util.Stats.AddRecv()
		c.dispatch(env)
	}
}

// dispatch delivers env to every current subscriber. A slow subscriber
// applies backpressure to the read loop rather than losing ordering.
func (c *Client) dispatch(env *protocol.Envelope) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.cancel:
		case <-c.done:
			return
		}
	}
}
