package relay

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// peer is the server side of one user connection.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

func newPeer(hub *Hub, conn *websocket.Conn, userID string) *peer {
	return &peer{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// readPump forwards every well-formed envelope to the hub until the
// connection fails.
func (p *peer) readPump() {
	defer func() {
		p.hub.unregister(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("unexpected close for user %s: %v", p.userID, err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			util.LogDebug("invalid frame from %s: %v", p.userID, err)
			continue
		}
		if env.To == "" || env.To == p.userID {
			util.LogDebug("%s from %s has no valid recipient", env.Event, p.userID)
			continue
		}
		p.hub.Route(p.userID, env)
	}
}

// writePump drains send onto the socket and keeps the connection alive.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
