package relay

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024 // SDP bodies run to a few KiB
	sendBufferSize = 64        // outgoing frame channel capacity
)

// sender is the single writer for one WebSocket connection. gorilla/websocket
// allows one concurrent writer, so frames and keepalive pings share a loop.
type sender struct {
	conn   *websocket.Conn
	inbox  chan []byte
	done   <-chan struct{}
	exited chan struct{}
}

// newSender creates a sender and starts its loop. The loop exits when done is
// closed or a write fails; exited is closed either way.
func newSender(conn *websocket.Conn, done <-chan struct{}) *sender {
	s := &sender{
		conn:   conn,
		inbox:  make(chan []byte, sendBufferSize),
		done:   done,
		exited: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *sender) loop() {
	defer close(s.exited)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.inbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogError("failed to write relay frame: %v", err)
				// Unblocks the read loop, which owns the rest of the teardown.
				s.conn.Close()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				util.LogWarning("relay keepalive failed: %v", err)
				s.conn.Close()
				return
			}

		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// send enqueues a frame without blocking. The caller never waits for the
// remote side; a full queue is reported instead of stalling the call loop.
func (s *sender) send(data []byte) error {
	select {
	case <-s.done:
		return errClosed
	case <-s.exited:
		return errClosed
	default:
	}

	select {
	case s.inbox <- data:
		return nil
	default:
		return errQueueFull
	}
}
