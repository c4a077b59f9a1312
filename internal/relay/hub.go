package relay

import (
	"sync"
	"sync/atomic"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// Hub routes envelopes between connected users. A user may hold several
// connections at once; every one of them receives the user's traffic.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]map[*peer]struct{}

	// seq orders every envelope the hub emits.
	seq atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]map[*peer]struct{})}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.peers[p.userID]
	if !ok {
		set = make(map[*peer]struct{})
		h.peers[p.userID] = set
	}
	set[p] = struct{}{}

	util.LogInfo("user %s connected (%d connection(s))", p.userID, len(set))
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.peers[p.userID]
	if !ok {
		return
	}
	if _, exists := set[p]; !exists {
		return
	}
	delete(set, p)
	close(p.send)

	if len(set) == 0 {
		delete(h.peers, p.userID)
		util.LogInfo("user %s disconnected", p.userID)
	}
}

// Route stamps env with the sender and a sequence number and delivers it to
// every connection of env.To. It returns how many connections took the frame.
// A connection whose buffer is full is dropped.
func (h *Hub) Route(from string, env *protocol.Envelope) int {
	env.From = from
	env.Seq = h.seq.Add(1)

	data, err := protocol.Encode(env)
	if err != nil {
		util.LogWarning("cannot route %s from %s: %v", env.Event, from, err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for p := range h.peers[env.To] {
		select {
		case p.send <- data:
			delivered++
		default:
			util.LogWarning("connection of %s is not draining, dropping it", p.userID)
			go h.unregister(p)
		}
	}
	if delivered == 0 {
		util.LogDebug("%s from %s to %s: recipient offline", env.Event, from, env.To)
	}
	return delivered
}

// Online reports whether userID holds at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[userID]) > 0
}

// Shutdown closes every connection's outbound queue.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.peers {
		for p := range set {
			close(p.send)
		}
	}
	h.peers = make(map[string]map[*peer]struct{})
}
