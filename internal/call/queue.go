package call

import "github.com/1ureka/p2pcall/internal/protocol"

// signalQueue holds signals that arrive before the connection exists. It is
// drained once, in arrival order, and never reused afterwards.
type signalQueue struct {
	items   []protocol.Signal
	drained bool
}

func (q *signalQueue) push(sig protocol.Signal) bool {
	if q.drained {
		return false
	}
	q.items = append(q.items, sig)
	return true
}

func (q *signalQueue) drain() []protocol.Signal {
	if q.drained {
		return nil
	}
	q.drained = true
	items := q.items
	q.items = nil
	return items
}

func (q *signalQueue) discard() {
	q.drained = true
	q.items = nil
}

func (q *signalQueue) len() int { return len(q.items) }
