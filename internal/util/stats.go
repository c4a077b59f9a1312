package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signal counter.
var Stats = &stats{}

type stats struct {
	CallsStarted   atomic.Int64 // outbound call attempts that passed the precondition check
	CallsAccepted  atomic.Int64 // inbound invites that reached a session
	CallsEnded     atomic.Int64 // sessions torn down by cleanup
	SignalsSent    atomic.Int64 // envelopes handed to the relay
	SignalsRecv    atomic.Int64 // envelopes received from the relay
	SignalsQueued  atomic.Int64 // signals buffered before a connection existed
	SignalsDropped atomic.Int64 // unmatched or stale inbound signals
}

func (s *stats) AddStarted()  { s.CallsStarted.Add(1) }
func (s *stats) AddAccepted() { s.CallsAccepted.Add(1) }
func (s *stats) AddEnded()    { s.CallsEnded.Add(1) }
func (s *stats) AddSent()     { s.SignalsSent.Add(1) }
func (s *stats) AddRecv()     { s.SignalsRecv.Add(1) }
func (s *stats) AddQueued()   { s.SignalsQueued.Add(1) }
func (s *stats) AddDropped()  { s.SignalsDropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval, skipping quiet intervals. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	started, accepted, ended    int64
	sent, recv, queued, dropped int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		started:  s.CallsStarted.Load(),
		accepted: s.CallsAccepted.Load(),
		ended:    s.CallsEnded.Load(),
		sent:     s.SignalsSent.Load(),
		recv:     s.SignalsRecv.Load(),
		queued:   s.SignalsQueued.Load(),
		dropped:  s.SignalsDropped.Load(),
	}
}

func (a snapshot) sub(b snapshot) snapshot {
	return snapshot{
		started:  a.started - b.started,
		accepted: a.accepted - b.accepted,
		ended:    a.ended - b.ended,
		sent:     a.sent - b.sent,
		recv:     a.recv - b.recv,
		queued:   a.queued - b.queued,
		dropped:  a.dropped - b.dropped,
	}
}

// formatStats returns a one-line summary of the delta for display in the logger.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Calls: %2d↑ %2d↓ %2d✕ | Signals: %3d out %3d in %2d queued %2d dropped",
		d.started,
		d.accepted,
		d.ended,
		d.sent,
		d.recv,
		d.queued,
		d.dropped,
	)
}
