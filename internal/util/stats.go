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

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	Placed    atomic.Int64 // outgoing calls that reached Calling
	Received  atomic.Int64 // incoming offers that created a session
	Connected atomic.Int64 // sessions that reached Connected
	Failed    atomic.Int64 // sessions that ended with an error
	Ended     atomic.Int64 // sessions torn down, for any reason
}

func (s *stats) AddPlaced()    { s.Placed.Add(1) }
func (s *stats) AddReceived()  { s.Received.Add(1) }
func (s *stats) AddConnected() { s.Connected.Add(1) }
func (s *stats) AddFailed()    { s.Failed.Add(1) }
func (s *stats) AddEnded()     { s.Ended.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Placed, Received, Connected, Failed, Ended int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Placed:    s.Placed.Load(),
		Received:  s.Received.Load(),
		Connected: s.Connected.Load(),
		Failed:    s.Failed.Load(),
		Ended:     s.Ended.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval, but only when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary for display in the logger.
func formatStats(s Snapshot) string {
	return fmt.Sprintf("Calls: %d↑ %d↓ | Connected: %d | Failed: %d | Ended: %d",
		s.Placed,
		s.Received,
		s.Connected,
		s.Failed,
		s.Ended,
	)
}
