package ledger

import (
	"time"

	"github.com/warp/blend-engine/clock"
	"github.com/warp/blend-engine/quality"
)

// DefaultRetentionWindow is how long after commit a blend may be deleted.
const DefaultRetentionWindow = 48 * time.Hour

// Guard decides whether a blend may still be reversed. It holds no state
// besides its configuration; elapsed time is always measured against Clock.
type Guard struct {
	Window time.Duration
	Clock  clock.Clock
}

func NewGuard(window time.Duration, clk clock.Clock) Guard {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	if clk == nil {
		clk = clock.System{}
	}
	return Guard{Window: window, Clock: clk}
}

// Check returns *quality.ExpiredWindowError once more than Window has passed
// since the blend was created. A reversal at exactly Window is allowed.
func (g Guard) Check(b quality.Blend) error {
	elapsed := g.now().Sub(b.CreatedAt)
	if elapsed > g.window() {
		return &quality.ExpiredWindowError{BlendID: b.ID, Elapsed: elapsed, Window: g.window()}
	}
	return nil
}

// Deadline is the last instant at which b may be deleted.
func (g Guard) Deadline(b quality.Blend) time.Time {
	return b.CreatedAt.Add(g.window())
}

func (g Guard) window() time.Duration {
	if g.Window <= 0 {
		return DefaultRetentionWindow
	}
	return g.Window
}

func (g Guard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now()
}
