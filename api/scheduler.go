/*
scheduler.go - Retention window monitor

PURPOSE:
  Periodically checks which blends are still reversible and which have
  crossed their delete deadline since the previous check. Locked lots are
  logged once, and the reversible count is exported as a gauge.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only blends created within one window of the previous check are read
  - Nothing is written: the guard decides on every Delete regardless

CONFIGURATION:
  - CheckInterval: How often to check (default: 5 minutes)
  - Enabled: Whether the monitor is active (default: true)

USAGE:
  m := api.NewWindowMonitor(ledger, clk, log)
  m.Start()
  // ... later
  m.Stop()

SEE ALSO:
  - ledger/guard.go: The retention window itself
  - handlers.go: GET /api/ledger/window
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/blend-engine/clock"
	"github.com/warp/blend-engine/ledger"
	"github.com/warp/blend-engine/metrics"
	"github.com/warp/blend-engine/quality"
)

// WindowReport is the outcome of one check.
type WindowReport struct {
	CheckedAt    time.Time         `json:"checked_at"`
	Reversible   int               `json:"reversible"`
	NextDeadline *time.Time        `json:"next_deadline,omitempty"`
	Locked       []quality.BlendID `json:"locked,omitempty"` // Deadline passed since the previous check
}

// WindowMonitor tracks blends leaving the retention window.
type WindowMonitor struct {
	Ledger        *ledger.Ledger
	Clock         clock.Clock
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	checkMu   sync.Mutex
	lastCheck time.Time
}

// NewWindowMonitor creates a new monitor.
func NewWindowMonitor(l *ledger.Ledger, clk clock.Clock, log *zap.Logger) *WindowMonitor {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WindowMonitor{
		Ledger:        l,
		Clock:         clk,
		Log:           log,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the monitor.
func (m *WindowMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.Log.Info("window monitor disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)

	go m.run()

	m.Log.Info("window monitor started", zap.Duration("interval", m.CheckInterval))
}

// Stop stops the monitor and waits for an in-flight check.
func (m *WindowMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stop)
		m.wg.Wait()
		m.ticker = nil
		m.Log.Info("window monitor stopped")
	}
}

func (m *WindowMonitor) run() {
	defer m.wg.Done()

	// Run immediately on start
	m.check()

	for {
		select {
		case <-m.ticker.C:
			m.check()
		case <-m.stop:
			return
		}
	}
}

func (m *WindowMonitor) check() {
	if _, err := m.RunNow(context.Background()); err != nil {
		m.Log.Warn("window check failed", zap.Error(err))
	}
}

// RunNow performs one check.
func (m *WindowMonitor) RunNow(ctx context.Context) (WindowReport, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	now := m.Clock.Now()
	window := m.Ledger.Guard.Window
	if window <= 0 {
		window = ledger.DefaultRetentionWindow
	}

	since := m.lastCheck
	if since.IsZero() || since.After(now) {
		since = now
	}
	from := since.Add(-window)

	blends, err := m.Ledger.List(ctx, quality.BlendFilter{CreatedFrom: &from})
	if err != nil {
		return WindowReport{}, err
	}

	report := WindowReport{CheckedAt: now}
	for _, b := range blends {
		deadline := m.Ledger.Guard.Deadline(b)
		if m.Ledger.Deletable(b) {
			report.Reversible++
			if report.NextDeadline == nil || deadline.Before(*report.NextDeadline) {
				d := deadline
				report.NextDeadline = &d
			}
			continue
		}
		if !m.lastCheck.IsZero() && deadline.After(m.lastCheck) {
			report.Locked = append(report.Locked, b.ID)
			m.Log.Info("blend locked",
				zap.String("blend_id", string(b.ID)),
				zap.String("lot_id", b.LotID),
				zap.Time("deadline", deadline),
			)
		}
	}

	m.lastCheck = now
	metrics.SetReversible(report.Reversible)
	return report, nil
}

// WindowStatus runs a check on demand.
func (h *Handler) WindowStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.Monitor.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check retention window", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
