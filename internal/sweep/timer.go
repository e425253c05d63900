package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer drives the sweeper on a wall-clock schedule: daily jobs once per
// calendar day, the counter reset once per calendar month. A restart
// mid-period never re-fires the monthly reset.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	lastDay   string // "2006-01-02"
	lastMonth string // "2006-01"
}

// NewTimer creates a sweep timer that checks the clock every interval.
func NewTimer(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the schedule loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	now := time.Now()
	t.lastDay = now.Format("2006-01-02")
	t.lastMonth = now.Format("2006-01")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in sweep timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx, time.Now())
}

func (t *Timer) tick(ctx context.Context, now time.Time) {
	if month := now.Format("2006-01"); month != t.lastMonth {
		t.lastMonth = month
		if err := t.sweeper.ResetMonthlyCounters(ctx); err != nil {
			t.logger.Error("monthly reset failed", "error", err)
		}
	}

	if day := now.Format("2006-01-02"); day != t.lastDay {
		t.lastDay = day
		if err := t.sweeper.DemoteExpired(ctx); err != nil {
			t.logger.Error("expiry demotion failed", "error", err)
		}
		if err := t.sweeper.AgeFreeTrials(ctx); err != nil {
			t.logger.Error("trial aging failed", "error", err)
		}
		if err := t.sweeper.RealignAssociations(ctx); err != nil {
			t.logger.Error("association realign failed", "error", err)
		}
	}
}
