package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Timer runs Detector.Scan on a fixed interval.
type Timer struct {
	detector *Detector
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed cycle
}

// NewTimer creates a detector timer.
func NewTimer(detector *Detector, interval time.Duration, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		detector: detector,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last cycle finished, zero if none has.
func (t *Timer) LastRun() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("structuring detector started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in structuring detector", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		t.lastRun.Store(time.Now().UnixNano())
	}()

	report, err := t.detector.Scan(ctx)
	if err != nil {
		t.logger.Error("structuring scan failed", "error", err)
		return
	}
	if len(report.Findings) > 0 || len(report.Failed) > 0 {
		t.logger.Info("structuring scan complete",
			"users", report.Users, "findings", len(report.Findings),
			"suppressed", report.Suppressed, "failed", len(report.Failed))
	}
}
