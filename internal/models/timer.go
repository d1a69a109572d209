package models

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReloadTimer polls the artifact directory and hot-swaps changed models.
type ReloadTimer struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReloadTimer creates a reload poller.
func NewReloadTimer(registry *Registry, interval time.Duration, logger *slog.Logger) *ReloadTimer {
	return &ReloadTimer{
		registry: registry,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *ReloadTimer) Running() bool {
	return t.running.Load()
}

// Start begins polling. Call in a goroutine.
func (t *ReloadTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReload(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ReloadTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ReloadTimer) safeReload(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in model reload timer", "panic", fmt.Sprint(r))
		}
	}()
	for _, res := range t.registry.Reload(ctx) {
		if res.Changed {
			t.logger.Info("model hot-swapped", "model", res.Model)
		}
	}
}
