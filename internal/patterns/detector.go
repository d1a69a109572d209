package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/alerts"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/retry"
	"github.com/mbd888/riskgate/internal/traces"
	"github.com/mbd888/riskgate/internal/transactions"
)

const (
	DefaultCooldown    = time.Hour
	DefaultResyncEvery = 20
	activeWindow       = 24 * time.Hour
	bootstrapAttempts  = 3
	bootstrapDelay     = 100 * time.Millisecond
)

// Finding is one sender/receiver pair that crossed the threshold.
type Finding struct {
	UserID   string `json:"userId"`
	Receiver string `json:"receiver"`
	Count    int    `json:"count"`
}

// Report summarizes one scan.
type Report struct {
	Users      int       `json:"users"`
	Findings   []Finding `json:"findings"`
	Suppressed int       `json:"suppressed"`
	Failed     []string  `json:"failed,omitempty"`
}

// Detector scans monitored users for structuring patterns.
type Detector struct {
	window    *Window
	store     transactions.Store
	gate      *blocklist.Gate
	alerts    *alerts.Manager
	logger    *slog.Logger
	monitored []string
	threshold int
	cooldown  time.Duration
	resync    int
	shared    bool

	mu        sync.Mutex
	cycle     int
	lastAlert map[string]time.Time // user + "\x00" + receiver
	now       func() time.Time
}

// NewDetector creates a detector over window, bootstrapping from store.
func NewDetector(window *Window, store transactions.Store, gate *blocklist.Gate, alertManager *alerts.Manager, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		window:    window,
		store:     store,
		gate:      gate,
		alerts:    alertManager,
		logger:    logger,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		resync:    DefaultResyncEvery,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// WithMonitoredUsers restricts scans to users. Empty scans every user active
// in the last 24h.
func (d *Detector) WithMonitoredUsers(users []string) *Detector {
	d.monitored = users
	return d
}

// WithCooldown sets how long a (user, receiver) pair stays quiet after an
// alert. 0 re-alerts every cycle.
func (d *Detector) WithCooldown(c time.Duration) *Detector {
	d.cooldown = c
	return d
}

// WithResyncEvery reloads every window from the store every n cycles.
// n <= 0 only loads a window the first time its user is scanned.
func (d *Detector) WithResyncEvery(n int) *Detector {
	d.resync = n
	return d
}

// WithSharedStore reloads each scanned user's window from the store every
// cycle. Use it when other processes append to the same store, since their
// transactions never reach this process's Recorder.
func (d *Detector) WithSharedStore(shared bool) *Detector {
	d.shared = shared
	return d
}

// Scan runs one detection cycle. Failures for one user are logged and the
// user is skipped; only failing to enumerate users fails the scan.
func (d *Detector) Scan(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { metrics.PatternScanDuration.Observe(time.Since(start).Seconds()) }()
	ctx, span := traces.StartSpan(ctx, "patterns.Scan")
	defer span.End()

	d.mu.Lock()
	d.cycle++
	resync := d.resync > 0 && d.cycle%d.resync == 0
	d.mu.Unlock()

	users, err := d.users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitored users: %w", err)
	}

	report := &Report{Users: len(users), Findings: []Finding{}}
	for _, user := range users {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := d.safeScanUser(ctx, user, resync, report); err != nil {
			report.Failed = append(report.Failed, user)
			d.logger.Error("structuring scan failed for user", "user", user, "error", err)
		}
	}
	return report, nil
}

func (d *Detector) users(ctx context.Context) ([]string, error) {
	if len(d.monitored) > 0 {
		return d.monitored, nil
	}
	var users []string
	err := retry.Do(ctx, bootstrapAttempts, bootstrapDelay, func() error {
		var err error
		users, err = d.store.ActiveUsers(ctx, d.now().Add(-activeWindow))
		return err
	})
	return users, err
}

func (d *Detector) safeScanUser(ctx context.Context, user string, resync bool, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in structuring scan", "user", user, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.scanUser(ctx, user, resync, report)
}

func (d *Detector) scanUser(ctx context.Context, user string, resync bool, report *Report) error {
	if resync || d.shared || !d.window.Seeded(user) {
		var recent []*transactions.Transaction
		err := retry.Do(ctx, bootstrapAttempts, bootstrapDelay, func() error {
			var err error
			recent, err = d.store.ListRecent(ctx, user, d.window.Size())
			return err
		})
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		d.window.Seed(user, recent)
	}

	counts := d.window.Counts(user)
	receivers := make([]string, 0, len(counts))
	for r, c := range counts {
		if c >= d.threshold {
			receivers = append(receivers, r)
		}
	}
	sort.Strings(receivers)

	for _, receiver := range receivers {
		f := Finding{UserID: user, Receiver: receiver, Count: counts[receiver]}
		if d.suppressed(f) {
			report.Suppressed++
			metrics.PatternAlertsTotal.WithLabelValues("suppressed").Inc()
			continue
		}
		if err := d.escalate(ctx, f); err != nil {
			metrics.PatternAlertsTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.PatternAlertsTotal.WithLabelValues("raised").Inc()
		report.Findings = append(report.Findings, f)
	}
	return nil
}

func (d *Detector) suppressed(f Finding) bool {
	if d.cooldown <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastAlert[f.UserID+"\x00"+f.Receiver]
	return ok && d.now().Sub(last) < d.cooldown
}

// escalate raises the alert and blocks both parties. Blocks are upserts, so a
// retry after a partial failure is harmless.
func (d *Detector) escalate(ctx context.Context, f Finding) error {
	if _, err := d.alerts.Raise(ctx, alerts.Alert{
		Type:     alerts.TypeStructuring,
		Severity: alerts.SeverityHigh,
		Message: fmt.Sprintf("High frequency small transactions detected from %s to %s (%d under %.0f). Potential structuring attack.",
			f.UserID, f.Receiver, f.Count, d.window.smallLimit),
		SourceUser:     f.UserID,
		TargetReceiver: f.Receiver,
		Count:          f.Count,
	}); err != nil {
		return fmt.Errorf("raise alert: %w", err)
	}

	blocks := []blocklist.BlockRequest{
		{EntityID: f.UserID, Type: blocklist.TypeSender, Reason: "Structuring attack source", Source: blocklist.SourcePatternDetector},
		{EntityID: f.Receiver, Type: blocklist.TypeReceiver, Reason: "Structuring attack destination", Source: blocklist.SourcePatternDetector},
	}
	for _, b := range blocks {
		if _, err := d.gate.Block(ctx, b); err != nil {
			return fmt.Errorf("block %s: %w", b.EntityID, err)
		}
	}

	d.mu.Lock()
	d.lastAlert[f.UserID+"\x00"+f.Receiver] = d.now()
	d.mu.Unlock()

	d.logger.Warn("structuring pattern escalated", "user", f.UserID, "receiver", f.Receiver, "count", f.Count)
	return nil
}
