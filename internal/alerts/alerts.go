// Package alerts is the append-only alert log written by the structuring
// detector and the UPI volume cap.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Alert types.
const (
	TypeStructuring     = "structuring"
	TypeVolumeViolation = "volume_violation"
)

// Severities.
const (
	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"
)

// StatusOpen is the status every alert is created with.
const StatusOpen = "open"

var ErrInvalidAlert = errors.New("alerts: type and source user are required")

// Alert is one raised alert. Never updated after creation.
type Alert struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	SourceUser     string    `json:"sourceUser"`
	TargetReceiver string    `json:"targetReceiver,omitempty"`
	Count          int       `json:"count,omitempty"`
	Amount         float64   `json:"amount,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"timestamp"`
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Type       string
	SourceUser string
	Limit      int
}

// Store persists alerts.
type Store interface {
	Append(ctx context.Context, a *Alert) error
	// List returns matching alerts newest-first.
	List(ctx context.Context, f Filter) ([]*Alert, error)
	Ping(ctx context.Context) error
}

// Manager stamps, stores, and broadcasts alerts.
type Manager struct {
	store    Store
	logger   *slog.Logger
	callback func(*Alert)
	now      func() time.Time
}

// NewManager creates an alert manager. broadcast may be nil.
func NewManager(store Store, logger *slog.Logger, broadcast func(*Alert)) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, callback: broadcast, now: time.Now}
}

// Raise assigns id, status and timestamp, persists the alert, then broadcasts it.
func (m *Manager) Raise(ctx context.Context, a Alert) (*Alert, error) {
	if a.Type == "" || a.SourceUser == "" {
		return nil, ErrInvalidAlert
	}
	if a.ID == "" {
		a.ID = "alert_" + uuid.NewString()
	}
	if a.Severity == "" {
		a.Severity = SeverityMedium
	}
	a.Status = StatusOpen
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}

	if err := m.store.Append(ctx, &a); err != nil {
		return nil, err
	}
	m.logger.Warn("alert raised",
		"alertId", a.ID, "type", a.Type, "severity", a.Severity,
		"user", a.SourceUser, "receiver", a.TargetReceiver, "count", a.Count)

	if m.callback != nil {
		m.callback(&a)
	}
	return &a, nil
}

// List proxies to the store.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return m.store.List(ctx, f)
}
