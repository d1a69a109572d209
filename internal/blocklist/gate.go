package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/traces"
)

// Gate checks transaction parties against the registry and owns its write path.
type Gate struct {
	store   Store
	logger  *slog.Logger
	onBlock func(*Entity)
	now     func() time.Time
}

// NewGate creates a gate backed by store.
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger, now: time.Now}
}

// WithOnBlock registers a callback fired after each successful block write.
func (g *Gate) WithOnBlock(fn func(*Entity)) *Gate {
	g.onBlock = fn
	return g
}

// Check looks up the sender, then the receiver. A sender hit returns
// immediately without consulting the receiver. Receivers that are empty or
// the "Unknown" placeholder are never looked up. Store failures are returned
// so callers fail closed.
func (g *Gate) Check(ctx context.Context, senderID, receiverID string) (*Hit, error) {
	if senderID != "" {
		e, err := g.store.Get(ctx, senderID)
		switch {
		case err == nil:
			metrics.OverridesTotal.WithLabelValues("blocklist_sender").Inc()
			return &Hit{Side: SideSender, Entity: e}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("blocklist lookup for sender: %w", err)
		}
	}

	if receiverID == "" || receiverID == "Unknown" {
		return nil, nil
	}
	e, err := g.store.Get(ctx, receiverID)
	switch {
	case err == nil:
		metrics.OverridesTotal.WithLabelValues("blocklist_receiver").Inc()
		return &Hit{Side: SideReceiver, Entity: e}, nil
	case errors.Is(err, ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("blocklist lookup for receiver: %w", err)
	}
}

// Block writes (or overwrites) an entry.
func (g *Gate) Block(ctx context.Context, req BlockRequest) (*Entity, error) {
	id := strings.TrimSpace(req.EntityID)
	if id == "" {
		return nil, ErrInvalidEntity
	}
	e := &Entity{
		EntityID:  id,
		Type:      req.Type,
		Reason:    req.Reason,
		Source:    req.Source,
		Status:    StatusBlocked,
		Location:  req.Location,
		BlockedAt: g.now().UTC(),
	}
	if e.Type == "" {
		e.Type = TypeSender
	}
	if e.Source == "" {
		e.Source = SourceManual
	}

	ctx, span := traces.StartSpan(ctx, "blocklist.Block", traces.EntityID(e.EntityID))
	defer span.End()

	if err := g.store.Put(ctx, e); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("blocklist write: %w", err)
	}
	metrics.BlockedEntities.WithLabelValues(e.Source).Inc()
	g.logger.Info("entity blocked",
		"entity", e.EntityID, "type", e.Type, "source", e.Source, "reason", e.Reason)

	if g.onBlock != nil {
		g.onBlock(e)
	}
	return e, nil
}

// Unblock removes an entry. Returns ErrNotFound if it did not exist.
func (g *Gate) Unblock(ctx context.Context, entityID string) error {
	if err := g.store.Delete(ctx, entityID); err != nil {
		return err
	}
	g.logger.Info("entity unblocked", "entity", entityID)
	return nil
}

// Get returns one entry.
func (g *Gate) Get(ctx context.Context, entityID string) (*Entity, error) {
	return g.store.Get(ctx, entityID)
}

// List returns every entry, newest block first.
func (g *Gate) List(ctx context.Context) ([]*Entity, error) {
	return g.store.List(ctx)
}

// Ping reports store reachability for health checks.
func (g *Gate) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}
