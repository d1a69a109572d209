// Package profiles maps users to their account segment.
//
// The segment parameterizes UPI thresholds: business accounts get a daily
// limit twenty times the personal one and a wider anomaly tolerance. Users
// with no profile are treated as personal.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("profiles: user not found")
	ErrInvalidSegment = errors.New("profiles: segment must be personal or business")
)

// Segment is a user's account classification.
type Segment string

const (
	SegmentPersonal Segment = "personal"
	SegmentBusiness Segment = "business"
)

var (
	personalLimit = decimal.NewFromInt(50_000)
	businessLimit = decimal.NewFromInt(1_000_000)
)

// DailyLimit returns the 24h spend cap for the segment.
func (s Segment) DailyLimit() decimal.Decimal {
	if s == SegmentBusiness {
		return businessLimit
	}
	return personalLimit
}

// Valid reports whether s is a known segment.
func (s Segment) Valid() bool {
	return s == SegmentPersonal || s == SegmentBusiness
}

// Profile is one user's directory entry.
type Profile struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Segment   Segment   `json:"segment"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Put(ctx context.Context, p *Profile) error
	List(ctx context.Context) ([]*Profile, error)
	Ping(ctx context.Context) error
}

// Resolve returns the user's segment, defaulting to personal when no profile
// exists. Store failures are returned: a segment that cannot be determined is
// not silently assumed.
func Resolve(ctx context.Context, store Store, userID string) (Segment, error) {
	p, err := store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return SegmentPersonal, nil
	}
	if err != nil {
		return "", fmt.Errorf("profile lookup: %w", err)
	}
	if !p.Segment.Valid() {
		return SegmentPersonal, nil
	}
	return p.Segment, nil
}
