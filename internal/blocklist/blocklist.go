// Package blocklist is the registry of permanently banned senders and
// receivers, and the gate every scoring path consults first.
//
// Presence in the registry is authoritative: a hit overrides every
// probabilistic signal downstream. Entries are keyed by entity id, so a second
// block overwrites the first. Nothing expires; only an explicit Unblock
// removes an entry.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("blocklist: entity not found")
	ErrInvalidEntity = errors.New("blocklist: entity id is required")
)

// Entity types.
const (
	TypeSender   = "Sender"
	TypeReceiver = "Receiver"
)

// Sources recorded on an entry.
const (
	SourceManual          = "manual"
	SourcePatternDetector = "pattern_detector"
)

// StatusBlocked is the only status an entry carries while it exists.
const StatusBlocked = "Blocked"

// Side says which party of a transaction matched the registry.
type Side string

const (
	SideSender   Side = "SENDER"
	SideReceiver Side = "RECEIVER"
)

// Entity is one blocked identifier.
type Entity struct {
	EntityID  string    `json:"entityId"`
	Type      string    `json:"entityType"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Location  string    `json:"location,omitempty"`
	BlockedAt time.Time `json:"blockedAt"`
}

// Hit is a positive gate check.
type Hit struct {
	Side   Side    `json:"side"`
	Entity *Entity `json:"entity"`
}

// Reasoning renders the operator-facing explanation for a blocked transaction.
func (h *Hit) Reasoning(txLocation string) string {
	location := h.Entity.Location
	if location == "" {
		location = txLocation
	}
	if location == "" {
		location = "Unknown Location"
	}
	reason := h.Entity.Reason
	if reason == "" {
		reason = "unspecified"
	}

	if h.Side == SideSender {
		return fmt.Sprintf("BLOCKED ENTITY DETECTED (SENDER)\n\n"+
			"- Entity ID: %s\n- Location: %s\n- Reason: %s\n\n"+
			"This transaction was automatically blocked because the sender is in the global blocklist.",
			h.Entity.EntityID, location, reason)
	}
	return fmt.Sprintf("BLOCKED ENTITY DETECTED (RECEIVER)\n\n"+
		"- Blocked Receiver ID: %s\n- Location: %s\n- Reason: %s\n\n"+
		"This transaction was automatically blocked because the receiver is in the global blocklist.",
		h.Entity.EntityID, location, reason)
}

// Store persists blocked entities keyed by entity id.
type Store interface {
	Get(ctx context.Context, entityID string) (*Entity, error)
	// Put inserts or overwrites the entry for e.EntityID.
	Put(ctx context.Context, e *Entity) error
	Delete(ctx context.Context, entityID string) error
	List(ctx context.Context) ([]*Entity, error)
	Ping(ctx context.Context) error
}

// BlockRequest is the write-path input for manual and automatic blocks.
type BlockRequest struct {
	EntityID string `json:"entity_id" binding:"required"`
	Type     string `json:"entity_type"`
	Reason   string `json:"reason"`
	Source   string `json:"source"`
	Location string `json:"location"`
}
