package transactions

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// Each user's history is kept sorted by (CreatedAt, ID) ascending.
type MemoryStore struct {
	mu      sync.RWMutex
	byUser  map[string][]*Transaction
	byID    map[string]*Transaction
	failErr error // when set, every call returns it (outage simulation in tests)
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser: make(map[string][]*Transaction),
		byID:   make(map[string]*Transaction),
	}
}

// SetUnavailable makes every subsequent call fail with err (nil restores service).
func (s *MemoryStore) SetUnavailable(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) Append(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}

	cp := clone(tx)
	history := s.byUser[tx.UserID]
	// Sorted insert by (CreatedAt, ID); appends in time order hit the fast path.
	i := sort.Search(len(history), func(i int) bool {
		if history[i].CreatedAt.Equal(cp.CreatedAt) {
			return history[i].ID > cp.ID
		}
		return history[i].CreatedAt.After(cp.CreatedAt)
	})
	history = append(history, nil)
	copy(history[i+1:], history[i:])
	history[i] = cp
	s.byUser[tx.UserID] = history
	s.byID[tx.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	tx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(tx), nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	o := applyListOpts(opts)
	history := s.byUser[userID]
	if o.cursor != nil {
		return s.pageLocked(history, o.cursor, limit), nil
	}
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	result := make([]*Transaction, 0, limit)
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, clone(history[i]))
	}
	return result, nil
}

// pageLocked returns up to limit transactions strictly after the cursor in
// (CreatedAt desc, ID desc) order. Caller holds s.mu.
func (s *MemoryStore) pageLocked(history []*Transaction, c *pagination.Cursor, limit int) []*Transaction {
	var result []*Transaction
	for _, tx := range history {
		if c.After(tx.CreatedAt, tx.ID) {
			result = append(result, tx)
		}
	}
	slices.SortFunc(result, newestFirst)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	for i, tx := range result {
		result[i] = clone(tx)
	}
	return result
}

func newestFirst(a, b *Transaction) int {
	if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
		return n
	}
	return strings.Compare(b.ID, a.ID)
}

func (s *MemoryStore) SpendSince(ctx context.Context, userID string, rail Rail, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return decimal.Zero, s.failErr
	}

	total := decimal.Zero
	history := s.byUser[userID]
	for i := len(history) - 1; i >= 0; i-- {
		tx := history[i]
		if tx.CreatedAt.Before(since) {
			break
		}
		if tx.Rail == rail {
			total = total.Add(decimal.NewFromFloat(tx.Amount))
		}
	}
	return total, nil
}

func (s *MemoryStore) LastAt(ctx context.Context, userID string, rail Rail) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return time.Time{}, false, s.failErr
	}

	history := s.byUser[userID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Rail == rail {
			return history[i].CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (s *MemoryStore) ActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	var users []string
	for user, history := range s.byUser {
		if n := len(history); n > 0 && !history[n-1].CreatedAt.Before(since) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	var matched []*Transaction
	for _, history := range s.byUser {
		for _, tx := range history {
			if tx.Status == status {
				matched = append(matched, tx)
			}
		}
	}
	slices.SortFunc(matched, newestFirst)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	result := make([]*Transaction, len(matched))
	for i, tx := range matched {
		result[i] = clone(tx)
	}
	return result, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failErr
}

var _ Store = (*MemoryStore)(nil)
