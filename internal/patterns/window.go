// Package patterns detects structuring ("salami") attacks: many small
// transfers from one sender to one receiver within the sender's recent
// history.
//
// Window keeps the newest N transactions per user and the per-receiver count
// of qualifying ones, updated as transactions are recorded. Detector reads the
// counts on a timer, raises an alert and blocks both parties.
package patterns

import (
	"sort"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/transactions"
)

const (
	DefaultWindowSize = 50
	DefaultSmallLimit = 500.0
	DefaultThreshold  = 5
)

type entry struct {
	id         string
	createdAt  time.Time
	receiver   string
	qualifying bool
}

// before orders entries the way the store does, oldest first with ties
// broken by ascending ID.
func (e entry) before(o entry) bool {
	if e.createdAt.Equal(o.createdAt) {
		return e.id < o.id
	}
	return e.createdAt.Before(o.createdAt)
}

type userWindow struct {
	mu      sync.Mutex
	entries []entry // oldest first
	ids     map[string]struct{}
	counts  map[string]int
	seeded  bool
}

func newUserWindow() *userWindow {
	return &userWindow{ids: make(map[string]struct{}), counts: make(map[string]int)}
}

// Window is the incrementally maintained per-user view. It implements
// transactions.Observer. A transaction is counted at most once no matter
// whether it arrives through observation, a seed, or both.
type Window struct {
	users      sync.Map // map[string]*userWindow
	size       int
	smallLimit float64
}

var _ transactions.Observer = (*Window)(nil)

// NewWindow keeps the newest size transactions per user. size <= 0 uses
// DefaultWindowSize.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{size: size, smallLimit: DefaultSmallLimit}
}

// Size is the per-user capacity.
func (w *Window) Size() int { return w.size }

// Qualifies reports whether tx counts toward a structuring pattern: a
// completed transfer below the small-amount limit to a named receiver.
func (w *Window) Qualifies(tx *transactions.Transaction) bool {
	return tx.Status == transactions.StatusCompleted &&
		tx.Amount < w.smallLimit &&
		tx.Receiver() != transactions.DefaultReceiver
}

func (w *Window) get(userID string) *userWindow {
	v, _ := w.users.LoadOrStore(userID, newUserWindow())
	return v.(*userWindow)
}

func (w *Window) entryFor(tx *transactions.Transaction) entry {
	return entry{id: tx.ID, createdAt: tx.CreatedAt, receiver: tx.Receiver(), qualifying: w.Qualifies(tx)}
}

// ObserveTransaction adds tx to its sender's window in store order, evicting
// the oldest entry once the window is full. A transaction already in the
// window is ignored.
func (w *Window) ObserveTransaction(tx *transactions.Transaction) {
	uw := w.get(tx.UserID)
	uw.mu.Lock()
	defer uw.mu.Unlock()
	w.insert(uw, w.entryFor(tx))
}

// insert places e by (createdAt, id). Duplicates and entries older than a
// full window are dropped. Caller holds uw.mu.
func (w *Window) insert(uw *userWindow, e entry) {
	if _, dup := uw.ids[e.id]; dup {
		return
	}
	if len(uw.entries) >= w.size && e.before(uw.entries[0]) {
		return
	}
	i := sort.Search(len(uw.entries), func(i int) bool { return e.before(uw.entries[i]) })
	uw.entries = append(uw.entries, entry{})
	copy(uw.entries[i+1:], uw.entries[i:])
	uw.entries[i] = e
	uw.ids[e.id] = struct{}{}
	if e.qualifying {
		uw.counts[e.receiver]++
	}

	for len(uw.entries) > w.size {
		old := uw.entries[0]
		uw.entries = uw.entries[1:]
		delete(uw.ids, old.id)
		if old.qualifying {
			uw.counts[old.receiver]--
			if uw.counts[old.receiver] == 0 {
				delete(uw.counts, old.receiver)
			}
		}
	}
}

// Seed rebuilds the user's window from newestFirst, as returned by
// transactions.Store.ListRecent. Entries observed while the store was being
// read (newer than anything in newestFirst and absent from it) are kept, so a
// seed racing with Recorder.Record neither loses nor double counts a
// transaction.
func (w *Window) Seed(userID string, newestFirst []*transactions.Transaction) {
	uw := w.get(userID)
	uw.mu.Lock()
	defer uw.mu.Unlock()

	snapshot := make(map[string]struct{}, len(newestFirst))
	for _, tx := range newestFirst {
		snapshot[tx.ID] = struct{}{}
	}
	var late []entry
	for _, e := range uw.entries {
		if _, ok := snapshot[e.id]; ok {
			continue
		}
		if len(newestFirst) == 0 || w.entryFor(newestFirst[0]).before(e) {
			late = append(late, e)
		}
	}

	uw.entries = make([]entry, 0, w.size+1)
	uw.ids = make(map[string]struct{}, w.size+1)
	uw.counts = make(map[string]int)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		w.insert(uw, w.entryFor(newestFirst[i]))
	}
	for _, e := range late {
		w.insert(uw, e)
	}
	uw.seeded = true
}

// Seeded reports whether the user's window has been loaded from the store.
func (w *Window) Seeded(userID string) bool {
	v, ok := w.users.Load(userID)
	if !ok {
		return false
	}
	uw := v.(*userWindow)
	uw.mu.Lock()
	defer uw.mu.Unlock()
	return uw.seeded
}

// Len returns how many transactions the user's window holds.
func (w *Window) Len(userID string) int {
	v, ok := w.users.Load(userID)
	if !ok {
		return 0
	}
	uw := v.(*userWindow)
	uw.mu.Lock()
	defer uw.mu.Unlock()
	return len(uw.entries)
}

// Counts returns a copy of the per-receiver qualifying counts.
func (w *Window) Counts(userID string) map[string]int {
	v, ok := w.users.Load(userID)
	if !ok {
		return map[string]int{}
	}
	uw := v.(*userWindow)
	uw.mu.Lock()
	defer uw.mu.Unlock()
	out := make(map[string]int, len(uw.counts))
	for k, c := range uw.counts {
		out[k] = c
	}
	return out
}
