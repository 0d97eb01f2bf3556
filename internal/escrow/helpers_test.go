package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/money"
)

var (
	buyer    = Actor{ID: "buyer-1", Role: RolePayer}
	supplier = Actor{ID: "supplier-1", Role: RolePayee}
	reviewer = Actor{ID: "reviewer-1", Role: RoleReviewer}
	admin    = Actor{ID: "admin-1", Role: RoleAdmin}
	stranger = Actor{ID: "buyer-2", Role: RolePayer}
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder captures transitions delivered to observers.
type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) OnTransition(_ context.Context, t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

type harness struct {
	store *MemoryStore
	repo  *Repository
	svc   *Service
	clock *fakeClock
	seen  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	seen := &recorder{}
	repo := NewRepository(store, NewMachine(DefaultHoldingPeriod)).
		WithClock(clock.Now).
		WithObserver(seen).
		WithLogger(logging.Discard())
	return &harness{store: store, repo: repo, svc: NewService(repo), clock: clock, seen: seen}
}

func (h *harness) capture(t *testing.T, ref, amount string) *Payment {
	t.Helper()
	p, err := h.svc.OnCaptureConfirmed(context.Background(), CaptureRequest{
		ReferenceID: ref,
		Amount:      money.MustParse(amount),
		PayerID:     buyer.ID,
		PayeeID:     supplier.ID,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) offline(t *testing.T, ref, amount string, refs ...string) *Payment {
	t.Helper()
	p, err := h.svc.SubmitOfflineEvidence(context.Background(), buyer, OfflineRequest{
		ReferenceID:  ref,
		Amount:       money.MustParse(amount),
		PayerID:      buyer.ID,
		PayeeID:      supplier.ID,
		EvidenceRefs: refs,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) entries(t *testing.T, id string) []*Entry {
	t.Helper()
	entries, err := h.repo.ListTransactions(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func entryTypes(entries []*Entry) []EntryType {
	out := make([]EntryType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func countType(entries []*Entry, typ EntryType) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}
