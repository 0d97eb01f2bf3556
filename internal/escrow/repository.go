package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/procurepay/internal/idgen"
	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/pagination"
	"github.com/mbd888/procurepay/internal/traces"
)

// Transition describes one committed state change. Creation is reported with
// From == StatusNone.
type Transition struct {
	PaymentID string
	From      Status
	To        Status
	Event     EventKind
	Entries   []*Entry
	Payment   *Payment
	At        time.Time
}

// TransitionObserver is notified after every successful commit. Observers
// must not block; anything slow belongs on their own goroutine. A panicking
// observer is logged and skipped.
type TransitionObserver interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to TransitionObserver.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// Repository is the only path through which payment records change.
type Repository struct {
	store     Store
	machine   Machine
	now       func() time.Time
	observers []TransitionObserver
	logger    *slog.Logger
}

// NewRepository wires a store to the transition rules.
func NewRepository(store Store, machine Machine) *Repository {
	return &Repository{
		store:   store,
		machine: machine,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithClock replaces time.Now, mainly for tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// WithObserver registers a transition observer.
func (r *Repository) WithObserver(o TransitionObserver) *Repository {
	r.observers = append(r.observers, o)
	return r
}

// WithLogger sets the logger used for observer failures.
func (r *Repository) WithLogger(l *slog.Logger) *Repository {
	r.logger = l
	return r
}

// Now returns the repository clock's current time.
func (r *Repository) Now() time.Time { return r.now() }

// Create opens a new record from a creation event.
func (r *Repository) Create(ctx context.Context, ev Event) (p *Payment, entries []*Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Event(string(ev.Kind())))
	defer func() { traces.End(span, err) }()

	now := r.now()
	res, err := r.machine.Open(ev, now)
	if err != nil {
		return nil, nil, err
	}
	p = res.Next
	p.ID = idgen.PaymentID()
	span.SetAttributes(traces.PaymentID(p.ID), traces.Reference(p.ReferenceID), traces.Amount(p.Amount.String()))

	if err := r.store.Create(ctx, p, res.Entries); err != nil {
		return nil, nil, err
	}

	r.notify(ctx, Transition{
		PaymentID: p.ID,
		From:      StatusNone,
		To:        p.Status,
		Event:     ev.Kind(),
		Entries:   res.Entries,
		Payment:   p,
		At:        now,
	})
	return p.Clone(), cloneEntries(res.Entries), nil
}

// GetByID returns the current record or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*Payment, error) {
	return r.store.Get(ctx, id)
}

// ApplyTransition loads the record, checks that its status still equals
// expected, evaluates ev and persists the result with its entries in one
// unit. A status mismatch fails with ErrConcurrentModification and writes
// nothing.
func (r *Repository) ApplyTransition(ctx context.Context, id string, expected Status, ev Event) (p *Payment, entries []*Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyTransition",
		traces.PaymentID(id), traces.Event(string(ev.Kind())), traces.Status(string(expected)))
	defer func() { traces.End(span, err) }()

	var (
		from Status
		now  time.Time
	)
	p, entries, err = r.store.Transition(ctx, id, func(current *Payment) (*Result, error) {
		if current.Status != expected {
			return nil, fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, expected, current.Status)
		}
		from = current.Status
		// Read the clock under the record lock so created_at follows seq.
		now = r.now()
		if now.Before(current.UpdatedAt) {
			now = current.UpdatedAt
		}
		return r.machine.Apply(current, ev, now)
	})
	if err != nil {
		return nil, nil, err
	}

	r.notify(ctx, Transition{
		PaymentID: id,
		From:      from,
		To:        p.Status,
		Event:     ev.Kind(),
		Entries:   entries,
		Payment:   p,
		At:        now,
	})
	return p.Clone(), cloneEntries(entries), nil
}

// ListDueForAutoRelease returns IN_ESCROW records whose release date is at
// or before now, earliest first.
func (r *Repository) ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	return r.store.ListDue(ctx, now, limit)
}

// ListTransactions returns a record's ledger in seq order.
func (r *Repository) ListTransactions(ctx context.Context, paymentID string) ([]*Entry, error) {
	return r.store.ListEntries(ctx, paymentID)
}

// ListByParty returns records where partyID is payer or payee.
func (r *Repository) ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Payment, error) {
	return r.store.ListByParty(ctx, partyID, after, limit)
}

// Reconcile replays a record's ledger against its stored state.
func (r *Repository) Reconcile(ctx context.Context, id string) (*Reconciliation, error) {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := r.store.ListEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	return Reconcile(p, entries), nil
}

func (r *Repository) notify(ctx context.Context, t Transition) {
	if len(r.observers) == 0 {
		return
	}
	// Observers outlive the request that produced the transition.
	ctx = context.WithoutCancel(ctx)
	for _, o := range r.observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("transition observer panicked",
						logging.FieldPaymentID, t.PaymentID,
						logging.FieldEvent, string(t.Event),
						"panic", fmt.Sprint(rec))
				}
			}()
			// Each observer gets its own copy so one cannot corrupt another's view.
			cp := t
			cp.Payment = t.Payment.Clone()
			cp.Entries = cloneEntries(t.Entries)
			o.OnTransition(ctx, cp)
		}()
	}
}
