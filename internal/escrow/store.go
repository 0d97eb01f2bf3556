package escrow

import (
	"context"
	"time"

	"github.com/mbd888/procurepay/internal/idgen"
	"github.com/mbd888/procurepay/internal/pagination"
)

// TransitionFunc computes the next state from the locked current record.
// Returning an error aborts the write.
type TransitionFunc func(current *Payment) (*Result, error)

// Store persists payment records and their ledgers. Implementations guarantee
// that Transition runs fn while holding exclusive access to the record and that
// the status change and entry appends become visible together or not at all.
type Store interface {
	// Create inserts a new record with its opening entries. It returns
	// ErrDuplicateReference when a non-terminal record already exists for
	// the same reference, and ErrDuplicateCapture when any record already
	// carries the same non-empty gateway reference.
	Create(ctx context.Context, p *Payment, entries []*Entry) error
	Get(ctx context.Context, id string) (*Payment, error)
	Transition(ctx context.Context, id string, fn TransitionFunc) (*Payment, []*Entry, error)
	// ListDue returns IN_ESCROW records whose release date is at or before
	// the cutoff, earliest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
	// ListEntries returns the ledger ordered by seq.
	ListEntries(ctx context.Context, paymentID string) ([]*Entry, error)
	// ListByParty returns records where partyID is payer or payee, newest
	// first by (created_at, id). A non-nil after resumes strictly past that
	// key.
	ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Payment, error)
}

// stamp assigns ledger identity to freshly computed entries and advances the
// record's version to the last seq.
func stamp(p *Payment, entries []*Entry, lastSeq int64) {
	for i, e := range entries {
		if e.ID == "" {
			e.ID = idgen.EntryID()
		}
		e.PaymentID = p.ID
		e.Seq = lastSeq + int64(i+1)
	}
	p.Version = lastSeq + int64(len(entries))
}
