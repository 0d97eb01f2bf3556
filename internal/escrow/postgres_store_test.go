//go:build integration

package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/money"
	"github.com/mbd888/procurepay/internal/pagination"
	"github.com/mbd888/procurepay/internal/testutil"
)

func newPGHarness(t *testing.T) (*harness, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db)
	clock := newFakeClock()
	seen := &recorder{}
	repo := NewRepository(store, NewMachine(DefaultHoldingPeriod)).
		WithClock(clock.Now).
		WithObserver(seen).
		WithLogger(logging.Discard())
	return &harness{repo: repo, svc: NewService(repo), clock: clock, seen: seen}, store
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	p := h.capture(t, "quote-pg-1", "1250.50")
	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInEscrow, got.Status)
	assert.Equal(t, "1250.50", got.Amount.String())
	assert.Equal(t, int64(3), got.Version)
	require.NotNil(t, got.ReleaseAt)
	assert.True(t, testStart.Add(DefaultHoldingPeriod).Equal(*got.ReleaseAt))

	_, err = store.Get(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_OfflineEvidenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	p := h.offline(t, "quote-pg-wire", "5000.00", "s3://receipts/a.pdf", "s3://receipts/b.pdf")
	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusManualReview, got.Status)
	assert.Nil(t, got.ReleaseAt)
	require.Len(t, got.Evidence, 2)
	assert.Equal(t, "s3://receipts/b.pdf", got.Evidence[1].Ref)
}

func TestPostgresStore_DuplicateActiveReference(t *testing.T) {
	ctx := context.Background()
	h, _ := newPGHarness(t)

	p := h.capture(t, "quote-pg-dup", "10.00")
	_, err := h.svc.OnCaptureConfirmed(ctx, CaptureRequest{
		ReferenceID: "quote-pg-dup", Amount: p.Amount, PayerID: buyer.ID, PayeeID: supplier.ID,
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	// Once the first payment is terminal the reference is free again.
	_, err = h.svc.ConfirmDelivery(ctx, p.ID, buyer, "")
	require.NoError(t, err)
	h.capture(t, "quote-pg-dup", "10.00")
}

func TestPostgresStore_DuplicateCaptureAfterRelease(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)
	req := CaptureRequest{
		ReferenceID: "quote-pg-pi", Amount: money.MustParse("10.00"),
		PayerID: buyer.ID, PayeeID: supplier.ID, GatewayRef: "pi_pg_1",
	}

	p, err := h.svc.OnCaptureConfirmed(ctx, req)
	require.NoError(t, err)
	_, err = h.svc.ConfirmDelivery(ctx, p.ID, buyer, "")
	require.NoError(t, err)

	_, err = h.svc.OnCaptureConfirmed(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateCapture)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_pg_1", got.GatewayRef)
	records, err := store.ListByParty(ctx, buyer.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// Offline records carry no gateway reference and never collide.
	h.offline(t, "quote-pg-off-1", "10.00", "s3://receipts/1.pdf")
	h.offline(t, "quote-pg-off-2", "10.00", "s3://receipts/2.pdf")
}

func TestPostgresStore_CorruptJSONIsAnError(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	p := h.offline(t, "quote-pg-corrupt", "10.00", "s3://receipts/a.pdf")
	_, err := store.db.ExecContext(ctx,
		`UPDATE escrow_payments SET evidence = '{"ref": "not-a-list"}'::jsonb WHERE id = $1`, p.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, p.ID)
	assert.ErrorContains(t, err, "decode evidence")

	q := h.capture(t, "quote-pg-corrupt-meta", "10.00")
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (id, payment_id, seq, type, actor_id, actor_role, metadata)
		VALUES ('txn_corrupt', $1, 4, 'delay_reported', 'supplier-1', 'payee', '["x"]'::jsonb)`, q.ID)
	require.NoError(t, err)
	_, err = store.ListEntries(ctx, q.ID)
	assert.ErrorContains(t, err, "decode metadata of entry txn_corrupt")
}

func TestPostgresStore_LedgerEntries(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	p := h.capture(t, "quote-pg-ledger", "75.00")
	_, err := h.svc.ReportDelay(ctx, p.ID, supplier, "port congestion")
	require.NoError(t, err)
	_, err = h.svc.ConfirmDelivery(ctx, p.ID, buyer, "received")
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []EntryType{
		EntryPaymentCreated, EntryPaymentReceived, EntryFundsHeld,
		EntryDelayReported, EntryFundsReleased,
	}, entryTypes(entries))
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, p.ID, e.PaymentID)
	}
	assert.Equal(t, "port congestion", entries[3].Metadata[MetaReason])
	require.NotNil(t, entries[4].Amount)
	assert.Equal(t, "75.00", entries[4].Amount.String())

	rec, err := h.repo.Reconcile(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, rec.OK, rec.Problems)
}

func TestPostgresStore_LedgerIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	repo := NewRepository(store, NewMachine(DefaultHoldingPeriod))
	p, _, err := repo.Create(ctx, CaptureConfirmed{
		ReferenceID: "quote-pg-immutable", PayerID: buyer.ID, PayeeID: supplier.ID, Amount: 100,
	})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE escrow_transactions SET description = 'x' WHERE payment_id = $1`, p.ID)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM escrow_transactions WHERE payment_id = $1`, p.ID)
	assert.Error(t, err)
}

func TestPostgresStore_SingleReleaseIndex(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	p := h.capture(t, "quote-pg-release", "5.00")
	released, err := h.svc.ConfirmDelivery(ctx, p.ID, buyer, "")
	require.NoError(t, err)

	// Bypass the machine and try to append a second release directly.
	_, _, err = store.Transition(ctx, p.ID, func(current *Payment) (*Result, error) {
		return &Result{
			From: current.Status,
			To:   current.Status,
			Next: current.Clone(),
			Entries: []*Entry{{
				Type:      EntryFundsReleased,
				Amount:    &released.Amount,
				ActorID:   SystemScheduler.ID,
				ActorRole: SystemScheduler.Role,
				CreatedAt: h.clock.Now(),
			}},
		}, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	entries, err := store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countType(entries, EntryFundsReleased))
}

func TestPostgresStore_ConcurrentReleaseOnce(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	p := h.capture(t, "quote-pg-race", "9.99")
	h.clock.Advance(DefaultHoldingPeriod)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _, errs[i] = h.repo.ApplyTransition(ctx, p.ID, StatusInEscrow, ReleaseDeadlineElapsed{})
				return
			}
			_, errs[i] = h.svc.ConfirmDelivery(ctx, p.ID, buyer, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	entries, err := store.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countType(entries, EntryFundsReleased))
}

func TestPostgresStore_ListDueAndByParty(t *testing.T) {
	ctx := context.Background()
	h, store := newPGHarness(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.capture(t, fmt.Sprintf("quote-pg-due-%d", i), "1.00").ID)
		h.clock.Advance(time.Hour)
	}
	disputed := h.capture(t, "quote-pg-due-disputed", "1.00")
	_, err := h.svc.OpenDispute(ctx, disputed.ID, supplier, "short shipment")
	require.NoError(t, err)

	due, err := store.ListDue(ctx, testStart.Add(DefaultHoldingPeriod+90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, ids[0], due[0].ID)
	assert.Equal(t, ids[1], due[1].ID)

	limited, err := store.ListDue(ctx, testStart.Add(30*DefaultHoldingPeriod), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byParty, err := store.ListByParty(ctx, supplier.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, byParty, 4)
	assert.Equal(t, disputed.ID, byParty[0].ID)

	rest, err := store.ListByParty(ctx, supplier.ID, &pagination.Cursor{CreatedAt: byParty[1].CreatedAt, ID: byParty[1].ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, byParty[2].ID, rest[0].ID)
}
