package escrow

import (
	"fmt"
	"time"

	"github.com/mbd888/procurepay/internal/money"
)

// ReplayState is the record state derived purely from its ledger.
type ReplayState struct {
	Status    Status
	Channel   Channel
	ReleaseAt *time.Time
	Received  money.Amount
	Held      money.Amount
	Released  money.Amount
	Releases  int
	LastSeq   int64
}

// Replay folds a payment's entries, in seq order, back into a state. It fails
// with ErrLedgerCorrupt when the log contains a sequence the machine could not
// have produced.
func Replay(entries []*Entry) (*ReplayState, error) {
	st := &ReplayState{Status: StatusNone}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return nil, fmt.Errorf("%w: entry %s has seq %d, want %d", ErrLedgerCorrupt, e.ID, e.Seq, i+1)
		}
		if st.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s after terminal status %s", ErrLedgerCorrupt, e.Type, st.Status)
		}
		if err := st.apply(e); err != nil {
			return nil, fmt.Errorf("%w: seq %d: %v", ErrLedgerCorrupt, e.Seq, err)
		}
		st.LastSeq = e.Seq
	}
	return st, nil
}

func (st *ReplayState) apply(e *Entry) error {
	need := func(allowed ...Status) error {
		for _, s := range allowed {
			if st.Status == s {
				return nil
			}
		}
		return fmt.Errorf("%s not legal from %s", e.Type, statusLabel(st.Status))
	}

	switch e.Type {
	case EntryPaymentCreated:
		if err := need(StatusNone); err != nil {
			return err
		}
		st.Channel = Channel(e.Metadata[MetaChannel])
		switch st.Channel {
		case ChannelOnline:
			st.Status = StatusPending
		case ChannelOffline:
			st.Status = StatusManualReview
		default:
			return fmt.Errorf("unknown channel %q", st.Channel)
		}
	case EntryPaymentReceived:
		if err := need(StatusPending); err != nil {
			return err
		}
		st.Received += amountOf(e)
	case EntryFundsHeld:
		if err := need(StatusPending, StatusManualReview); err != nil {
			return err
		}
		st.Held += amountOf(e)
		if t, err := time.Parse(time.RFC3339Nano, e.Metadata[MetaReleaseAt]); err == nil {
			st.ReleaseAt = &t
		}
		st.Status = StatusInEscrow
	case EntryDeliveryConfirmed, EntryDelayReported:
		return need(StatusInEscrow)
	case EntryReleaseDateOverridden:
		if err := need(StatusInEscrow); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, e.Metadata[MetaNewDate])
		if err != nil {
			return fmt.Errorf("bad %s: %v", MetaNewDate, err)
		}
		st.ReleaseAt = &t
	case EntryDisputeOpened:
		if err := need(StatusInEscrow); err != nil {
			return err
		}
		st.Status = StatusDisputed
	case EntryFundsReleased:
		if err := need(StatusInEscrow, StatusDisputed); err != nil {
			return err
		}
		st.Released += amountOf(e)
		st.Releases++
		st.Status = StatusReleased
	case EntryPaymentCancelled:
		if st.Status == StatusNone {
			return fmt.Errorf("%s before creation", e.Type)
		}
		switch e.Metadata[MetaReasonCode] {
		case ReasonEvidenceRejected:
			if err := need(StatusManualReview); err != nil {
				return err
			}
			st.Status = StatusFailed
		case ReasonDisputeForPayer:
			if err := need(StatusDisputed); err != nil {
				return err
			}
			st.Status = StatusCancelled
		default:
			st.Status = StatusCancelled
		}
	default:
		return fmt.Errorf("unknown entry type %q", e.Type)
	}
	return nil
}

func amountOf(e *Entry) money.Amount {
	if e.Amount == nil {
		return 0
	}
	return *e.Amount
}

// Reconciliation reports whether a record agrees with its ledger.
type Reconciliation struct {
	PaymentID     string       `json:"paymentId"`
	Status        Status       `json:"status"`
	DerivedStatus Status       `json:"derivedStatus"`
	EntryCount    int          `json:"entryCount"`
	Released      money.Amount `json:"released"`
	OK            bool         `json:"ok"`
	Problems      []string     `json:"problems,omitempty"`
}

// Reconcile replays entries and checks them against p: derived status, single
// release, full-amount movements and the version counter.
func Reconcile(p *Payment, entries []*Entry) *Reconciliation {
	rec := &Reconciliation{
		PaymentID:  p.ID,
		Status:     p.Status,
		EntryCount: len(entries),
	}
	st, err := Replay(entries)
	if err != nil {
		rec.Problems = append(rec.Problems, err.Error())
		return rec
	}
	rec.DerivedStatus = st.Status
	rec.Released = st.Released

	if st.Status != p.Status {
		rec.Problems = append(rec.Problems, fmt.Sprintf("status %s does not match ledger %s", p.Status, st.Status))
	}
	if st.Releases > 1 {
		rec.Problems = append(rec.Problems, fmt.Sprintf("funds released %d times", st.Releases))
	}
	if st.Releases == 1 && st.Released != p.Amount {
		rec.Problems = append(rec.Problems, fmt.Sprintf("released %s, expected %s", st.Released, p.Amount))
	}
	if st.Held != 0 && st.Held != p.Amount {
		rec.Problems = append(rec.Problems, fmt.Sprintf("held %s, expected %s", st.Held, p.Amount))
	}
	if st.Received != 0 && st.Received != p.Amount {
		rec.Problems = append(rec.Problems, fmt.Sprintf("received %s, expected %s", st.Received, p.Amount))
	}
	if st.LastSeq != p.Version {
		rec.Problems = append(rec.Problems, fmt.Sprintf("version %d does not match last seq %d", p.Version, st.LastSeq))
	}
	for _, e := range entries {
		if e.PaymentID != p.ID {
			rec.Problems = append(rec.Problems, fmt.Sprintf("entry %s belongs to %s", e.ID, e.PaymentID))
		}
	}
	rec.OK = len(rec.Problems) == 0
	return rec
}
