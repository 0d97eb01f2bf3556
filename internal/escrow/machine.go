package escrow

import (
	"strings"
	"time"

	"github.com/mbd888/procurepay/internal/money"
)

// DefaultHoldingPeriod is how long funds stay in escrow before auto-release.
const DefaultHoldingPeriod = 7 * 24 * time.Hour

// Machine holds the transition rules. It performs no I/O and keeps no state,
// so one value can be shared by every goroutine.
type Machine struct {
	HoldingPeriod time.Duration
}

// NewMachine returns a Machine with the given holding period, falling back to
// DefaultHoldingPeriod when it is not positive.
func NewMachine(holding time.Duration) Machine {
	if holding <= 0 {
		holding = DefaultHoldingPeriod
	}
	return Machine{HoldingPeriod: holding}
}

// Result is the outcome of a legal transition. Next is a modified copy of the
// input record; entries have no ID, PaymentID or Seq yet since those are
// assigned by the store when the result is persisted.
type Result struct {
	From    Status
	To      Status
	Next    *Payment
	Entries []*Entry
}

// Open evaluates a creation event. The returned record has no ID.
func (m Machine) Open(ev Event, now time.Time) (*Result, error) {
	now = now.UTC()
	switch e := ev.(type) {
	case CaptureConfirmed:
		if err := validateParties(e.ReferenceID, e.PayerID, e.PayeeID, e.Amount); err != nil {
			return nil, err
		}
		releaseAt := now.Add(m.holding())
		p := &Payment{
			PayerID:     e.PayerID,
			PayeeID:     e.PayeeID,
			ReferenceID: e.ReferenceID,
			Amount:      e.Amount,
			Status:      StatusInEscrow,
			Channel:     ChannelOnline,
			ReleaseAt:   &releaseAt,
			GatewayRef:  e.GatewayRef,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		actor := ev.actor()
		created := newEntry(EntryPaymentCreated, actor, nil, now, "Payment captured by gateway")
		created.Metadata = map[string]string{MetaChannel: string(ChannelOnline)}
		if e.GatewayRef != "" {
			created.Metadata[MetaGatewayRef] = e.GatewayRef
		}
		received := newEntry(EntryPaymentReceived, actor, amountPtr(e.Amount), now, "Funds received from payer")
		held := m.fundsHeld(actor, e.Amount, releaseAt, now)
		return &Result{
			From:    StatusNone,
			To:      StatusInEscrow,
			Next:    p,
			Entries: []*Entry{created, received, held},
		}, nil

	case OfflineEvidenceSubmitted:
		if err := validateParties(e.ReferenceID, e.PayerID, e.PayeeID, e.Amount); err != nil {
			return nil, err
		}
		if len(e.Evidence) == 0 {
			return nil, ErrMissingEvidence
		}
		refs := make([]string, 0, len(e.Evidence))
		for _, a := range e.Evidence {
			if strings.TrimSpace(a.Ref) == "" {
				return nil, ErrMissingEvidence
			}
			refs = append(refs, a.Ref)
		}
		evidence := make([]EvidenceArtifact, len(e.Evidence))
		copy(evidence, e.Evidence)
		p := &Payment{
			PayerID:     e.PayerID,
			PayeeID:     e.PayeeID,
			ReferenceID: e.ReferenceID,
			Amount:      e.Amount,
			Status:      StatusManualReview,
			Channel:     ChannelOffline,
			Evidence:    evidence,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		created := newEntry(EntryPaymentCreated, e.Actor, nil, now, "Offline payment submitted for review")
		created.Metadata = map[string]string{
			MetaChannel:      string(ChannelOffline),
			MetaEvidenceRefs: strings.Join(refs, ","),
		}
		return &Result{
			From:    StatusNone,
			To:      StatusManualReview,
			Next:    p,
			Entries: []*Entry{created},
		}, nil
	}
	return nil, &TransitionError{From: StatusNone, Event: ev.Kind(), Err: ErrInvalidTransition}
}

// Apply evaluates ev against the snapshot p. It never mutates p.
func (m Machine) Apply(p *Payment, ev Event, now time.Time) (*Result, error) {
	now = now.UTC()
	if p.Status.IsTerminal() {
		return nil, &TransitionError{From: p.Status, Event: ev.Kind(), Err: ErrAlreadyTerminal}
	}

	reject := func(err error) (*Result, error) {
		return nil, &TransitionError{From: p.Status, Event: ev.Kind(), Err: err}
	}
	next := p.Clone()
	next.UpdatedAt = now
	res := &Result{From: p.Status, Next: next}
	actor := ev.actor()

	switch e := ev.(type) {
	case EvidenceAccepted:
		if p.Status != StatusManualReview {
			return reject(ErrInvalidTransition)
		}
		if !e.Actor.CanReview() {
			return nil, ErrForbidden
		}
		releaseAt := now.Add(m.holding())
		next.ReleaseAt = &releaseAt
		res.To = StatusInEscrow
		held := m.fundsHeld(actor, p.Amount, releaseAt, now)
		held.Description = "Offline evidence accepted, funds held"
		res.Entries = []*Entry{held}

	case EvidenceRejected:
		if p.Status != StatusManualReview {
			return reject(ErrInvalidTransition)
		}
		if !e.Actor.CanReview() {
			return nil, ErrForbidden
		}
		if strings.TrimSpace(e.Reason) == "" {
			return nil, ErrReasonRequired
		}
		res.To = StatusFailed
		cancelled := newEntry(EntryPaymentCancelled, actor, nil, now, "Offline evidence rejected")
		cancelled.Metadata = map[string]string{MetaReasonCode: ReasonEvidenceRejected, MetaReason: e.Reason}
		res.Entries = []*Entry{cancelled}

	case DeliveryConfirmed:
		if p.Status != StatusInEscrow {
			return reject(ErrInvalidTransition)
		}
		res.To = StatusReleased
		confirmed := newEntry(EntryDeliveryConfirmed, actor, nil, now, "Delivery confirmed by payer")
		if e.Notes != "" {
			confirmed.Metadata = map[string]string{MetaNotes: e.Notes}
		}
		released := newEntry(EntryFundsReleased, actor, amountPtr(p.Amount), now, "Funds released to payee")
		released.Metadata = map[string]string{MetaTrigger: string(EventDeliveryConfirmed)}
		res.Entries = []*Entry{confirmed, released}

	case ReleaseDeadlineElapsed:
		if p.Status != StatusInEscrow {
			return reject(ErrInvalidTransition)
		}
		if p.ReleaseAt == nil || now.Before(*p.ReleaseAt) {
			return reject(ErrReleaseNotDue)
		}
		res.To = StatusReleased
		released := newEntry(EntryFundsReleased, actor, amountPtr(p.Amount), now, "Escrow period elapsed, funds auto-released")
		released.Metadata = map[string]string{MetaTrigger: string(EventReleaseDeadline)}
		res.Entries = []*Entry{released}

	case DelayReported:
		if p.Status != StatusInEscrow {
			return reject(ErrInvalidTransition)
		}
		if strings.TrimSpace(e.Reason) == "" {
			return nil, ErrReasonRequired
		}
		res.To = StatusInEscrow
		delay := newEntry(EntryDelayReported, actor, nil, now, "Delivery delay reported")
		delay.Metadata = map[string]string{MetaReason: e.Reason}
		res.Entries = []*Entry{delay}

	case DisputeOpened:
		if p.Status != StatusInEscrow {
			return reject(ErrInvalidTransition)
		}
		if strings.TrimSpace(e.Reason) == "" {
			return nil, ErrReasonRequired
		}
		res.To = StatusDisputed
		opened := newEntry(EntryDisputeOpened, actor, nil, now, "Dispute opened")
		opened.Metadata = map[string]string{MetaReason: e.Reason}
		res.Entries = []*Entry{opened}

	case DisputeResolved:
		if p.Status != StatusDisputed {
			return reject(ErrInvalidTransition)
		}
		if !e.Actor.CanReview() {
			return nil, ErrForbidden
		}
		if !e.Outcome.Valid() {
			return nil, ErrInvalidRequest
		}
		meta := map[string]string{MetaOutcome: string(e.Outcome)}
		if e.Notes != "" {
			meta[MetaNotes] = e.Notes
		}
		if e.Outcome == OutcomeFavorPayee {
			res.To = StatusReleased
			released := newEntry(EntryFundsReleased, actor, amountPtr(p.Amount), now, "Dispute resolved in favor of payee, funds released")
			meta[MetaTrigger] = string(EventDisputeFavorPayee)
			released.Metadata = meta
			res.Entries = []*Entry{released}
		} else {
			res.To = StatusCancelled
			cancelled := newEntry(EntryPaymentCancelled, actor, nil, now, "Dispute resolved in favor of payer, payment cancelled")
			meta[MetaReasonCode] = ReasonDisputeForPayer
			cancelled.Metadata = meta
			res.Entries = []*Entry{cancelled}
		}

	case AdministrativeCancel:
		if !e.Actor.IsAdmin() {
			return nil, ErrForbidden
		}
		if strings.TrimSpace(e.Reason) == "" {
			return nil, ErrReasonRequired
		}
		res.To = StatusCancelled
		cancelled := newEntry(EntryPaymentCancelled, actor, nil, now, "Payment cancelled by administrator")
		cancelled.Metadata = map[string]string{MetaReasonCode: ReasonAdminCancel, MetaReason: e.Reason}
		res.Entries = []*Entry{cancelled}

	case ReleaseDateOverridden:
		if p.Status != StatusInEscrow {
			return reject(ErrInvalidTransition)
		}
		if !e.Actor.IsAdmin() {
			return nil, ErrForbidden
		}
		if e.ReleaseAt.IsZero() {
			return nil, ErrInvalidRequest
		}
		newDate := e.ReleaseAt.UTC()
		next.ReleaseAt = &newDate
		res.To = StatusInEscrow
		meta := map[string]string{MetaNewDate: newDate.Format(time.RFC3339Nano)}
		if p.ReleaseAt != nil {
			meta[MetaPreviousDate] = p.ReleaseAt.UTC().Format(time.RFC3339Nano)
		}
		if e.Reason != "" {
			meta[MetaReason] = e.Reason
		}
		override := newEntry(EntryReleaseDateOverridden, actor, nil, now, "Escrow release date overridden")
		override.Metadata = meta
		res.Entries = []*Entry{override}

	default:
		// Creation events are only legal through Open.
		return reject(ErrInvalidTransition)
	}

	next.Status = res.To
	return res, nil
}

func (m Machine) holding() time.Duration {
	if m.HoldingPeriod <= 0 {
		return DefaultHoldingPeriod
	}
	return m.HoldingPeriod
}

func (m Machine) fundsHeld(actor Actor, amount money.Amount, releaseAt, now time.Time) *Entry {
	held := newEntry(EntryFundsHeld, actor, amountPtr(amount), now, "Funds held in escrow")
	held.Metadata = map[string]string{MetaReleaseAt: releaseAt.Format(time.RFC3339Nano)}
	return held
}

func validateParties(referenceID, payerID, payeeID string, amount money.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(referenceID) == "" || strings.TrimSpace(payerID) == "" || strings.TrimSpace(payeeID) == "" {
		return ErrInvalidRequest
	}
	if payerID == payeeID {
		return ErrSameParty
	}
	return nil
}

func newEntry(typ EntryType, actor Actor, amount *money.Amount, now time.Time, description string) *Entry {
	return &Entry{
		Type:        typ,
		Amount:      amount,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Description: description,
		CreatedAt:   now,
	}
}

func amountPtr(a money.Amount) *money.Amount { return &a }
