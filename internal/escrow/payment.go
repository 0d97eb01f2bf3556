// Package escrow implements the escrow payment lifecycle.
//
// Flow:
//  1. Gateway confirms capture → record opens directly in IN_ESCROW
//  2. Payer uploads offline proof → record opens in MANUAL_REVIEW until a reviewer accepts it
//  3. Payer confirms delivery → funds released to the payee
//  4. Release date passes with no dispute → Scheduler auto-releases
//  5. Either party disputes → a reviewer resolves in favor of payee (release) or payer (cancel)
//
// Every mutation goes through Repository.ApplyTransition, which compares the
// stored status against the caller's expectation, runs the pure Machine and
// persists the new status together with its ledger entries in one unit.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/procurepay/internal/money"
)

var (
	ErrNotFound               = errors.New("payment not found")
	ErrInvalidTransition      = errors.New("invalid transition for current payment status")
	ErrAlreadyTerminal        = fmt.Errorf("%w: payment already in a terminal state", ErrInvalidTransition)
	ErrReleaseNotDue          = fmt.Errorf("%w: escrow release date has not passed", ErrInvalidTransition)
	ErrConcurrentModification = errors.New("payment was modified concurrently")
	ErrDuplicateReference     = errors.New("an active escrow already exists for this reference")
	ErrDuplicateCapture       = errors.New("an escrow already exists for this gateway charge")
	ErrMissingEvidence        = errors.New("at least one evidence artifact is required")
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrReasonRequired         = errors.New("reason is required")
	ErrForbidden              = errors.New("actor is not allowed to perform this action")
	ErrSameParty              = errors.New("payer and payee cannot be the same party")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrLedgerCorrupt          = errors.New("ledger cannot be replayed")
)

// Status is a state of the escrow state machine.
type Status string

const (
	StatusNone         Status = "" // before creation; only reported as the "from" side of the first transition
	StatusPending      Status = "PENDING"
	StatusInEscrow     Status = "IN_ESCROW"
	StatusManualReview Status = "MANUAL_REVIEW"
	StatusDisputed     Status = "DISPUTED"
	StatusReleased     Status = "RELEASED"
	StatusCancelled    Status = "CANCELLED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s names a real state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInEscrow, StatusManualReview, StatusDisputed,
		StatusReleased, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses with no outgoing transitions.
var TerminalStatuses = []Status{StatusReleased, StatusCancelled, StatusFailed}

// Channel records which intake path opened the payment.
type Channel string

const (
	ChannelOnline  Channel = "online"
	ChannelOffline Channel = "offline"
)

// Role is the role an actor plays when triggering an event.
type Role string

const (
	RolePayer    Role = "payer"
	RolePayee    Role = "payee"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who triggered an event. Authentication happens upstream;
// this package only checks the role's capabilities.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// CanReview reports whether the actor may accept or reject offline evidence
// and resolve disputes.
func (a Actor) CanReview() bool {
	return a.Role == RoleReviewer || a.Role == RoleAdmin
}

// IsAdmin reports whether the actor holds administrative capability.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

var (
	// SystemScheduler is the actor recorded on automatic releases.
	SystemScheduler = Actor{ID: "release-scheduler", Role: RoleSystem}
	// SystemGateway is the actor recorded on online captures.
	SystemGateway = Actor{ID: "payment-gateway", Role: RoleSystem}
)

// EvidenceArtifact references an externally stored proof of payment.
type EvidenceArtifact struct {
	ID         string    `json:"id"`
	Ref        string    `json:"ref"`
	AttachedAt time.Time `json:"attachedAt"`
}

// Payment is the escrow record. Amount, parties and reference never change
// after creation.
type Payment struct {
	ID          string             `json:"id"`
	PayerID     string             `json:"payerId"`
	PayeeID     string             `json:"payeeId"`
	ReferenceID string             `json:"referenceId"`
	Amount      money.Amount       `json:"amount"`
	Status      Status             `json:"status"`
	Channel     Channel            `json:"channel"`
	ReleaseAt   *time.Time         `json:"escrowReleaseDate,omitempty"`
	Evidence    []EvidenceArtifact `json:"evidence,omitempty"`
	GatewayRef  string             `json:"gatewayRef,omitempty"` // unique across all records when set
	Version     int64              `json:"version"` // seq of the last ledger entry
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// IsParty reports whether the actor is the payer or payee of this payment
// acting in that role.
func (p *Payment) IsParty(a Actor) bool {
	switch a.Role {
	case RolePayer:
		return a.ID == p.PayerID
	case RolePayee:
		return a.ID == p.PayeeID
	}
	return false
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.ReleaseAt != nil {
		t := *p.ReleaseAt
		cp.ReleaseAt = &t
	}
	if p.Evidence != nil {
		cp.Evidence = make([]EvidenceArtifact, len(p.Evidence))
		copy(cp.Evidence, p.Evidence)
	}
	return &cp
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPaymentCreated        EntryType = "payment_created"
	EntryPaymentReceived       EntryType = "payment_received"
	EntryFundsHeld             EntryType = "funds_held"
	EntryDeliveryConfirmed     EntryType = "delivery_confirmed"
	EntryFundsReleased         EntryType = "funds_released"
	EntryDelayReported         EntryType = "delay_reported"
	EntryDisputeOpened         EntryType = "dispute_opened"
	EntryPaymentCancelled      EntryType = "payment_cancelled"
	EntryReleaseDateOverridden EntryType = "release_date_overridden"
)

// Metadata keys written by the machine.
const (
	MetaChannel      = "channel"
	MetaEvidenceRefs = "evidence_refs"
	MetaGatewayRef   = "gateway_ref"
	MetaReleaseAt    = "release_at"
	MetaReason       = "reason"
	MetaReasonCode   = "reason_code"
	MetaNotes        = "notes"
	MetaOutcome      = "outcome"
	MetaTrigger      = "trigger"
	MetaPreviousDate = "previous_release_at"
	MetaNewDate      = "new_release_at"
)

// Reason codes stored on payment_cancelled entries. Replay depends on them to
// tell FAILED apart from CANCELLED.
const (
	ReasonEvidenceRejected = "evidence_rejected"
	ReasonDisputeForPayer  = "dispute_favor_payer"
	ReasonAdminCancel      = "administrative_cancel"
)

// Entry is one append-only ledger record.
type Entry struct {
	ID          string            `json:"id"`
	PaymentID   string            `json:"paymentId"`
	Seq         int64             `json:"seq"`
	Type        EntryType         `json:"type"`
	Amount      *money.Amount     `json:"amount,omitempty"`
	ActorID     string            `json:"actorId"`
	ActorRole   Role              `json:"actorRole"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Amount != nil {
		a := *e.Amount
		cp.Amount = &a
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneEntries(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// TransitionError reports an event rejected by the state machine.
type TransitionError struct {
	From  Status
	Event EventKind
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s from %s", e.Err, e.Event, statusLabel(e.From))
}

func (e *TransitionError) Unwrap() error { return e.Err }

func statusLabel(s Status) string {
	if s == StatusNone {
		return "(none)"
	}
	return string(s)
}
