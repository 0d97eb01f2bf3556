package escrow

import (
	"time"

	"github.com/mbd888/procurepay/internal/money"
)

// EventKind names a state machine input.
type EventKind string

const (
	EventCaptureConfirmed      EventKind = "online_capture_confirmed"
	EventOfflineEvidence       EventKind = "offline_evidence_submitted"
	EventEvidenceAccepted      EventKind = "evidence_accepted"
	EventEvidenceRejected      EventKind = "evidence_rejected"
	EventDeliveryConfirmed     EventKind = "delivery_confirmed"
	EventReleaseDeadline       EventKind = "release_deadline_elapsed"
	EventDelayReported         EventKind = "delay_reported"
	EventDisputeOpened         EventKind = "dispute_opened"
	EventDisputeFavorPayee     EventKind = "dispute_resolved_favor_payee"
	EventDisputeFavorPayer     EventKind = "dispute_resolved_favor_payer"
	EventAdministrativeCancel  EventKind = "administrative_cancel"
	EventReleaseDateOverridden EventKind = "release_date_overridden"
)

// Event is an input to the state machine. The set is closed: only the types
// in this file implement it.
type Event interface {
	Kind() EventKind
	actor() Actor
}

// CaptureConfirmed is raised by the payment gateway once a charge has been
// captured. It opens a new record.
type CaptureConfirmed struct {
	ReferenceID string
	PayerID     string
	PayeeID     string
	Amount      money.Amount
	GatewayRef  string // gateway-side charge identifier, optional
}

// OfflineEvidenceSubmitted opens a record for a payment made outside the
// gateway (bank transfer, check) and backed by uploaded proof.
type OfflineEvidenceSubmitted struct {
	ReferenceID string
	PayerID     string
	PayeeID     string
	Amount      money.Amount
	Evidence    []EvidenceArtifact
	Actor       Actor
}

type EvidenceAccepted struct {
	Actor Actor
}

type EvidenceRejected struct {
	Actor  Actor
	Reason string
}

type DeliveryConfirmed struct {
	Actor Actor
	Notes string
}

// ReleaseDeadlineElapsed is emitted by the scheduler.
type ReleaseDeadlineElapsed struct{}

type DelayReported struct {
	Actor  Actor
	Reason string
}

type DisputeOpened struct {
	Actor  Actor
	Reason string
}

// Outcome decides who wins a dispute.
type Outcome string

const (
	OutcomeFavorPayee Outcome = "favor_payee"
	OutcomeFavorPayer Outcome = "favor_payer"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeFavorPayee || o == OutcomeFavorPayer
}

type DisputeResolved struct {
	Actor   Actor
	Outcome Outcome
	Notes   string
}

type AdministrativeCancel struct {
	Actor  Actor
	Reason string
}

// ReleaseDateOverridden moves the auto-release date of a held payment.
type ReleaseDateOverridden struct {
	Actor     Actor
	ReleaseAt time.Time
	Reason    string
}

func (CaptureConfirmed) Kind() EventKind         { return EventCaptureConfirmed }
func (OfflineEvidenceSubmitted) Kind() EventKind { return EventOfflineEvidence }
func (EvidenceAccepted) Kind() EventKind         { return EventEvidenceAccepted }
func (EvidenceRejected) Kind() EventKind         { return EventEvidenceRejected }
func (DeliveryConfirmed) Kind() EventKind        { return EventDeliveryConfirmed }
func (ReleaseDeadlineElapsed) Kind() EventKind   { return EventReleaseDeadline }
func (DelayReported) Kind() EventKind            { return EventDelayReported }
func (DisputeOpened) Kind() EventKind            { return EventDisputeOpened }
func (AdministrativeCancel) Kind() EventKind     { return EventAdministrativeCancel }
func (ReleaseDateOverridden) Kind() EventKind    { return EventReleaseDateOverridden }

func (e DisputeResolved) Kind() EventKind {
	if e.Outcome == OutcomeFavorPayer {
		return EventDisputeFavorPayer
	}
	return EventDisputeFavorPayee
}

func (CaptureConfirmed) actor() Actor           { return SystemGateway }
func (e OfflineEvidenceSubmitted) actor() Actor { return e.Actor }
func (e EvidenceAccepted) actor() Actor         { return e.Actor }
func (e EvidenceRejected) actor() Actor         { return e.Actor }
func (e DeliveryConfirmed) actor() Actor        { return e.Actor }
func (ReleaseDeadlineElapsed) actor() Actor     { return SystemScheduler }
func (e DelayReported) actor() Actor            { return e.Actor }
func (e DisputeOpened) actor() Actor            { return e.Actor }
func (e DisputeResolved) actor() Actor          { return e.Actor }
func (e AdministrativeCancel) actor() Actor     { return e.Actor }
func (e ReleaseDateOverridden) actor() Actor    { return e.Actor }
