package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/procurepay/internal/idgen"
	"github.com/mbd888/procurepay/internal/money"
	"github.com/mbd888/procurepay/internal/pagination"
)

// Service exposes intake and action operations. It validates the actor and
// payload, reads the current status and hands the event to the repository;
// the transition rules themselves live in Machine.
type Service struct {
	repo *Repository
}

// NewService creates a Service over repo.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// Repository returns the underlying repository.
func (s *Service) Repository() *Repository { return s.repo }

// CaptureRequest is the payload of a gateway capture notification.
type CaptureRequest struct {
	ReferenceID string       `json:"referenceId"`
	Amount      money.Amount `json:"amount"`
	PayerID     string       `json:"payerId"`
	PayeeID     string       `json:"payeeId"`
	GatewayRef  string       `json:"gatewayRef,omitempty"`
}

// OnCaptureConfirmed opens an escrow for funds the gateway has captured. The
// record goes straight to IN_ESCROW.
func (s *Service) OnCaptureConfirmed(ctx context.Context, req CaptureRequest) (*Payment, error) {
	p, _, err := s.repo.Create(ctx, CaptureConfirmed{
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		PayerID:     strings.TrimSpace(req.PayerID),
		PayeeID:     strings.TrimSpace(req.PayeeID),
		Amount:      req.Amount,
		GatewayRef:  req.GatewayRef,
	})
	return p, err
}

// OfflineRequest is the payload of an offline payment submission.
type OfflineRequest struct {
	ReferenceID  string       `json:"referenceId"`
	Amount       money.Amount `json:"amount"`
	PayerID      string       `json:"payerId"`
	PayeeID      string       `json:"payeeId"`
	EvidenceRefs []string     `json:"evidenceRefs"`
}

// SubmitOfflineEvidence opens an escrow in MANUAL_REVIEW backed by proof of
// an out-of-band payment. Only the payer of record, or an admin acting on
// their behalf, may submit.
func (s *Service) SubmitOfflineEvidence(ctx context.Context, actor Actor, req OfflineRequest) (*Payment, error) {
	payerID := strings.TrimSpace(req.PayerID)
	if !(actor.Role == RolePayer && actor.ID == payerID) && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	now := s.repo.Now().UTC()
	evidence := make([]EvidenceArtifact, 0, len(req.EvidenceRefs))
	for _, ref := range req.EvidenceRefs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		evidence = append(evidence, EvidenceArtifact{ID: idgen.EvidenceID(), Ref: ref, AttachedAt: now})
	}
	p, _, err := s.repo.Create(ctx, OfflineEvidenceSubmitted{
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		PayerID:     payerID,
		PayeeID:     strings.TrimSpace(req.PayeeID),
		Amount:      req.Amount,
		Evidence:    evidence,
		Actor:       actor,
	})
	return p, err
}

// ConfirmDelivery releases funds after the payer confirms receipt.
func (s *Service) ConfirmDelivery(ctx context.Context, id string, actor Actor, notes string) (*Payment, error) {
	return s.act(ctx, id, func(p *Payment) (Event, error) {
		if !(actor.Role == RolePayer && p.IsParty(actor)) && !actor.IsAdmin() {
			return nil, ErrForbidden
		}
		return DeliveryConfirmed{Actor: actor, Notes: notes}, nil
	})
}

// ReportDelay appends an informational delay entry. It never moves the
// release date.
func (s *Service) ReportDelay(ctx context.Context, id string, actor Actor, reason string) (*Payment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.act(ctx, id, func(p *Payment) (Event, error) {
		if !p.IsParty(actor) && !actor.IsAdmin() {
			return nil, ErrForbidden
		}
		return DelayReported{Actor: actor, Reason: reason}, nil
	})
}

// OpenDispute freezes a held payment pending review.
func (s *Service) OpenDispute(ctx context.Context, id string, actor Actor, reason string) (*Payment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.act(ctx, id, func(p *Payment) (Event, error) {
		if !p.IsParty(actor) && !actor.IsAdmin() {
			return nil, ErrForbidden
		}
		return DisputeOpened{Actor: actor, Reason: reason}, nil
	})
}

// ResolveDispute settles a dispute for the payee (release) or payer (cancel).
func (s *Service) ResolveDispute(ctx context.Context, id string, actor Actor, outcome Outcome, notes string) (*Payment, error) {
	if !actor.CanReview() {
		return nil, ErrForbidden
	}
	if !outcome.Valid() {
		return nil, ErrInvalidRequest
	}
	return s.act(ctx, id, func(*Payment) (Event, error) {
		return DisputeResolved{Actor: actor, Outcome: outcome, Notes: notes}, nil
	})
}

// AcceptOfflineEvidence moves a reviewed offline payment into escrow.
func (s *Service) AcceptOfflineEvidence(ctx context.Context, id string, actor Actor) (*Payment, error) {
	if !actor.CanReview() {
		return nil, ErrForbidden
	}
	return s.act(ctx, id, func(*Payment) (Event, error) {
		return EvidenceAccepted{Actor: actor}, nil
	})
}

// RejectOfflineEvidence fails an offline payment whose proof did not hold up.
func (s *Service) RejectOfflineEvidence(ctx context.Context, id string, actor Actor, reason string) (*Payment, error) {
	if !actor.CanReview() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.act(ctx, id, func(*Payment) (Event, error) {
		return EvidenceRejected{Actor: actor, Reason: reason}, nil
	})
}

// AdministrativeCancel cancels any non-terminal payment.
func (s *Service) AdministrativeCancel(ctx context.Context, id string, actor Actor, reason string) (*Payment, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.act(ctx, id, func(*Payment) (Event, error) {
		return AdministrativeCancel{Actor: actor, Reason: reason}, nil
	})
}

// OverrideReleaseDate moves the auto-release date of a held payment.
func (s *Service) OverrideReleaseDate(ctx context.Context, id string, actor Actor, releaseAt time.Time, reason string) (*Payment, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if releaseAt.IsZero() {
		return nil, ErrInvalidRequest
	}
	return s.act(ctx, id, func(*Payment) (Event, error) {
		return ReleaseDateOverridden{Actor: actor, ReleaseAt: releaseAt, Reason: reason}, nil
	})
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListTransactions returns a payment's ledger.
func (s *Service) ListTransactions(ctx context.Context, id string) ([]*Entry, error) {
	return s.repo.ListTransactions(ctx, id)
}

// ListDue returns payments eligible for auto-release at the cutoff.
func (s *Service) ListDue(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	return s.repo.ListDueForAutoRelease(ctx, before, limit)
}

// PartyPage is one page of a party's payments.
type PartyPage struct {
	Payments   []*Payment `json:"payments"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// ListByParty returns payments where partyID is payer or payee, newest
// first. cursor is the NextCursor of the previous page, or empty.
func (s *Service) ListByParty(ctx context.Context, partyID, cursor string, limit int) (*PartyPage, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	items, err := s.repo.ListByParty(ctx, partyID, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	if items == nil {
		items = []*Payment{}
	}
	return &PartyPage{Payments: items, NextCursor: next, HasMore: more}, nil
}

// Reconcile checks a payment against its ledger.
func (s *Service) Reconcile(ctx context.Context, id string) (*Reconciliation, error) {
	return s.repo.Reconcile(ctx, id)
}

// act loads the current record, lets build check capability and produce the
// event, then applies it with the loaded status as the expectation.
func (s *Service) act(ctx context.Context, id string, build func(p *Payment) (Event, error)) (*Payment, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := build(current)
	if err != nil {
		return nil, err
	}
	p, _, err := s.repo.ApplyTransition(ctx, id, current.Status, ev)
	return p, err
}
