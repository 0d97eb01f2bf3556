package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/procurepay/internal/escrow"
	"github.com/mbd888/procurepay/internal/idgen"
)

// Emitter turns committed escrow transitions into webhook events. It is
// registered as an escrow.TransitionObserver; errors are logged, never
// returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// OnTransition implements escrow.TransitionObserver.
func (e *Emitter) OnTransition(ctx context.Context, t escrow.Transition) {
	if e == nil || e.d == nil {
		return
	}
	for _, typ := range EventTypesFor(t) {
		event := &Event{
			ID:        idgen.WithPrefix(idgen.EventPrefix),
			Type:      typ,
			Timestamp: t.At,
			Data:      eventData(t),
			Parties:   []string{t.Payment.PayerID, t.Payment.PayeeID},
		}
		if err := e.d.Dispatch(ctx, event); err != nil {
			e.logger.Warn("webhook emit failed", "event", typ, "paymentId", t.PaymentID, "error", err)
		}
	}
}

// EventTypesFor maps a transition to the webhook events it produces.
// Creation yields payment.created followed by the event for the state the
// payment landed in.
func EventTypesFor(t escrow.Transition) []EventType {
	var out []EventType
	if t.From == escrow.StatusNone {
		out = append(out, EventPaymentCreated)
	}

	if t.From == t.To {
		for _, en := range t.Entries {
			switch en.Type {
			case escrow.EntryDelayReported:
				out = append(out, EventPaymentDelayReported)
			case escrow.EntryReleaseDateOverridden:
				out = append(out, EventPaymentReleaseDateOverride)
			}
		}
		return out
	}

	switch t.To {
	case escrow.StatusInEscrow:
		out = append(out, EventPaymentHeld)
	case escrow.StatusManualReview:
		out = append(out, EventManualReviewRequired)
	case escrow.StatusDisputed:
		out = append(out, EventPaymentDisputed)
	case escrow.StatusReleased:
		out = append(out, EventPaymentReleased)
	case escrow.StatusCancelled:
		out = append(out, EventPaymentCancelled)
	case escrow.StatusFailed:
		out = append(out, EventPaymentFailed)
	}
	return out
}

func eventData(t escrow.Transition) map[string]any {
	p := t.Payment
	data := map[string]any{
		"paymentId":      p.ID,
		"referenceId":    p.ReferenceID,
		"payerId":        p.PayerID,
		"payeeId":        p.PayeeID,
		"amount":         p.Amount.String(),
		"channel":        p.Channel,
		"status":         t.To,
		"previousStatus": t.From,
		"trigger":        t.Event,
	}
	if p.ReleaseAt != nil {
		data["escrowReleaseDate"] = p.ReleaseAt.UTC().Format(time.RFC3339)
	}
	// Reason-bearing metadata from the last entry of the transition.
	if n := len(t.Entries); n > 0 {
		last := t.Entries[n-1]
		data["actorId"] = last.ActorID
		for _, k := range []string{escrow.MetaReason, escrow.MetaReasonCode, escrow.MetaOutcome} {
			if v, ok := last.Metadata[k]; ok {
				data[k] = v
			}
		}
	}
	return data
}

var _ escrow.TransitionObserver = (*Emitter)(nil)
