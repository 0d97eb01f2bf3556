package escrow

import (
	"context"

	"github.com/mbd888/procurepay/internal/metrics"
)

// MetricsObserver derives Prometheus counters from the transition stream.
type MetricsObserver struct{}

var _ TransitionObserver = MetricsObserver{}

func (MetricsObserver) OnTransition(_ context.Context, t Transition) {
	metrics.EscrowTransitionsTotal.WithLabelValues(statusLabel(t.From), string(t.To), string(t.Event)).Inc()

	if t.From == StatusNone && t.Payment != nil {
		metrics.EscrowCreatedTotal.WithLabelValues(string(t.Payment.Channel)).Inc()
	}
	for _, e := range t.Entries {
		if e.Type == EntryFundsReleased {
			metrics.EscrowReleasedTotal.WithLabelValues(e.Metadata[MetaTrigger]).Inc()
			if e.Amount != nil {
				metrics.EscrowReleasedMinorUnits.Add(float64(e.Amount.Minor()))
			}
		}
	}
	if t.To.IsTerminal() && t.Payment != nil {
		metrics.EscrowDuration.WithLabelValues(string(t.To)).Observe(t.At.Sub(t.Payment.CreatedAt).Seconds())
	}
}
