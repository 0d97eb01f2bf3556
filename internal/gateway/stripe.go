// Package gateway binds payment-processor notifications to escrow capture.
//
// The generic capture endpoint lives on the escrow handler. This package
// adds processor-specific adapters: today a Stripe webhook that turns a
// succeeded PaymentIntent into escrow.Service.OnCaptureConfirmed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/procurepay/internal/escrow"
	"github.com/mbd888/procurepay/internal/metrics"
	"github.com/mbd888/procurepay/internal/money"
	"github.com/mbd888/procurepay/internal/validation"
)

// Metadata keys the checkout flow sets on the PaymentIntent.
const (
	MetaReferenceID = "reference_id"
	MetaPayerID     = "payer_id"
	MetaPayeeID     = "payee_id"
)

var (
	ErrMissingMetadata  = errors.New("payment intent is missing escrow metadata")
	ErrCurrencyMismatch = errors.New("payment intent currency is not supported")
)

// Capturer opens escrows for captured funds.
type Capturer interface {
	OnCaptureConfirmed(ctx context.Context, req escrow.CaptureRequest) (*escrow.Payment, error)
}

// StripeHandler receives Stripe webhook deliveries.
type StripeHandler struct {
	capturer Capturer
	secret   string
	currency stripe.Currency
	logger   *slog.Logger
}

// NewStripeHandler creates a Stripe webhook handler. Only intents in
// currency are accepted.
func NewStripeHandler(capturer Capturer, secret string, currency stripe.Currency, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{capturer: capturer, secret: secret, currency: currency, logger: logger}
}

// RegisterRoutes mounts POST /gateway/stripe. Stripe authenticates with its
// own signature header, so the group needs no other guard.
func (h *StripeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/stripe", h.Webhook)
}

// Webhook handles POST /v1/gateway/stripe. Anything other than a 2xx makes
// Stripe redeliver, so events that can never succeed are acknowledged.
func (h *StripeHandler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read body",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("stripe signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	log := h.logger.With("stripeEvent", event.ID, "type", event.Type)

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "malformed").Inc()
		log.Error("payment intent not decodable", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": "malformed payment intent"})
		return
	}

	req, err := h.captureRequest(&intent)
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		log.Error("payment intent not capturable", "intent", intent.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	p, err := h.capturer.OnCaptureConfirmed(c.Request.Context(), req)
	switch {
	case errors.Is(err, escrow.ErrDuplicateReference), errors.Is(err, escrow.ErrDuplicateCapture):
		// Redelivery of an intent we already hold or have already settled.
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		log.Info("payment intent already captured", "intent", intent.ID, "referenceId", req.ReferenceID)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrSameParty),
		errors.Is(err, escrow.ErrInvalidRequest):
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		log.Error("payment intent rejected by escrow", "intent", intent.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": err.Error()})
	case err != nil:
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		log.Error("escrow capture failed", "intent", intent.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "capture_failed",
			"message": "Failed to open escrow",
		})
	default:
		metrics.GatewayEventsTotal.WithLabelValues(string(event.Type), "captured").Inc()
		log.Info("escrow opened from stripe", "intent", intent.ID, "paymentId", p.ID)
		c.JSON(http.StatusOK, gin.H{"status": "captured", "paymentId": p.ID})
	}
}

func (h *StripeHandler) captureRequest(intent *stripe.PaymentIntent) (escrow.CaptureRequest, error) {
	if h.currency != "" && !strings.EqualFold(string(intent.Currency), string(h.currency)) {
		return escrow.CaptureRequest{}, ErrCurrencyMismatch
	}
	if !money.SupportsCurrency(string(intent.Currency)) {
		return escrow.CaptureRequest{}, ErrCurrencyMismatch
	}
	ref := strings.TrimSpace(intent.Metadata[MetaReferenceID])
	payer := strings.TrimSpace(intent.Metadata[MetaPayerID])
	payee := strings.TrimSpace(intent.Metadata[MetaPayeeID])
	if ref == "" || payer == "" || payee == "" {
		return escrow.CaptureRequest{}, ErrMissingMetadata
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	return escrow.CaptureRequest{
		ReferenceID: ref,
		PayerID:     payer,
		PayeeID:     payee,
		Amount:      money.FromMinor(amount),
		GatewayRef:  intent.ID,
	}, nil
}
