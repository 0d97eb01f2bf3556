// Package webhooks notifies external systems about escrow lifecycle changes.
//
// Subscribers register a URL and the event types they care about, optionally
// scoped to one party. Every delivery is a signed JSON POST; failures are
// retried with backoff and a per-host circuit breaker stops hammering an
// endpoint that is down.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/procurepay/internal/circuitbreaker"
	"github.com/mbd888/procurepay/internal/metrics"
	"github.com/mbd888/procurepay/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventPaymentCreated             EventType = "payment.created"
	EventPaymentHeld                EventType = "payment.held"
	EventManualReviewRequired       EventType = "payment.manual_review_required"
	EventPaymentDelayReported       EventType = "payment.delay_reported"
	EventPaymentDisputed            EventType = "payment.disputed"
	EventPaymentReleased            EventType = "payment.released"
	EventPaymentCancelled           EventType = "payment.cancelled"
	EventPaymentFailed              EventType = "payment.failed"
	EventPaymentReleaseDateOverride EventType = "payment.release_date_overridden"
)

// AllEvents lists every event type a subscription may select.
var AllEvents = []EventType{
	EventPaymentCreated,
	EventPaymentHeld,
	EventManualReviewRequired,
	EventPaymentDelayReported,
	EventPaymentDisputed,
	EventPaymentReleased,
	EventPaymentCancelled,
	EventPaymentFailed,
	EventPaymentReleaseDateOverride,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return slices.Contains(AllEvents, t) }

// Delivery headers.
const (
	HeaderEvent     = "X-Procurepay-Event"
	HeaderDelivery  = "X-Procurepay-Delivery"
	HeaderTimestamp = "X-Procurepay-Timestamp"
	HeaderSignature = "X-Procurepay-Signature"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`

	// Parties receiving party-scoped deliveries (payer and payee).
	Parties []string `json:"-"`
}

// Subscription represents a webhook subscription. An empty PartyID
// receives events for every payment.
type Subscription struct {
	ID               string      `json:"id"`
	PartyID          string      `json:"partyId,omitempty"`
	URL              string      `json:"url"`
	Secret           string      `json:"-"` // Used for HMAC signing
	Events           []EventType `json:"events"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"createdAt"`
	LastSuccess      *time.Time  `json:"lastSuccess,omitempty"`
	LastError        string      `json:"lastError,omitempty"`
	ConsecutiveFails int         `json:"consecutiveFails"`
}

// Wants reports whether the subscription should receive event.
func (s *Subscription) Wants(event *Event) bool {
	if !s.Active || !slices.Contains(s.Events, event.Type) {
		return false
	}
	return s.PartyID == "" || slices.Contains(event.Parties, s.PartyID)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListForEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	RecordResult(ctx context.Context, id string, at time.Time, deliveryErr string, disableAfter int) error
	Delete(ctx context.Context, id string) error
}

// DisableAfter is the number of consecutive failed deliveries after which a
// subscription is deactivated.
const DisableAfter = 50

// Dispatcher sends webhook events
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	breaker := circuitbreaker.New(5, time.Minute).OnTransition(func(key string, from, to circuitbreaker.State) {
		metrics.WebhookBreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
		logger.Warn("webhook endpoint breaker changed", "host", key, "from", from.String(), "to", to.String())
	})
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		policy:  retry.DefaultPolicy,
		logger:  logger,
		now:     time.Now,
	}
}

// WithRetryPolicy replaces the delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithHTTPClient replaces the delivery HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// Dispatch sends event to every matching subscriber. Deliveries run in the
// background; Dispatch only fails when subscribers cannot be loaded.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListForEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	host := hostOf(sub.URL)
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		err := d.breaker.Execute(host, func() error {
			return d.post(ctx, sub, event, payload)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	result := "success"
	msg := ""
	if err != nil {
		result = "failed"
		msg = err.Error()
		if errors.Is(err, circuitbreaker.ErrOpen) {
			result = "circuit_open"
		}
		d.logger.Warn("webhook delivery failed",
			"webhook", sub.ID, "event", event.Type, "host", host, "error", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()

	if err := d.store.RecordResult(ctx, sub.ID, d.now(), msg, DisableAfter); err != nil {
		d.logger.Warn("webhook result not recorded", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}

	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the signature header value for payload sent at ts:
// "sha256=" + hex(HMAC-SHA256(secret, ts + "." + payload)).
func Sign(secret, ts string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, ts string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(signature))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *Subscription) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListForEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && slices.Contains(sub.Events, eventType) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, id string, at time.Time, deliveryErr string, disableAfter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == "" {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFails = 0
		return nil
	}
	sub.LastError = deliveryErr
	sub.ConsecutiveFails++
	if disableAfter > 0 && sub.ConsecutiveFails >= disableAfter {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
