package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/procurepay/internal/escrow"
	"github.com/mbd888/procurepay/internal/idgen"
	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/money"
	"github.com/mbd888/procurepay/internal/retry"
	"github.com/mbd888/procurepay/internal/security"
)

type received struct {
	event     Event
	body      []byte
	header    http.Header
	signature string
}

// sink is a webhook receiver that fails the first failFirst requests.
type sink struct {
	srv       *httptest.Server
	mu        sync.Mutex
	got       []received
	calls     atomic.Int32
	failFirst int32
	status    int
}

func newSink(t *testing.T, failFirst int32, status int) *sink {
	t.Helper()
	s := &sink{failFirst: failFirst, status: status}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		if n <= s.failFirst {
			w.WriteHeader(s.status)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		s.mu.Lock()
		s.got = append(s.got, received{event: ev, body: body, header: r.Header.Clone(), signature: r.Header.Get(HeaderSignature)})
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) events() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]received, len(s.got))
	copy(out, s.got)
	return out
}

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func subscribe(t *testing.T, store Store, url, party string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.WebhookPrefix),
		PartyID:   party,
		URL:       url,
		Secret:    "topsecret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := Sign("s3cret", "1767000000", payload)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify("s3cret", "1767000000", payload, sig))
	assert.False(t, Verify("s3cret", "1767000001", payload, sig), "timestamp is signed")
	assert.False(t, Verify("other", "1767000000", payload, sig))
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	store := NewMemoryStore()
	s := newSink(t, 0, 0)
	sub := subscribe(t, store, s.srv.URL, "", EventPaymentReleased)
	d := NewDispatcher(store, logging.Discard()).WithRetryPolicy(fastRetry)

	event := &Event{
		ID:        "evt_1",
		Type:      EventPaymentReleased,
		Timestamp: time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
		Data:      map[string]any{"paymentId": "pay_1"},
	}
	require.NoError(t, d.Dispatch(context.Background(), event))
	d.Wait()

	got := s.events()
	require.Len(t, got, 1)
	assert.Equal(t, EventPaymentReleased, got[0].event.Type)
	assert.Equal(t, "payment.released", got[0].header.Get(HeaderEvent))
	assert.Equal(t, "evt_1", got[0].header.Get(HeaderDelivery))
	ts := got[0].header.Get(HeaderTimestamp)
	assert.True(t, Verify(sub.Secret, ts, got[0].body, got[0].signature))

	stored, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSuccess)
	assert.Zero(t, stored.ConsecutiveFails)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	store := NewMemoryStore()
	s := newSink(t, 2, http.StatusServiceUnavailable)
	subscribe(t, store, s.srv.URL, "", EventPaymentHeld)
	d := NewDispatcher(store, logging.Discard()).WithRetryPolicy(fastRetry)

	require.NoError(t, d.Dispatch(context.Background(), &Event{ID: "evt_2", Type: EventPaymentHeld, Timestamp: time.Now()}))
	d.Wait()

	assert.Equal(t, int32(3), s.calls.Load())
	assert.Len(t, s.events(), 1)
}

func TestDispatcher_GoneIsNotRetried(t *testing.T) {
	store := NewMemoryStore()
	s := newSink(t, 100, http.StatusGone)
	sub := subscribe(t, store, s.srv.URL, "", EventPaymentHeld)
	d := NewDispatcher(store, logging.Discard()).WithRetryPolicy(fastRetry)

	require.NoError(t, d.Dispatch(context.Background(), &Event{ID: "evt_3", Type: EventPaymentHeld, Timestamp: time.Now()}))
	d.Wait()

	assert.Equal(t, int32(1), s.calls.Load())
	stored, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConsecutiveFails)
	assert.Contains(t, stored.LastError, "410")
}

func TestDispatcher_PartyScoping(t *testing.T) {
	store := NewMemoryStore()
	mine := newSink(t, 0, 0)
	other := newSink(t, 0, 0)
	all := newSink(t, 0, 0)
	subscribe(t, store, mine.srv.URL, "supplier-1", EventPaymentDisputed)
	subscribe(t, store, other.srv.URL, "supplier-9", EventPaymentDisputed)
	subscribe(t, store, all.srv.URL, "", EventPaymentDisputed)
	d := NewDispatcher(store, logging.Discard()).WithRetryPolicy(fastRetry)

	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "evt_4", Type: EventPaymentDisputed, Timestamp: time.Now(),
		Parties: []string{"buyer-1", "supplier-1"},
	}))
	d.Wait()

	assert.Len(t, mine.events(), 1)
	assert.Empty(t, other.events())
	assert.Len(t, all.events(), 1)
}

func TestMemoryStore_DisablesAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sub := subscribe(t, store, "https://hooks.acme.test/x", "", EventPaymentHeld)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordResult(ctx, sub.ID, time.Now(), "status 500", 3))
	}
	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	subs, err := store.ListForEvent(ctx, EventPaymentHeld)
	require.NoError(t, err)
	assert.Empty(t, subs)

	assert.ErrorIs(t, store.RecordResult(ctx, "wh_missing", time.Now(), "", 3), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_missing"), ErrNotFound)
}

func TestEventTypesFor(t *testing.T) {
	pay := &escrow.Payment{ID: "pay_1"}
	tests := []struct {
		name string
		tr   escrow.Transition
		want []EventType
	}{
		{"online capture", escrow.Transition{From: escrow.StatusNone, To: escrow.StatusInEscrow},
			[]EventType{EventPaymentCreated, EventPaymentHeld}},
		{"offline submission", escrow.Transition{From: escrow.StatusNone, To: escrow.StatusManualReview},
			[]EventType{EventPaymentCreated, EventManualReviewRequired}},
		{"evidence accepted", escrow.Transition{From: escrow.StatusManualReview, To: escrow.StatusInEscrow},
			[]EventType{EventPaymentHeld}},
		{"evidence rejected", escrow.Transition{From: escrow.StatusManualReview, To: escrow.StatusFailed},
			[]EventType{EventPaymentFailed}},
		{"dispute", escrow.Transition{From: escrow.StatusInEscrow, To: escrow.StatusDisputed},
			[]EventType{EventPaymentDisputed}},
		{"release", escrow.Transition{From: escrow.StatusDisputed, To: escrow.StatusReleased},
			[]EventType{EventPaymentReleased}},
		{"cancel", escrow.Transition{From: escrow.StatusDisputed, To: escrow.StatusCancelled},
			[]EventType{EventPaymentCancelled}},
		{"delay", escrow.Transition{From: escrow.StatusInEscrow, To: escrow.StatusInEscrow,
			Entries: []*escrow.Entry{{Type: escrow.EntryDelayReported}}},
			[]EventType{EventPaymentDelayReported}},
		{"override", escrow.Transition{From: escrow.StatusInEscrow, To: escrow.StatusInEscrow,
			Entries: []*escrow.Entry{{Type: escrow.EntryReleaseDateOverridden}}},
			[]EventType{EventPaymentReleaseDateOverride}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tr.Payment = pay
			assert.Equal(t, tt.want, EventTypesFor(tt.tr))
		})
	}
}

func TestEmitter_ObservesEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newSink(t, 0, 0)
	subscribe(t, store, s.srv.URL, "supplier-1", AllEvents...)
	d := NewDispatcher(store, logging.Discard()).WithRetryPolicy(fastRetry)

	repo := escrow.NewRepository(escrow.NewMemoryStore(), escrow.NewMachine(escrow.DefaultHoldingPeriod)).
		WithObserver(NewEmitter(d, logging.Discard())).
		WithLogger(logging.Discard())
	svc := escrow.NewService(repo)

	p, err := svc.OnCaptureConfirmed(ctx, escrow.CaptureRequest{
		ReferenceID: "quote-77", Amount: money.MustParse("2450.00"), PayerID: "buyer-1", PayeeID: "supplier-1",
	})
	require.NoError(t, err)
	_, err = svc.OpenDispute(ctx, p.ID, escrow.Actor{ID: "buyer-1", Role: escrow.RolePayer}, "items not matching order")
	require.NoError(t, err)
	d.Wait()

	var types []EventType
	var disputed received
	for _, r := range s.events() {
		types = append(types, r.event.Type)
		if r.event.Type == EventPaymentDisputed {
			disputed = r
		}
	}
	assert.ElementsMatch(t, []EventType{EventPaymentCreated, EventPaymentHeld, EventPaymentDisputed}, types)
	assert.Equal(t, p.ID, disputed.event.Data["paymentId"])
	assert.Equal(t, "2450.00", disputed.event.Data["amount"])
	assert.Equal(t, "items not matching order", disputed.event.Data["reason"])
	assert.Equal(t, "IN_ESCROW", disputed.event.Data["previousStatus"])
}

func setupHandlerRouter() (*gin.Engine, *MemoryStore) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r, store
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, store := setupHandlerRouter()

	body, _ := json.Marshal(CreateWebhookRequest{
		URL:    "https://erp.acme.test/hooks/escrow",
		Events: []string{"payment.released", "payment.disputed"},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/webhooks", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook struct {
			ID     string   `json:"id"`
			Events []string `json:"events"`
			Secret string   `json:"secret"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Empty(t, created.Webhook.Secret, "secret not echoed inside the subscription")

	stored, err := store.Get(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/webhooks", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/webhooks/"+created.Webhook.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/webhooks/"+created.Webhook.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupHandlerRouter()
	tests := []struct {
		name string
		req  CreateWebhookRequest
	}{
		{"relative url", CreateWebhookRequest{URL: "/hooks", Events: []string{"payment.released"}}},
		{"ftp url", CreateWebhookRequest{URL: "ftp://acme.test/x", Events: []string{"payment.released"}}},
		{"unknown event", CreateWebhookRequest{URL: "https://acme.test/x", Events: []string{"payment.teleported"}}},
		{"no events", CreateWebhookRequest{URL: "https://acme.test/x", Events: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/webhooks", bytes.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandler_URLCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewMemoryStore()).
		WithURLCheck(security.ValidateEndpointURL).
		RegisterRoutes(r.Group("/v1"))

	body, _ := json.Marshal(CreateWebhookRequest{
		URL:    "http://127.0.0.1:9000/hooks",
		Events: []string{"payment.released"},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/webhooks", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}
