package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/procurepay/internal/auth"
	"github.com/mbd888/procurepay/internal/escrow"
	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/money"
)

func event(kind escrow.EventKind, id, payer, payee string) *Event {
	return &Event{
		Type:      kind,
		PaymentID: id,
		Payment:   &escrow.Payment{ID: id, PayerID: payer, PayeeID: payee},
	}
}

func TestSubscription_Matches(t *testing.T) {
	ev := event(escrow.EventDisputeOpened, "pay_1", "buyer-1", "supplier-1")

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"payment id", Subscription{PaymentIDs: []string{"pay_1"}}, true},
		{"other payment", Subscription{PaymentIDs: []string{"pay_2"}}, false},
		{"payer party", Subscription{PartyIDs: []string{"buyer-1"}}, true},
		{"payee party", Subscription{PartyIDs: []string{"supplier-1"}}, true},
		{"unrelated party", Subscription{PartyIDs: []string{"buyer-9"}}, false},
		{"event type", Subscription{EventTypes: []escrow.EventKind{escrow.EventDisputeOpened}}, true},
		{"other event type", Subscription{EventTypes: []escrow.EventKind{escrow.EventDeliveryConfirmed}}, false},
		{"all filters", Subscription{
			PaymentIDs: []string{"pay_1"},
			PartyIDs:   []string{"supplier-1"},
			EventTypes: []escrow.EventKind{escrow.EventDisputeOpened},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(ev))
		})
	}
}

func TestClient_PinnedParty(t *testing.T) {
	c := &Client{party: "buyer-1"}
	c.setSubscription(Subscription{PartyIDs: []string{"buyer-2"}, PaymentIDs: []string{"pay_1"}})

	sub := c.subscription()
	assert.Equal(t, []string{"buyer-1"}, sub.PartyIDs)
	assert.Equal(t, []string{"pay_1"}, sub.PaymentIDs)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
}

type feed struct {
	hub    *Hub
	srv    *httptest.Server
	cancel context.CancelFunc
}

func newFeed(t *testing.T) *feed {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.Use(auth.Middleware(""))
	r.GET("/v1/stream", hub.HandleStream)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &feed{hub: hub, srv: srv, cancel: cancel}
}

func (f *feed) dial(t *testing.T, query string, actor *escrow.Actor) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/stream" + query
	header := http.Header{}
	if actor != nil {
		header.Set(auth.HeaderActorID, actor.ID)
		header.Set(auth.HeaderActorRole, string(actor.Role))
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *feed) waitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.hub.Stats()["connectedClients"].(int) == n
	}, time.Second, 5*time.Millisecond)
}

func read(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return &ev
}

func TestHub_StreamsTransitions(t *testing.T) {
	f := newFeed(t)
	ops := f.dial(t, "", &escrow.Actor{ID: "ops-1", Role: escrow.RoleAdmin})
	f.waitClients(t, 1)

	repo := escrow.NewRepository(escrow.NewMemoryStore(), escrow.NewMachine(escrow.DefaultHoldingPeriod)).
		WithObserver(f.hub).
		WithLogger(logging.Discard())
	svc := escrow.NewService(repo)
	p, err := svc.OnCaptureConfirmed(context.Background(), escrow.CaptureRequest{
		ReferenceID: "quote-live", Amount: money.MustParse("19.99"), PayerID: "buyer-1", PayeeID: "supplier-1",
	})
	require.NoError(t, err)

	ev := read(t, ops)
	assert.Equal(t, escrow.EventCaptureConfirmed, ev.Type)
	assert.Equal(t, p.ID, ev.PaymentID)
	assert.Equal(t, escrow.StatusNone, ev.From)
	assert.Equal(t, escrow.StatusInEscrow, ev.To)
	assert.Len(t, ev.Entries, 3)
}

func TestHub_FiltersPerClient(t *testing.T) {
	f := newFeed(t)
	buyer := f.dial(t, "?partyId=supplier-9", &escrow.Actor{ID: "buyer-1", Role: escrow.RolePayer})
	disputes := f.dial(t, "?eventType=dispute_opened", &escrow.Actor{ID: "ops-1", Role: escrow.RoleReviewer})
	f.waitClients(t, 2)

	// Neither client wants this one.
	f.hub.Broadcast(event(escrow.EventDeliveryConfirmed, "pay_other", "buyer-2", "supplier-2"))
	// Both want this one; the buyer is pinned to itself despite asking for supplier-9.
	f.hub.Broadcast(event(escrow.EventDisputeOpened, "pay_1", "buyer-1", "supplier-1"))

	assert.Equal(t, "pay_1", read(t, buyer).PaymentID)
	assert.Equal(t, "pay_1", read(t, disputes).PaymentID)
}

func TestHub_SubscriptionUpdate(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "", nil)
	f.waitClients(t, 1)

	require.NoError(t, conn.WriteJSON(Subscription{PaymentIDs: []string{"pay_2"}}))
	// Give readPump a moment to apply the update.
	require.Eventually(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		for c := range f.hub.clients {
			if len(c.subscription().PaymentIDs) == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	f.hub.Broadcast(event(escrow.EventDelayReported, "pay_1", "b", "s"))
	f.hub.Broadcast(event(escrow.EventDelayReported, "pay_2", "b", "s"))
	assert.Equal(t, "pay_2", read(t, conn).PaymentID)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	f := newFeed(t)
	conn := f.dial(t, "", nil)
	f.waitClients(t, 1)

	require.NoError(t, conn.Close())
	f.waitClients(t, 0)
	assert.EqualValues(t, 1, f.hub.Stats()["totalClients"])
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	f := newFeed(t)
	f.cancel()
	<-f.hub.done

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	h := NewHub(logging.Discard()) // Run not started: channel fills up
	for i := 0; i < 300; i++ {
		h.Broadcast(event(escrow.EventDelayReported, "pay_1", "b", "s"))
	}
	assert.EqualValues(t, 300-256, h.Stats()["droppedEvents"])
}
