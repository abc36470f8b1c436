package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-stripe-orderflow/internal/events"
	"github.com/imrishuroy/go-stripe-orderflow/internal/orders"
	"github.com/imrishuroy/go-stripe-orderflow/internal/testutil/dynamotest"
)

const ordersTable = "orders"

func newOrderStore(t *testing.T) (*orders.Store, *dynamotest.Fake) {
	t.Helper()
	mock := dynamotest.New().
		CreateTable(ordersTable, "session_id").
		AddIndex(ordersTable, orders.PaymentIntentIndex, "payment_intent_id", "").
		AddIndex(ordersTable, orders.EmailIndex, "email", "created_at")
	return orders.NewStore(mock, ordersTable), mock
}

type stubReceipts struct {
	url   string
	err   error
	block bool
	calls int
}

func (s *stubReceipts) ReceiptURL(ctx context.Context, paymentIntentID string) (string, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.url, s.err
}

type deferCall struct {
	ev      events.ChargeSettled
	attempt int
}

type stubDeferrer struct {
	calls []deferCall
	err   error
}

func (s *stubDeferrer) Defer(ctx context.Context, ev events.ChargeSettled, attempt int) error {
	s.calls = append(s.calls, deferCall{ev: ev, attempt: attempt})
	return s.err
}

type stubRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *stubRecorder) IncrCounter(ctx context.Context, metric string, dims map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[dims["Outcome"]]++
	return nil
}

func session() events.SessionCompleted {
	return events.SessionCompleted{
		ID:              "evt_session",
		SessionID:       "cs_1",
		PaymentIntentID: "pi_1",
		Status:          events.StatusPaid,
		AmountTotal:     5000,
		Currency:        "chf",
		Email:           "a@b.ch",
		City:            "Zurich",
		Slot:            "2026-10-20T09:00",
	}
}

func charge() events.ChargeSettled {
	return events.ChargeSettled{
		ID:              "evt_charge",
		PaymentIntentID: "pi_1",
		ChargeID:        "ch_1",
		ReceiptURL:      "https://r/1",
	}
}

func TestApply_SessionThenCharge(t *testing.T) {
	store, mock := newOrderStore(t)
	rec := &stubRecorder{}
	r := New(store, Options{Metrics: rec})
	ctx := context.Background()

	out, err := r.Apply(ctx, session())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSessionRecorded, out)

	out, err = r.Apply(ctx, charge())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementApplied, out)

	o, err := store.Get(ctx, "cs_1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, "https://r/1", o.ReceiptURL)
	assert.Equal(t, "ch_1", o.ChargeID)
	assert.Equal(t, int64(5000), o.AmountTotal)
	assert.Len(t, mock.Items(ordersTable), 1)

	assert.Equal(t, 1, rec.counts[string(OutcomeSessionRecorded)])
	assert.Equal(t, 1, rec.counts[string(OutcomeSettlementApplied)])
}

func TestApply_ChargeBeforeSessionThenRedelivery(t *testing.T) {
	store, mock := newOrderStore(t)
	r := New(store, Options{})
	ctx := context.Background()

	out, err := r.Apply(ctx, charge())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementPending, out)
	assert.Empty(t, mock.Items(ordersTable), "pending settlement must not create an order")

	out, err = r.Apply(ctx, session())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSessionRecorded, out)

	o, _ := store.Get(ctx, "cs_1")
	assert.Empty(t, o.ReceiptURL)

	// provider redelivers the charge
	out, err = r.Apply(ctx, charge())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementApplied, out)

	o, _ = store.Get(ctx, "cs_1")
	assert.Equal(t, "https://r/1", o.ReceiptURL)
	assert.Equal(t, orders.StatusPaid, o.Status)
}

func TestApply_Idempotent(t *testing.T) {
	store, mock := newOrderStore(t)
	r := New(store, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Apply(ctx, session())
		require.NoError(t, err)
		_, err = r.Apply(ctx, charge())
		require.NoError(t, err)
	}

	items := mock.Items(ordersTable)
	require.Len(t, items, 1)
	o, _ := store.Get(ctx, "cs_1")
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, "https://r/1", o.ReceiptURL)
}

func TestApply_SessionRedeliveryKeepsReceipt(t *testing.T) {
	store, _ := newOrderStore(t)
	r := New(store, Options{})
	ctx := context.Background()

	_, err := r.Apply(ctx, session())
	require.NoError(t, err)
	_, err = r.Apply(ctx, charge())
	require.NoError(t, err)
	_, err = r.Apply(ctx, session())
	require.NoError(t, err)

	o, _ := store.Get(ctx, "cs_1")
	assert.Equal(t, "https://r/1", o.ReceiptURL)
}

func TestApply_Ignored(t *testing.T) {
	store, mock := newOrderStore(t)
	r := New(store, Options{})

	out, err := r.Apply(context.Background(), events.Ignored{ID: "evt_x", Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	out, err = r.Apply(context.Background(), events.Ignored{ID: "evt_y", Type: events.TypeChargeSucceeded, Reason: "missing_payment_intent"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	assert.Zero(t, mock.Calls("UpdateItem"))
	assert.Zero(t, mock.Calls("Query"))
}

func TestApply_ReceiptLookup(t *testing.T) {
	tests := []struct {
		name    string
		lookup  *stubReceipts
		ev      func() events.SessionCompleted
		want    string
		wantHit int
	}{
		{
			name:    "found",
			lookup:  &stubReceipts{url: "https://r/lookup"},
			ev:      session,
			want:    "https://r/lookup",
			wantHit: 1,
		},
		{
			name:    "lookup error proceeds without receipt",
			lookup:  &stubReceipts{err: errors.New("boom")},
			ev:      session,
			want:    "",
			wantHit: 1,
		},
		{
			name:    "timeout proceeds without receipt",
			lookup:  &stubReceipts{block: true},
			ev:      session,
			want:    "",
			wantHit: 1,
		},
		{
			name:   "event receipt wins, no lookup",
			lookup: &stubReceipts{url: "https://r/lookup"},
			ev: func() events.SessionCompleted {
				ev := session()
				ev.ReceiptURL = "https://r/event"
				return ev
			},
			want:    "https://r/event",
			wantHit: 0,
		},
		{
			name:   "unpaid session skips lookup",
			lookup: &stubReceipts{url: "https://r/lookup"},
			ev: func() events.SessionCompleted {
				ev := session()
				ev.Status = events.StatusPending
				return ev
			},
			want:    "",
			wantHit: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newOrderStore(t)
			r := New(store, Options{Receipts: tt.lookup, ReceiptTimeout: 20 * time.Millisecond})

			out, err := r.Apply(context.Background(), tt.ev())
			require.NoError(t, err)
			assert.Equal(t, OutcomeSessionRecorded, out)
			assert.Equal(t, tt.wantHit, tt.lookup.calls)

			o, _ := store.Get(context.Background(), "cs_1")
			require.NotNil(t, o)
			assert.Equal(t, tt.want, o.ReceiptURL)
		})
	}
}

func TestSettle_Deferral(t *testing.T) {
	store, _ := newOrderStore(t)
	d := &stubDeferrer{}
	r := New(store, Options{Deferrer: d, MaxAttempts: 3})
	ctx := context.Background()

	out, err := r.Apply(ctx, charge())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementPending, out)
	require.Len(t, d.calls, 1)
	assert.Equal(t, 1, d.calls[0].attempt)
	assert.Equal(t, charge(), d.calls[0].ev)

	out, err = r.Settle(ctx, charge(), 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementPending, out)
	require.Len(t, d.calls, 2)
	assert.Equal(t, 3, d.calls[1].attempt)

	out, err = r.Settle(ctx, charge(), 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementExpired, out)
	assert.Len(t, d.calls, 2, "no deferral past the window")
}

func TestSettle_DeferredRetryApplies(t *testing.T) {
	store, _ := newOrderStore(t)
	d := &stubDeferrer{}
	r := New(store, Options{Deferrer: d, MaxAttempts: 3})
	ctx := context.Background()

	_, err := r.Apply(ctx, charge())
	require.NoError(t, err)
	_, err = r.Apply(ctx, session())
	require.NoError(t, err)

	out, err := r.Settle(ctx, d.calls[0].ev, d.calls[0].attempt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementApplied, out)

	o, _ := store.Get(ctx, "cs_1")
	assert.Equal(t, "https://r/1", o.ReceiptURL)
}

func TestSettle_DeferFailureStillPending(t *testing.T) {
	store, _ := newOrderStore(t)
	d := &stubDeferrer{err: errors.New("queue down")}
	r := New(store, Options{Deferrer: d, MaxAttempts: 3})

	out, err := r.Apply(context.Background(), charge())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementPending, out)
}

func TestApply_StoreErrors(t *testing.T) {
	boom := errors.New("dynamo unavailable")

	t.Run("session", func(t *testing.T) {
		store, mock := newOrderStore(t)
		mock.FailNext("UpdateItem", boom)
		r := New(store, Options{})

		_, err := r.Apply(context.Background(), session())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStore)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("settlement", func(t *testing.T) {
		store, mock := newOrderStore(t)
		mock.FailNext("Query", boom)
		r := New(store, Options{})

		_, err := r.Apply(context.Background(), charge())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStore)
		assert.False(t, errors.Is(err, orders.ErrNotFound))
	})
}

func TestOutcome_Applied(t *testing.T) {
	assert.True(t, OutcomeSessionRecorded.Applied())
	assert.True(t, OutcomeSettlementApplied.Applied())
	assert.True(t, OutcomeIgnored.Applied())
	assert.False(t, OutcomeSettlementPending.Applied())
	assert.False(t, OutcomeSettlementExpired.Applied())
}
