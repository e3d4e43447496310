package order

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2025, 6, 15, 12, 3, 0, 0, time.UTC)

func TestIdempotencyKey(t *testing.T) {
	window := 10 * time.Minute
	base := IdempotencyKey("Jane@Example.com", []string{"B", "A"}, fixedTime, window)

	assert.Len(t, base, 64)
	assert.Equal(t, base, IdempotencyKey(" jane@example.com", []string{"A", "B", "A"}, fixedTime.Add(5*time.Minute), window),
		"same identity, product set and bucket")
	assert.NotEqual(t, base, IdempotencyKey("jane@example.com", []string{"A"}, fixedTime, window),
		"different product set")
	assert.NotEqual(t, base, IdempotencyKey("john@example.com", []string{"A", "B"}, fixedTime, window),
		"different identity")
	assert.NotEqual(t, base, IdempotencyKey("jane@example.com", []string{"A", "B"}, fixedTime.Add(window), window),
		"next bucket")
}

func TestNewNumbers(t *testing.T) {
	number, invoice := NewNumbers(fixedTime)

	require.True(t, strings.HasPrefix(number, "PO"))
	require.True(t, strings.HasPrefix(invoice, "INV"))
	assert.Equal(t, strings.TrimPrefix(number, "PO"), strings.TrimPrefix(invoice, "INV"))
	assert.Len(t, number, 2+13+3)
}

func TestNewTotals(t *testing.T) {
	tests := []struct {
		name                      string
		subtotal, discount, deliv string
		wantDiscount, wantTotal   string
	}{
		{name: "plain", subtotal: "200", discount: "0", deliv: "150", wantDiscount: "0", wantTotal: "350"},
		{name: "with discount", subtotal: "200", discount: "20", deliv: "150", wantDiscount: "20", wantTotal: "330"},
		{name: "discount capped", subtotal: "200", discount: "500", deliv: "0", wantDiscount: "200", wantTotal: "0"},
		{name: "rounded", subtotal: "99.999", discount: "0.005", deliv: "0", wantDiscount: "0.01", wantTotal: "99.99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals := NewTotals(d(tt.subtotal), d(tt.discount), d(tt.deliv))
			assert.True(t, d(tt.wantDiscount).Equal(totals.Discount), "discount %s", totals.Discount)
			assert.True(t, d(tt.wantTotal).Equal(totals.Total), "total %s", totals.Total)

			var o Order
			o.SetTotals(totals)
			assert.True(t, o.Balanced())
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusDraft.CanTransition(StatusPendingPayment))
	assert.False(t, StatusDraft.CanTransition(StatusShipped))
	assert.True(t, StatusPendingPayment.CanTransition(StatusProcessing))
	assert.True(t, StatusShipped.CanTransition(StatusCancelled))
	assert.False(t, StatusDelivered.CanTransition(StatusCancelled))
	assert.False(t, StatusPendingPayment.CanTransition(StatusShipped))
	assert.False(t, Status("lost").Valid())

	assert.True(t, PaymentPending.CanTransition(PaymentPaid))
	assert.True(t, PaymentPaid.CanTransition(PaymentRefunded))
	assert.False(t, PaymentFailed.CanTransition(PaymentPaid))
}

func TestGuard_Lookup(t *testing.T) {
	repo := newOrderRepo()
	g := NewGuard(repo)
	w := NewWriter(repo, &mockCatalog{}, g, WriterOptions{})

	o := newDraft("key")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	found, err := g.Lookup(context.Background(), "key")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, o.OrderNumber, found.OrderNumber)

	missing, err := g.Lookup(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, 1, repo.probeCalls, "capability is probed once")
}

func TestGuard_CapabilityFailureIsCachedBriefly(t *testing.T) {
	repo := newOrderRepo()
	repo.probeErr = errors.New("timeout")
	g := NewGuard(repo)
	now := fixedTime
	g.now = func() time.Time { return now }

	assert.False(t, g.Enabled(context.Background()))
	repo.probeErr = nil
	assert.False(t, g.Enabled(context.Background()), "failure is remembered until the retry delay passes")
	assert.Equal(t, 1, repo.probeCalls)

	now = now.Add(probeRetryDelay)
	assert.True(t, g.Enabled(context.Background()))
	assert.True(t, g.Enabled(context.Background()))
	assert.Equal(t, 2, repo.probeCalls)
}

func TestGuard_ConcurrentCallersShareCapabilityCheck(t *testing.T) {
	repo := newOrderRepo()
	repo.probing = make(chan struct{}, 1)
	repo.probeGate = make(chan struct{})
	g := NewGuard(repo)

	const callers = 8
	results := make(chan bool, callers)
	go func() { results <- g.Enabled(context.Background()) }()
	<-repo.probing

	for i := 1; i < callers; i++ {
		go func() { results <- g.Enabled(context.Background()) }()
	}
	// Give the followers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(repo.probeGate)

	for i := 0; i < callers; i++ {
		assert.True(t, <-results)
	}
	assert.Equal(t, 1, repo.probeCalls)
}

func TestGuard_Settle(t *testing.T) {
	ctx := context.Background()

	t.Run("Committed", func(t *testing.T) {
		repo := newOrderRepo()
		g := NewGuard(repo)
		o := newDraft("key")
		o.Status = StatusPendingPayment

		got, err := g.Settle(ctx, o, time.Second)
		require.NoError(t, err)
		assert.Same(t, o, got)
	})
	t.Run("DraftCommits", func(t *testing.T) {
		repo := newOrderRepo()
		g := NewGuard(repo)
		w := NewWriter(repo, &mockCatalog{}, g, WriterOptions{})
		o := newDraft("key")
		_, err := w.CreateDraft(ctx, o)
		require.NoError(t, err)

		seen, err := g.Lookup(ctx, "key")
		require.NoError(t, err)
		require.False(t, seen.Committed())

		go func() {
			time.Sleep(20 * time.Millisecond)
			o.SetTotals(NewTotals(d("300"), d("0"), d("150")))
			assert.NoError(t, w.Finalize(ctx, o))
		}()

		got, err := g.Settle(ctx, seen, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Committed())
		assert.True(t, d("450").Equal(got.TotalAmount), "finalized totals, not the draft's")
	})
	t.Run("DraftDiscarded", func(t *testing.T) {
		repo := newOrderRepo()
		g := NewGuard(repo)
		w := NewWriter(repo, &mockCatalog{}, g, WriterOptions{})
		o := newDraft("key")
		_, err := w.CreateDraft(ctx, o)
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			assert.NoError(t, w.Discard(ctx, o))
		}()

		got, err := g.Settle(ctx, o, 2*time.Second)
		require.NoError(t, err)
		assert.Nil(t, got, "key is free again")
	})
	t.Run("StillDraft", func(t *testing.T) {
		repo := newOrderRepo()
		g := NewGuard(repo)
		w := NewWriter(repo, &mockCatalog{}, g, WriterOptions{})
		o := newDraft("key")
		_, err := w.CreateDraft(ctx, o)
		require.NoError(t, err)

		got, err := g.Settle(ctx, o, 30*time.Millisecond)
		require.ErrorIs(t, err, ErrInProgress)
		assert.Nil(t, got)
	})
}
