package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// IdempotencyKey derives the deduplication key of a submission from the
// acting identity, the set of products in the cart and the time bucket that
// at falls into. Quantities and ordering do not affect the key.
func IdempotencyKey(identity string, productIDs []string, at time.Time, window time.Duration) string {
	ids := slices.Clone(productIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	bucket := at.Truncate(window).Unix()

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(identity))))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(ids, ",")))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// NewNumbers returns the display order number and invoice number for an
// order placed at t. Both share the same suffix.
func NewNumbers(t time.Time) (orderNumber, invoiceNumber string) {
	suffix := fmt.Sprintf("%d%03d", t.UnixMilli(), rand.IntN(1000))
	return "PO" + suffix, "INV" + suffix
}

// probeRetryDelay is how long a failed capability probe is remembered
// before the store is asked again.
const probeRetryDelay = 5 * time.Second

// Guard deduplicates submissions by idempotency key. Whether the store can
// hold keys is probed once and cached. Concurrent callers share one probe
// and a failed probe is retried after probeRetryDelay.
type Guard struct {
	orders Repository
	probe  singleflight.Group
	now    func() time.Time

	mu        sync.Mutex
	probed    bool
	supported bool
	retryAt   time.Time
}

// NewGuard creates a Guard over the order store.
func NewGuard(orders Repository) *Guard {
	return &Guard{orders: orders, now: time.Now}
}

// Enabled reports whether idempotency keys are stored.
func (g *Guard) Enabled(ctx context.Context) bool {
	g.mu.Lock()
	probed, supported, retryAt := g.probed, g.supported, g.retryAt
	g.mu.Unlock()

	if probed {
		return supported
	}
	if g.now().Before(retryAt) {
		return false
	}

	v, err, _ := g.probe.Do("probe", func() (any, error) {
		ok, err := g.orders.SupportsIdempotencyKey(context.WithoutCancel(ctx))

		g.mu.Lock()
		defer g.mu.Unlock()
		if err != nil {
			g.retryAt = g.now().Add(probeRetryDelay)
			return false, err
		}
		if !g.probed {
			g.probed, g.supported = true, ok
		}
		if !g.supported {
			zctx.From(ctx).Warn("Order store has no idempotency key column, deduplication disabled")
		}
		return g.supported, nil
	})
	if err != nil {
		zctx.From(ctx).Warn("Idempotency capability probe failed", zap.Error(err))
		return false
	}
	return v.(bool)
}

// disable records that the store rejected the key column at write time.
func (g *Guard) disable() {
	g.mu.Lock()
	g.probed, g.supported = true, false
	g.mu.Unlock()
}

// Lookup returns the order already created for key, or nil. The order may
// still be a draft; see Settle.
func (g *Guard) Lookup(ctx context.Context, key string) (*Order, error) {
	if key == "" || !g.Enabled(ctx) {
		return nil, nil
	}
	o, err := g.orders.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "lookup idempotency key")
	}
	return o, nil
}

// Settle waits for the order holding key to leave the draft state. It
// returns the committed order, or nil when the draft was discarded and the
// key is free again. When wait elapses first it returns ErrInProgress.
func (g *Guard) Settle(ctx context.Context, o *Order, wait time.Duration) (*Order, error) {
	if o.Committed() {
		return o, nil
	}

	every := min(100*time.Millisecond, max(wait/10, time.Millisecond))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrInProgress
		case <-ticker.C:
		}

		current, err := g.orders.FindByIdempotencyKey(ctx, o.IdempotencyKey)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, nil
		case err != nil:
			return nil, errors.Wrap(err, "poll idempotency key")
		case current.Committed():
			return current, nil
		}
	}
}
