package order

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oasis-checkout/internal/domain/inventory"
	"github.com/xenking/oasis-checkout/internal/domain/product"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	mu         sync.Mutex
	orders     map[string]*Order
	lines      map[string][]Line
	noKeyCol   bool
	probeErr   error
	probeCalls int
	probing    chan struct{}
	probeGate  chan struct{}
	createErr  error
	updateErr  error
	lineErr    map[string]error
	creates    []bool
}

func newOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{
		orders:  make(map[string]*Order),
		lines:   make(map[string][]Line),
		lineErr: make(map[string]error),
	}
}

func (m *mockOrderRepo) SupportsIdempotencyKey(context.Context) (bool, error) {
	if m.probeGate != nil {
		select {
		case m.probing <- struct{}{}:
		default:
		}
		<-m.probeGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeCalls++
	if m.probeErr != nil {
		return false, m.probeErr
	}
	return !m.noKeyCol, nil
}

func (m *mockOrderRepo) FindByIdempotencyKey(_ context.Context, key string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrderRepo) FindByNumber(_ context.Context, number string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNumber == number {
			cp := *o
			cp.Lines = m.lines[o.ID]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order, withKey bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, withKey)
	if m.createErr != nil {
		return m.createErr
	}
	if withKey && m.noKeyCol {
		return ErrSchemaDrift
	}
	stored := *o
	if withKey {
		for _, existing := range m.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return ErrDuplicateKey
			}
		}
	} else {
		stored.IdempotencyKey = ""
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
		stored.ID = o.ID
	}
	m.orders[o.ID] = &stored
	return nil
}

func (m *mockOrderRepo) AddLine(_ context.Context, l *Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lineErr[l.ProductID]; err != nil {
		return err
	}
	l.ID = int64(len(m.lines[l.OrderID]) + 1)
	m.lines[l.OrderID] = append(m.lines[l.OrderID], *l)
	return nil
}

func (m *mockOrderRepo) UpdateTotals(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Subtotal, stored.DiscountAmount = o.Subtotal, o.DiscountAmount
	stored.DeliveryFee, stored.TotalAmount = o.DeliveryFee, o.TotalAmount
	stored.Status = o.Status
	return nil
}

func (m *mockOrderRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
	delete(m.lines, id)
	return nil
}

type mockCatalog struct {
	mu         sync.Mutex
	stock      map[string]int
	decErr     error
	decrements []string
	restores   []string
}

func (m *mockCatalog) GetByID(context.Context, string) (*product.Product, error) {
	return nil, product.ErrNotFound
}

func (m *mockCatalog) DecrementStock(_ context.Context, id string, qty int, guarded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrements = append(m.decrements, id)
	if m.decErr != nil {
		return m.decErr
	}
	if guarded && m.stock[id] < qty {
		return product.ErrStockConflict
	}
	m.stock[id] -= qty
	return nil
}

func (m *mockCatalog) RestoreStock(_ context.Context, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores = append(m.restores, id)
	m.stock[id] += qty
	return nil
}

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func validLine(id string, price string, qty int) inventory.ValidLine {
	p := product.Product{ID: id, Name: "Perfume " + id, Brand: "dior", Price: d(price), Stock: 10}
	return inventory.ValidLine{
		Line:      inventory.Line{ProductID: id, Name: p.Name, Quantity: qty, UnitPrice: p.Price},
		Product:   p,
		UnitPrice: p.Price,
	}
}

func newDraft(key string) *Order {
	number, invoice := NewNumbers(fixedTime)
	return &Order{
		ID:             uuid.NewString(),
		OrderNumber:    number,
		InvoiceNumber:  invoice,
		IdempotencyKey: key,
		Status:         StatusDraft,
		PaymentStatus:  PaymentPending,
	}
}

// --- Tests ---

func TestCreateDraft_WritesKey(t *testing.T) {
	repo := newOrderRepo()
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	existing, err := w.CreateDraft(context.Background(), newDraft("k1"))
	require.NoError(t, err)
	assert.Nil(t, existing)
	assert.Equal(t, []bool{true}, repo.creates)
}

func TestCreateDraft_DuplicateReturnsExisting(t *testing.T) {
	repo := newOrderRepo()
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	first := newDraft("same")
	_, err := w.CreateDraft(context.Background(), first)
	require.NoError(t, err)

	second := newDraft("same")
	existing, err := w.CreateDraft(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
	assert.Equal(t, first.OrderNumber, existing.OrderNumber)
	assert.Len(t, repo.orders, 1)
}

func TestCreateDraft_SchemaDriftFallsBack(t *testing.T) {
	repo := newOrderRepo()
	guard := NewGuard(repo)
	w := NewWriter(repo, &mockCatalog{}, guard, WriterOptions{})

	// The probe says the column exists, but the write disagrees.
	require.True(t, guard.Enabled(context.Background()))
	repo.noKeyCol = true

	existing, err := w.CreateDraft(context.Background(), newDraft("k1"))
	require.NoError(t, err)
	assert.Nil(t, existing)
	assert.Equal(t, []bool{true, false}, repo.creates)
	assert.False(t, guard.Enabled(context.Background()), "guard disables itself after drift")

	_, err = w.CreateDraft(context.Background(), newDraft("k2"))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, repo.creates)
}

func TestCreateDraft_ProbeSaysUnsupported(t *testing.T) {
	repo := newOrderRepo()
	repo.noKeyCol = true
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	_, err := w.CreateDraft(context.Background(), newDraft("k1"))
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, repo.creates)
}

func TestCreateDraft_StoreFailure(t *testing.T) {
	repo := newOrderRepo()
	repo.createErr = errors.New("connection refused")
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	_, err := w.CreateDraft(context.Background(), newDraft("k1"))
	require.ErrorContains(t, err, "connection refused")
}

func TestCommit_WritesLinesAndDecrementsStock(t *testing.T) {
	repo := newOrderRepo()
	catalog := &mockCatalog{stock: map[string]int{"A": 5, "B": 5}}
	w := NewWriter(repo, catalog, NewGuard(repo), WriterOptions{})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	res := w.Commit(context.Background(), o, []inventory.ValidLine{
		validLine("A", "100", 2),
		validLine("B", "49.99", 3),
	})
	require.Len(t, res.Lines, 2)
	assert.Empty(t, res.Excluded)
	assert.True(t, d("149.97").Equal(res.Lines[1].LineTotal))
	assert.Equal(t, 3, catalog.stock["A"])
	assert.Equal(t, 2, catalog.stock["B"])
	assert.Len(t, repo.lines[o.ID], 2)
}

func TestCommit_StockFailureIsBestEffort(t *testing.T) {
	repo := newOrderRepo()
	catalog := &mockCatalog{stock: map[string]int{}, decErr: errors.New("deadlock detected")}
	w := NewWriter(repo, catalog, NewGuard(repo), WriterOptions{})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	res := w.Commit(context.Background(), o, []inventory.ValidLine{validLine("A", "100", 1)})
	assert.Len(t, res.Lines, 1)
	assert.Empty(t, res.Excluded)
}

func TestCommit_LineFailureExcludesOnlyThatLine(t *testing.T) {
	repo := newOrderRepo()
	repo.lineErr["B"] = errors.New("foreign key violation")
	catalog := &mockCatalog{stock: map[string]int{"A": 5, "B": 5}}
	w := NewWriter(repo, catalog, NewGuard(repo), WriterOptions{})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	res := w.Commit(context.Background(), o, []inventory.ValidLine{
		validLine("A", "100", 1),
		validLine("B", "100", 1),
	})
	require.Len(t, res.Lines, 1)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, "Perfume B", res.Excluded[0].Label())
	assert.Equal(t, 5, catalog.stock["B"], "no decrement for an unwritten line")
}

func TestCommit_StrictStockExcludesConflicts(t *testing.T) {
	repo := newOrderRepo()
	catalog := &mockCatalog{stock: map[string]int{"A": 1, "B": 5}}
	w := NewWriter(repo, catalog, NewGuard(repo), WriterOptions{StrictStock: true})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	res := w.Commit(context.Background(), o, []inventory.ValidLine{
		validLine("A", "100", 2),
		validLine("B", "100", 1),
	})
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "B", res.Lines[0].ProductID)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, "Perfume A (insufficient stock)", res.Excluded[0].Label())
	assert.Equal(t, 1, catalog.stock["A"])
}

func TestCommit_StrictStockRestoresUnwrittenLine(t *testing.T) {
	repo := newOrderRepo()
	repo.lineErr["B"] = errors.New("foreign key violation")
	catalog := &mockCatalog{stock: map[string]int{"A": 5, "B": 5}}
	w := NewWriter(repo, catalog, NewGuard(repo), WriterOptions{StrictStock: true})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	res := w.Commit(context.Background(), o, []inventory.ValidLine{
		validLine("A", "100", 2),
		validLine("B", "100", 3),
	})
	require.Len(t, res.Lines, 1)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, 3, catalog.stock["A"])
	assert.Equal(t, 5, catalog.stock["B"], "stock of the unwritten line is given back")
	assert.Equal(t, []string{"B"}, catalog.restores)
}

func TestCommit_StrictStockNoRestoreWithoutDecrement(t *testing.T) {
	repo := newOrderRepo()
	repo.lineErr["A"] = errors.New("foreign key violation")
	catalog := &mockCatalog{stock: map[string]int{"A": 5}, decErr: errors.New("deadlock detected")}
	w := NewWriter(repo, catalog, NewGuard(repo), WriterOptions{StrictStock: true})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	res := w.Commit(context.Background(), o, []inventory.ValidLine{validLine("A", "100", 2)})
	require.Len(t, res.Excluded, 1)
	assert.Empty(t, catalog.restores)
	assert.Equal(t, 5, catalog.stock["A"])
}

func TestFinalize_CommitsDraft(t *testing.T) {
	repo := newOrderRepo()
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, repo.orders[o.ID].Committed())

	o.SetTotals(NewTotals(d("100"), d("10"), d("150")))
	require.NoError(t, w.Finalize(context.Background(), o))
	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.Equal(t, StatusPendingPayment, repo.orders[o.ID].Status)
	assert.True(t, d("240").Equal(repo.orders[o.ID].TotalAmount))
}

func TestFinalize_FailureKeepsDraft(t *testing.T) {
	repo := newOrderRepo()
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	repo.updateErr = errors.New("timeout")
	require.Error(t, w.Finalize(context.Background(), o))
	assert.Equal(t, StatusDraft, o.Status)
	assert.Equal(t, StatusDraft, repo.orders[o.ID].Status)
}

func TestDiscard(t *testing.T) {
	repo := newOrderRepo()
	w := NewWriter(repo, &mockCatalog{}, NewGuard(repo), WriterOptions{})

	o := newDraft("k1")
	_, err := w.CreateDraft(context.Background(), o)
	require.NoError(t, err)

	require.NoError(t, w.Discard(context.Background(), o))
	assert.Empty(t, repo.orders)
}
