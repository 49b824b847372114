package pharmacy

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// -- In-memory store shared by the mock repositories --

type memTxKey struct{}

type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	items  map[uuid.UUID]InventoryItem
	ledger []InventoryTransaction
	rules  map[uuid.UUID]PayerPricingRule
	orders map[uuid.UUID]PharmacyOrder
	clock  time.Time

	// appendErr, when set, makes the next ledger append fail.
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		items:  make(map[uuid.UUID]InventoryItem),
		rules:  make(map[uuid.UUID]PayerPricingRule),
		orders: make(map[uuid.UUID]PharmacyOrder),
		clock:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick must be called with mu held.
func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

type memSnapshot struct {
	items  map[uuid.UUID]InventoryItem
	ledger []InventoryTransaction
	rules  map[uuid.UUID]PayerPricingRule
	orders map[uuid.UUID]PharmacyOrder
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		items:  make(map[uuid.UUID]InventoryItem, len(s.items)),
		ledger: append([]InventoryTransaction(nil), s.ledger...),
		rules:  make(map[uuid.UUID]PayerPricingRule, len(s.rules)),
		orders: make(map[uuid.UUID]PharmacyOrder, len(s.orders)),
	}
	for k, v := range s.items {
		snap.items[k] = v
	}
	for k, v := range s.rules {
		snap.rules[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items, s.ledger, s.rules, s.orders = snap.items, snap.ledger, snap.rules, snap.orders
}

func (s *memStore) ledgerFor(id uuid.UUID) []InventoryTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InventoryTransaction
	for _, t := range s.ledger {
		if t.InventoryID == id {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) quantity(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].QuantityOnHand
}

// memTx serializes transactions the way row locks serialize writers on one
// item, and undoes every write made by a failed transaction.
type memTx struct{ s *memStore }

func (m memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.s.txMu.Lock()
	defer m.s.txMu.Unlock()
	snap := m.s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.s.restore(snap)
		return err
	}
	return nil
}

var errNoTx = errors.New("row lock requested outside a transaction")

// -- Inventory --

type memInventory struct{ s *memStore }

func (m memInventory) Create(_ context.Context, i *InventoryItem) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	i.CreatedAt = m.s.tick()
	i.UpdatedAt = i.CreatedAt
	m.s.items[i.ID] = *i
	return nil
}

func (m memInventory) GetByID(_ context.Context, id uuid.UUID) (*InventoryItem, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	i, ok := m.s.items[id]
	if !ok {
		return nil, notFound("inventory item", id)
	}
	return &i, nil
}

func (m memInventory) GetForUpdate(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	if ctx.Value(memTxKey{}) == nil {
		return nil, errNoTx
	}
	return m.GetByID(ctx, id)
}

func (m memInventory) Update(_ context.Context, i *InventoryItem) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.items[i.ID]
	if !ok {
		return notFound("inventory item", i.ID)
	}
	i.QuantityOnHand, i.IsActive, i.CreatedAt = cur.QuantityOnHand, cur.IsActive, cur.CreatedAt
	i.UpdatedAt = m.s.tick()
	m.s.items[i.ID] = *i
	return nil
}

func (m memInventory) SetQuantity(_ context.Context, id uuid.UUID, quantity int) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.items[id]
	if !ok {
		return notFound("inventory item", id)
	}
	cur.QuantityOnHand = quantity
	m.s.items[id] = cur
	return nil
}

func (m memInventory) Deactivate(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.items[id]
	if !ok {
		return notFound("inventory item", id)
	}
	cur.IsActive = false
	m.s.items[id] = cur
	return nil
}

func (m memInventory) filter(keep func(InventoryItem) bool) []*InventoryItem {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*InventoryItem
	for _, i := range m.s.items {
		if keep(i) {
			i := i
			out = append(out, &i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MedicationName < out[b].MedicationName })
	return out
}

func (m memInventory) Search(_ context.Context, f InventoryFilter, limit, offset int) ([]*InventoryItem, int, error) {
	search := strings.ToLower(f.Search)
	out := m.filter(func(i InventoryItem) bool {
		if !f.IncludeInactive && !i.IsActive {
			return false
		}
		if f.Category != "" && i.categoryValue() != f.Category {
			return false
		}
		if f.LowStockOnly && !i.IsLowStock() {
			return false
		}
		return search == "" || strings.Contains(strings.ToLower(i.MedicationName), search)
	})
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m memInventory) ListLowStock(_ context.Context) ([]*InventoryItem, error) {
	return m.filter(func(i InventoryItem) bool { return i.IsActive && i.IsLowStock() }), nil
}

func (m memInventory) ListExpiring(_ context.Context, cutoff time.Time) ([]*InventoryItem, error) {
	return m.filter(func(i InventoryItem) bool {
		return i.IsActive && i.ExpiryDate != nil && !dateOf(*i.ExpiryDate).After(cutoff)
	}), nil
}

func (m memInventory) ListActive(_ context.Context) ([]*InventoryItem, error) {
	return m.filter(func(i InventoryItem) bool { return i.IsActive }), nil
}

// -- Ledger --

type memLedger struct{ s *memStore }

func (m memLedger) Append(_ context.Context, t *InventoryTransaction) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.appendErr; err != nil {
		m.s.appendErr = nil
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = m.s.tick()
	m.s.ledger = append(m.s.ledger, *t)
	return nil
}

func (m memLedger) ListByItem(_ context.Context, inventoryID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	rows := m.s.ledgerFor(inventoryID)
	var out []*InventoryTransaction
	for i := len(rows) - 1; i >= 0; i-- {
		t := rows[i]
		out = append(out, &t)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m memLedger) SumByItem(_ context.Context, inventoryID uuid.UUID) (int, error) {
	sum := 0
	for _, t := range m.s.ledgerFor(inventoryID) {
		sum += t.Quantity
	}
	return sum, nil
}

// -- Pricing rules --

type memRules struct{ s *memStore }

func sameScope(a, b PayerPricingRule) bool {
	if a.PayerType != b.PayerType {
		return false
	}
	if (a.PayerID == nil) != (b.PayerID == nil) || (a.PayerID != nil && *a.PayerID != *b.PayerID) {
		return false
	}
	if (a.Category == nil) != (b.Category == nil) || (a.Category != nil && *a.Category != *b.Category) {
		return false
	}
	return true
}

func (m memRules) Create(_ context.Context, r *PayerPricingRule) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.rules {
		if existing.IsActive && r.IsActive && sameScope(existing, *r) {
			return ErrInvalidArgument
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = m.s.tick()
	r.UpdatedAt = r.CreatedAt
	m.s.rules[r.ID] = *r
	return nil
}

func (m memRules) GetByID(_ context.Context, id uuid.UUID) (*PayerPricingRule, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.rules[id]
	if !ok {
		return nil, notFound("pricing rule", id)
	}
	return &r, nil
}

func (m memRules) Update(_ context.Context, r *PayerPricingRule) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.rules[r.ID]; !ok {
		return notFound("pricing rule", r.ID)
	}
	r.UpdatedAt = m.s.tick()
	m.s.rules[r.ID] = *r
	return nil
}

func (m memRules) Deactivate(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.rules[id]
	if !ok {
		return notFound("pricing rule", id)
	}
	r.IsActive = false
	m.s.rules[id] = r
	return nil
}

func (m memRules) List(_ context.Context, payerType PayerType, activeOnly bool) ([]*PayerPricingRule, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*PayerPricingRule
	for _, r := range m.s.rules {
		if (payerType == "" || r.PayerType == payerType) && (!activeOnly || r.IsActive) {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// Candidates returns matches in map order; ranking is the service's job.
func (m memRules) Candidates(_ context.Context, payerType PayerType, payerID *uuid.UUID, category *string) ([]*PayerPricingRule, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cat := ""
	if category != nil {
		cat = *category
	}
	var out []*PayerPricingRule
	for _, r := range m.s.rules {
		if r.appliesTo(payerType, payerID, cat) {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

// -- Orders --

type memOrders struct{ s *memStore }

func (m memOrders) Create(_ context.Context, o *PharmacyOrder) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = m.s.tick()
	o.UpdatedAt = o.CreatedAt
	m.s.orders[o.ID] = *o
	return nil
}

func (m memOrders) GetByID(_ context.Context, id uuid.UUID) (*PharmacyOrder, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, ok := m.s.orders[id]
	if !ok {
		return nil, notFound("pharmacy order", id)
	}
	return &o, nil
}

func (m memOrders) GetForUpdate(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error) {
	if ctx.Value(memTxKey{}) == nil {
		return nil, errNoTx
	}
	return m.GetByID(ctx, id)
}

func (m memOrders) setStatus(id uuid.UUID, fn func(*PharmacyOrder)) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, ok := m.s.orders[id]
	if !ok {
		return notFound("pharmacy order", id)
	}
	fn(&o)
	o.UpdatedAt = m.s.tick()
	m.s.orders[id] = o
	return nil
}

func (m memOrders) MarkDispensed(_ context.Context, id uuid.UUID, at time.Time, by *string) error {
	return m.setStatus(id, func(o *PharmacyOrder) {
		o.Status, o.DispensedAt, o.DispensedBy = OrderDispensed, &at, by
	})
}

func (m memOrders) Cancel(_ context.Context, id uuid.UUID) error {
	return m.setStatus(id, func(o *PharmacyOrder) { o.Status = OrderCancelled })
}

func (m memOrders) ListByStatus(_ context.Context, status OrderStatus, limit, offset int) ([]*PharmacyOrder, int, error) {
	m.s.mu.Lock()
	var out []*PharmacyOrder
	for _, o := range m.s.orders {
		if status == "" || o.Status == status {
			o := o
			out = append(out, &o)
		}
	}
	m.s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// -- Fixtures --

var testToday = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func newTestService() (*Service, *memStore) {
	st := newMemStore()
	svc := NewService(memTx{st}, memInventory{st}, memLedger{st}, memRules{st}, memOrders{st}, zerolog.Nop())
	svc.now = func() time.Time { return testToday }
	return svc, st
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func datePtr(days int) *time.Time {
	d := dateOf(testToday).AddDate(0, 0, days)
	return &d
}

type itemOpt func(*InventoryItem)

func withCategory(c string) itemOpt { return func(i *InventoryItem) { i.Category = strPtr(c) } }

func withReorder(n int) itemOpt { return func(i *InventoryItem) { i.ReorderLevel = n } }

func withCost(s string) itemOpt { return func(i *InventoryItem) { i.UnitCost = dec(s) } }

func withExpiryIn(days int) itemOpt { return func(i *InventoryItem) { i.ExpiryDate = datePtr(days) } }

func mustCreateItem(svc *Service, name, price string, qty int, opts ...itemOpt) *InventoryItem {
	i := &InventoryItem{
		MedicationName: name,
		QuantityOnHand: qty,
		SellingPrice:   dec(price),
		UnitCost:       dec("0"),
	}
	for _, o := range opts {
		o(i)
	}
	if err := svc.CreateItem(context.Background(), i, "seed"); err != nil {
		panic(err)
	}
	return i
}

func mustCreateRule(svc *Service, pt PayerType, payerID *uuid.UUID, category *string, markup, discount string) *PayerPricingRule {
	r := &PayerPricingRule{
		PayerType:          pt,
		PayerID:            payerID,
		Category:           category,
		MarkupPercentage:   dec(markup),
		DiscountPercentage: dec(discount),
	}
	if err := svc.CreatePricingRule(context.Background(), r); err != nil {
		panic(err)
	}
	return r
}
