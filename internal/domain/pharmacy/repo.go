package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InventoryRepository stores inventory items. Lookups return ErrNotFound when
// the row does not exist; callers decide what an inactive item means.
type InventoryRepository interface {
	Create(ctx context.Context, item *InventoryItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*InventoryItem, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*InventoryItem, error)
	Update(ctx context.Context, item *InventoryItem) error
	SetQuantity(ctx context.Context, id uuid.UUID, quantity int) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f InventoryFilter, limit, offset int) ([]*InventoryItem, int, error)
	ListLowStock(ctx context.Context) ([]*InventoryItem, error)
	// ListExpiring returns active items whose expiry_date is on or before cutoff.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]*InventoryItem, error)
	ListActive(ctx context.Context) ([]*InventoryItem, error)
}

// TransactionRepository is the append-only stock ledger. It deliberately has
// no update or delete methods.
type TransactionRepository interface {
	Append(ctx context.Context, t *InventoryTransaction) error
	ListByItem(ctx context.Context, inventoryID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error)
	SumByItem(ctx context.Context, inventoryID uuid.UUID) (int, error)
}

type PricingRuleRepository interface {
	Create(ctx context.Context, r *PayerPricingRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*PayerPricingRule, error)
	Update(ctx context.Context, r *PayerPricingRule) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, payerType PayerType, activeOnly bool) ([]*PayerPricingRule, error)
	// Candidates returns the active rules that could apply to the payer and
	// category, most specific first.
	Candidates(ctx context.Context, payerType PayerType, payerID *uuid.UUID, category *string) ([]*PayerPricingRule, error)
}

type OrderRepository interface {
	Create(ctx context.Context, o *PharmacyOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error)
	MarkDispensed(ctx context.Context, id uuid.UUID, at time.Time, by *string) error
	Cancel(ctx context.Context, id uuid.UUID) error
	ListByStatus(ctx context.Context, status OrderStatus, limit, offset int) ([]*PharmacyOrder, int, error)
}
