package pharmacy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/emr/internal/platform/db"
)

type Service struct {
	tx     db.TxRunner
	items  InventoryRepository
	ledger TransactionRepository
	rules  PricingRuleRepository
	orders OrderRepository
	logger zerolog.Logger

	expiryWindowDays int
	now              func() time.Time
}

func NewService(
	tx db.TxRunner,
	items InventoryRepository,
	ledger TransactionRepository,
	rules PricingRuleRepository,
	orders OrderRepository,
	logger zerolog.Logger,
) *Service {
	return &Service{
		tx:               tx,
		items:            items,
		ledger:           ledger,
		rules:            rules,
		orders:           orders,
		logger:           logger.With().Str("component", "pharmacy").Logger(),
		expiryWindowDays: DefaultExpiryWindowDays,
		now:              time.Now,
	}
}

// SetExpiryWindow changes the default look-ahead of ExpiringSoon and Stats.
// Non-positive values are ignored.
func (s *Service) SetExpiryWindow(days int) {
	if days > 0 {
		s.expiryWindowDays = days
	}
}

// activeItem loads an item and treats deactivated items as missing.
func (s *Service) activeItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	item, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, notFound("inventory item", id)
	}
	return item, nil
}

// -- Inventory items --

func validateItem(i *InventoryItem) error {
	if i.MedicationName == "" {
		return invalidf("medication_name is required")
	}
	if i.ReorderLevel < 0 {
		return invalidf("reorder_level must not be negative")
	}
	if i.UnitCost.IsNegative() {
		return invalidf("unit_cost must not be negative")
	}
	if i.SellingPrice.IsNegative() {
		return invalidf("selling_price must not be negative")
	}
	return nil
}

// CreateItem stores a new active item. Opening stock is recorded as a
// purchase so the ledger accounts for every unit on hand.
func (s *Service) CreateItem(ctx context.Context, i *InventoryItem, performedBy string) error {
	if err := validateItem(i); err != nil {
		return err
	}
	if i.QuantityOnHand < 0 {
		return invalidf("quantity_on_hand must not be negative")
	}
	i.IsActive = true
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.items.Create(ctx, i); err != nil {
			return err
		}
		if i.QuantityOnHand == 0 {
			return nil
		}
		note := "opening stock"
		return s.ledger.Append(ctx, &InventoryTransaction{
			InventoryID:     i.ID,
			TransactionType: TransactionPurchase,
			Quantity:        i.QuantityOnHand,
			Notes:           &note,
			PerformedBy:     optional(performedBy),
		})
	})
}

func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	return s.items.GetByID(ctx, id)
}

// UpdateItem edits descriptive and pricing fields. quantity_on_hand and
// is_active are not touched.
func (s *Service) UpdateItem(ctx context.Context, i *InventoryItem) error {
	if err := validateItem(i); err != nil {
		return err
	}
	return s.items.Update(ctx, i)
}

func (s *Service) DeactivateItem(ctx context.Context, id uuid.UUID) error {
	return s.items.Deactivate(ctx, id)
}

func (s *Service) SearchItems(ctx context.Context, f InventoryFilter, limit, offset int) ([]*InventoryItem, int, error) {
	return s.items.Search(ctx, f, limit, offset)
}

func (s *Service) ListTransactions(ctx context.Context, inventoryID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	if _, err := s.items.GetByID(ctx, inventoryID); err != nil {
		return nil, 0, err
	}
	return s.ledger.ListByItem(ctx, inventoryID, limit, offset)
}

// -- Alerts --

// LowStock lists active items at or below their reorder level.
func (s *Service) LowStock(ctx context.Context) ([]*InventoryItem, error) {
	return s.items.ListLowStock(ctx)
}

// ExpiringSoon lists active items expiring within days of today, including
// items that have already expired. days <= 0 selects the configured window.
func (s *Service) ExpiringSoon(ctx context.Context, days int) ([]*InventoryItem, error) {
	if days <= 0 {
		days = s.expiryWindowDays
	}
	return s.items.ListExpiring(ctx, expiryCutoff(s.now(), days))
}

// Stats summarises active inventory for the dashboard.
func (s *Service) Stats(ctx context.Context) (*InventoryStats, error) {
	items, err := s.items.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	today := s.now()
	st := &InventoryStats{
		InventoryValue:    decimal.Zero,
		CategoryBreakdown: map[string]int{},
	}
	for _, i := range items {
		st.TotalItems++
		st.TotalQuantity += i.QuantityOnHand
		st.InventoryValue = st.InventoryValue.Add(i.UnitCost.Mul(decimal.NewFromInt(int64(i.QuantityOnHand))))
		if i.IsLowStock() {
			st.LowStockCount++
		}
		if i.IsExpired(today) {
			st.ExpiredCount++
		} else if i.ExpiresWithin(today, s.expiryWindowDays) {
			st.ExpiringCount++
		}
		cat := i.categoryValue()
		if cat == "" {
			cat = "uncategorized"
		}
		st.CategoryBreakdown[cat]++
	}
	return st, nil
}

// VerifyLedger checks that the ledger sum for an item matches its quantity on
// hand. A mismatch means stock was changed outside the stock engines.
func (s *Service) VerifyLedger(ctx context.Context, inventoryID uuid.UUID) (onHand, ledgerSum int, err error) {
	item, err := s.items.GetByID(ctx, inventoryID)
	if err != nil {
		return 0, 0, err
	}
	sum, err := s.ledger.SumByItem(ctx, inventoryID)
	if err != nil {
		return 0, 0, err
	}
	if sum != item.QuantityOnHand {
		s.logger.Error().
			Str("inventory_id", inventoryID.String()).
			Int("quantity_on_hand", item.QuantityOnHand).
			Int("ledger_sum", sum).
			Msg("ledger out of balance")
	}
	return item.QuantityOnHand, sum, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isDomainError(err error) bool {
	var ise *InsufficientStockError
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) || errors.As(err, &ise)
}
