package pharmacy

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
)

func validateAdjustment(req *AdjustStockRequest) error {
	if req.Adjustment == 0 {
		return invalidf("adjustment must be non-zero")
	}
	if req.Adjustment > math.MaxInt32 || req.Adjustment < -math.MaxInt32 {
		return invalidf("adjustment out of range")
	}
	if req.TransactionType == "" {
		req.TransactionType = TransactionAdjustment
	}
	if !validTransactionTypes[req.TransactionType] {
		return invalidf("unknown transaction_type %q", req.TransactionType)
	}
	if req.TransactionType == TransactionPurchase && req.Adjustment < 0 {
		return invalidf("purchase must increase stock")
	}
	if req.TransactionType == TransactionDispense && req.Adjustment > 0 {
		return invalidf("dispense must decrease stock")
	}
	return nil
}

// AdjustStock applies a signed change to an item's stock and records it in
// the ledger. The item row is locked for the duration, so the non-negative
// check and the write see the same quantity.
func (s *Service) AdjustStock(ctx context.Context, req AdjustStockRequest) (*InventoryItem, error) {
	if err := validateAdjustment(&req); err != nil {
		return nil, err
	}

	var updated *InventoryItem
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		item, err := s.lockActiveItem(ctx, req.InventoryID)
		if err != nil {
			return err
		}
		next := item.QuantityOnHand + req.Adjustment
		if next > math.MaxInt32 {
			return invalidf("adjustment would exceed the maximum stock level")
		}
		if next < 0 {
			return &InsufficientStockError{
				InventoryID: item.ID,
				Available:   item.QuantityOnHand,
				Requested:   -req.Adjustment,
			}
		}
		if err := s.items.SetQuantity(ctx, item.ID, next); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, &InventoryTransaction{
			InventoryID:     item.ID,
			TransactionType: req.TransactionType,
			Quantity:        req.Adjustment,
			ReferenceType:   req.ReferenceType,
			ReferenceID:     req.ReferenceID,
			Notes:           req.Notes,
			PerformedBy:     optional(req.PerformedBy),
		}); err != nil {
			return err
		}
		item.QuantityOnHand = next
		updated = item
		return nil
	})
	if err != nil {
		s.logRejected(err, "adjust", req.InventoryID)
		return nil, err
	}

	s.logger.Info().
		Str("inventory_id", updated.ID.String()).
		Str("transaction_type", string(req.TransactionType)).
		Int("adjustment", req.Adjustment).
		Int("quantity_on_hand", updated.QuantityOnHand).
		Msg("stock adjusted")
	return updated, nil
}

// Dispense issues stock to a patient. When a pharmacy order is referenced it
// must still be pending and is marked dispensed in the same transaction.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest) (*DispenseResult, error) {
	if req.Quantity <= 0 {
		return nil, invalidf("quantity must be positive")
	}
	if req.Quantity > math.MaxInt32 {
		return nil, invalidf("quantity out of range")
	}

	var result *DispenseResult
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		item, err := s.lockActiveItem(ctx, req.InventoryID)
		if err != nil {
			return err
		}

		var order *PharmacyOrder
		if req.PharmacyOrderID != nil {
			if order, err = s.lockPendingOrder(ctx, *req.PharmacyOrderID, &req); err != nil {
				return err
			}
		}

		if item.QuantityOnHand < req.Quantity {
			return &InsufficientStockError{
				InventoryID: item.ID,
				Available:   item.QuantityOnHand,
				Requested:   req.Quantity,
			}
		}

		remaining := item.QuantityOnHand - req.Quantity
		if err := s.items.SetQuantity(ctx, item.ID, remaining); err != nil {
			return err
		}

		refType := ReferencePharmacyOrder
		t := &InventoryTransaction{
			InventoryID:     item.ID,
			TransactionType: TransactionDispense,
			Quantity:        -req.Quantity,
			ReferenceType:   &refType,
			Notes:           req.Notes,
			PerformedBy:     optional(req.PerformedBy),
		}
		if order != nil {
			ref := order.ID.String()
			t.ReferenceID = &ref
		}
		if err := s.ledger.Append(ctx, t); err != nil {
			return err
		}

		if order != nil {
			if err := s.orders.MarkDispensed(ctx, order.ID, s.now(), optional(req.PerformedBy)); err != nil {
				return err
			}
		}

		result = &DispenseResult{
			Medication:     item.MedicationName,
			Quantity:       req.Quantity,
			RemainingStock: remaining,
		}
		return nil
	})
	if err != nil {
		s.logRejected(err, "dispense", req.InventoryID)
		return nil, err
	}

	ev := s.logger.Info().
		Str("inventory_id", req.InventoryID.String()).
		Int("quantity", req.Quantity).
		Int("remaining_stock", result.RemainingStock)
	if req.PharmacyOrderID != nil {
		ev = ev.Str("pharmacy_order_id", req.PharmacyOrderID.String())
	}
	ev.Msg("medication dispensed")
	return result, nil
}

func (s *Service) lockActiveItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	item, err := s.items.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, notFound("inventory item", id)
	}
	return item, nil
}

func (s *Service) lockPendingOrder(ctx context.Context, id uuid.UUID, req *DispenseRequest) (*PharmacyOrder, error) {
	order, err := s.orders.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderPending {
		return nil, invalidf("pharmacy order %s is %s", id, order.Status)
	}
	if order.InventoryID != req.InventoryID {
		return nil, invalidf("pharmacy order %s is for a different inventory item", id)
	}
	if req.PatientID != nil && *req.PatientID != order.PatientID {
		return nil, invalidf("pharmacy order %s belongs to a different patient", id)
	}
	return order, nil
}

func (s *Service) logRejected(err error, op string, inventoryID uuid.UUID) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		s.logger.Warn().
			Str("op", op).
			Str("inventory_id", inventoryID.String()).
			Int("requested", ise.Requested).
			Int("available", ise.Available).
			Msg("insufficient stock")
		return
	}
	if isDomainError(err) {
		return
	}
	s.logger.Error().Err(err).
		Str("op", op).
		Str("inventory_id", inventoryID.String()).
		Msg("stock movement failed")
}
