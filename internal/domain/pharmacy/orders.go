package pharmacy

import (
	"context"

	"github.com/google/uuid"
)

// CreateOrder queues a prescription for the pharmacy. The item must be active
// but stock is not reserved; availability is checked at dispense time.
func (s *Service) CreateOrder(ctx context.Context, o *PharmacyOrder) error {
	if o.PatientID == uuid.Nil {
		return invalidf("patient_id is required")
	}
	if o.Quantity <= 0 {
		return invalidf("quantity must be positive")
	}
	if _, err := s.activeItem(ctx, o.InventoryID); err != nil {
		return err
	}
	o.Status = OrderPending
	o.DispensedAt, o.DispensedBy = nil, nil
	return s.orders.Create(ctx, o)
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error) {
	return s.orders.GetByID(ctx, id)
}

// ListOrders returns orders in the given status, oldest first. An empty
// status lists every order.
func (s *Service) ListOrders(ctx context.Context, status string, limit, offset int) ([]*PharmacyOrder, int, error) {
	st := OrderStatus(status)
	if st != "" && !validOrderStatuses[st] {
		return nil, 0, invalidf("unknown status %q", status)
	}
	return s.orders.ListByStatus(ctx, st, limit, offset)
}

// CancelOrder withdraws a pending order. Dispensed orders cannot be cancelled.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error) {
	var out *PharmacyOrder
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != OrderPending {
			return invalidf("pharmacy order %s is %s", id, o.Status)
		}
		if err := s.orders.Cancel(ctx, id); err != nil {
			return err
		}
		o.Status = OrderCancelled
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
