package pharmacy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an item, rule or order does not exist, or
	// when an inventory item is inactive.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed or out-of-range input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InsufficientStockError rejects a decrease that would take quantity_on_hand
// below zero. Available is the quantity observed under the row lock.
type InsufficientStockError struct {
	InventoryID uuid.UUID
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available %d, requested %d", e.Available, e.Requested)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFound(what string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}
