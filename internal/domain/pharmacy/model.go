package pharmacy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionDispense   TransactionType = "dispense"
	TransactionAdjustment TransactionType = "adjustment"
)

var validTransactionTypes = map[TransactionType]bool{
	TransactionPurchase: true, TransactionDispense: true, TransactionAdjustment: true,
}

type PayerType string

const (
	PayerSelfPay   PayerType = "self_pay"
	PayerCorporate PayerType = "corporate"
	PayerInsurance PayerType = "insurance"
)

var validPayerTypes = map[PayerType]bool{
	PayerSelfPay: true, PayerCorporate: true, PayerInsurance: true,
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderDispensed OrderStatus = "dispensed"
	OrderCancelled OrderStatus = "cancelled"
)

var validOrderStatuses = map[OrderStatus]bool{
	OrderPending: true, OrderDispensed: true, OrderCancelled: true,
}

// ReferencePharmacyOrder is the ledger reference_type for dispenses.
const ReferencePharmacyOrder = "pharmacy_order"

// DefaultExpiryWindowDays is how far ahead the expiring-soon view looks.
const DefaultExpiryWindowDays = 90

// InventoryItem is one stocked medication. QuantityOnHand only changes through
// AdjustStock and Dispense, and never goes below zero.
type InventoryItem struct {
	ID                   uuid.UUID       `json:"id"`
	MedicationName       string          `json:"medication_name"`
	GenericName          *string         `json:"generic_name,omitempty"`
	Category             *string         `json:"category,omitempty"`
	Unit                 *string         `json:"unit,omitempty"`
	BatchNumber          *string         `json:"batch_number,omitempty"`
	Manufacturer         *string         `json:"manufacturer,omitempty"`
	QuantityOnHand       int             `json:"quantity_on_hand"`
	ReorderLevel         int             `json:"reorder_level"`
	UnitCost             decimal.Decimal `json:"unit_cost"`
	SellingPrice         decimal.Decimal `json:"selling_price"`
	ExpiryDate           *time.Time      `json:"expiry_date,omitempty"`
	IsActive             bool            `json:"is_active"`
	RequiresPrescription bool            `json:"requires_prescription"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsLowStock reports quantity_on_hand <= reorder_level.
func (i *InventoryItem) IsLowStock() bool {
	return i.QuantityOnHand <= i.ReorderLevel
}

// IsExpired reports expiry_date < today. Items without an expiry never expire.
func (i *InventoryItem) IsExpired(today time.Time) bool {
	if i.ExpiryDate == nil {
		return false
	}
	return dateOf(*i.ExpiryDate).Before(dateOf(today))
}

// ExpiresWithin reports expiry_date <= today + days. Already expired items
// are included.
func (i *InventoryItem) ExpiresWithin(today time.Time, days int) bool {
	if i.ExpiryDate == nil {
		return false
	}
	return !dateOf(*i.ExpiryDate).After(expiryCutoff(today, days))
}

func (i *InventoryItem) categoryValue() string {
	if i.Category == nil {
		return ""
	}
	return *i.Category
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func expiryCutoff(today time.Time, days int) time.Time {
	return dateOf(today).AddDate(0, 0, days)
}

// InventoryTransaction is an immutable ledger row. Quantity is signed:
// positive for stock increases, negative for decreases.
type InventoryTransaction struct {
	ID              uuid.UUID       `json:"id"`
	InventoryID     uuid.UUID       `json:"inventory_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int             `json:"quantity"`
	ReferenceType   *string         `json:"reference_type,omitempty"`
	ReferenceID     *string         `json:"reference_id,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
	PerformedBy     *string         `json:"performed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PayerPricingRule adjusts the price of items for a payer. A nil PayerID is
// the default rule for the payer type; a nil Category applies to every category.
type PayerPricingRule struct {
	ID                 uuid.UUID       `json:"id"`
	PayerType          PayerType       `json:"payer_type"`
	PayerID            *uuid.UUID      `json:"payer_id"`
	Category           *string         `json:"category"`
	MarkupPercentage   decimal.Decimal `json:"markup_percentage"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	IsActive           bool            `json:"is_active"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// appliesTo reports whether an active rule covers the payer and category.
func (r *PayerPricingRule) appliesTo(payerType PayerType, payerID *uuid.UUID, category string) bool {
	if !r.IsActive || r.PayerType != payerType {
		return false
	}
	if r.PayerID != nil && (payerID == nil || *r.PayerID != *payerID) {
		return false
	}
	if r.Category != nil && *r.Category != category {
		return false
	}
	return true
}

// PriceQuote is the full breakdown of a computed price. It is never persisted.
type PriceQuote struct {
	InventoryID        uuid.UUID       `json:"inventory_id"`
	PayerType          PayerType       `json:"payer_type"`
	PayerID            *uuid.UUID      `json:"payer_id,omitempty"`
	RuleID             *uuid.UUID      `json:"rule_id,omitempty"`
	BasePrice          decimal.Decimal `json:"base_price"`
	Quantity           int             `json:"quantity"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	MarkupPercentage   decimal.Decimal `json:"markup_percentage"`
	MarkupAmount       decimal.Decimal `json:"markup_amount"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	FinalPrice         decimal.Decimal `json:"final_price"`
}

// PharmacyOrder is a prescription line waiting in the pharmacy queue.
type PharmacyOrder struct {
	ID           uuid.UUID   `json:"id"`
	PatientID    uuid.UUID   `json:"patient_id"`
	InventoryID  uuid.UUID   `json:"inventory_id"`
	Quantity     int         `json:"quantity"`
	Status       OrderStatus `json:"status"`
	PrescribedBy *string     `json:"prescribed_by,omitempty"`
	Notes        *string     `json:"notes,omitempty"`
	DispensedAt  *time.Time  `json:"dispensed_at,omitempty"`
	DispensedBy  *string     `json:"dispensed_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// InventoryStats summarises active stock for the pharmacy dashboard.
type InventoryStats struct {
	TotalItems        int             `json:"total_items"`
	TotalQuantity     int             `json:"total_quantity"`
	LowStockCount     int             `json:"low_stock_count"`
	ExpiringCount     int             `json:"expiring_count"`
	ExpiredCount      int             `json:"expired_count"`
	InventoryValue    decimal.Decimal `json:"inventory_value"`
	CategoryBreakdown map[string]int  `json:"category_breakdown"`
}

// InventoryFilter narrows an inventory search. Zero values mean "any".
type InventoryFilter struct {
	Category        string
	Search          string
	LowStockOnly    bool
	IncludeInactive bool
}

// -- Requests / responses --

type AdjustStockRequest struct {
	InventoryID     uuid.UUID       `json:"inventory_id"`
	Adjustment      int             `json:"adjustment"`
	TransactionType TransactionType `json:"transaction_type,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
	ReferenceType   *string         `json:"reference_type,omitempty"`
	ReferenceID     *string         `json:"reference_id,omitempty"`
	PerformedBy     string          `json:"-"`
}

type DispenseRequest struct {
	InventoryID     uuid.UUID  `json:"inventory_id"`
	Quantity        int        `json:"quantity"`
	PharmacyOrderID *uuid.UUID `json:"pharmacy_order_id,omitempty"`
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	PerformedBy     string     `json:"-"`
}

// DispenseResult confirms a dispense. RemainingStock is computed from the
// locked pre-dispense quantity.
type DispenseResult struct {
	Medication     string `json:"medication"`
	Quantity       int    `json:"quantity"`
	RemainingStock int    `json:"remaining_stock"`
}

// PricingRuleUpdate carries the mutable fields of a rule. Nil fields are left
// unchanged.
type PricingRuleUpdate struct {
	MarkupPercentage   *decimal.Decimal `json:"markup_percentage,omitempty"`
	DiscountPercentage *decimal.Decimal `json:"discount_percentage,omitempty"`
	IsActive           *bool            `json:"is_active,omitempty"`
}

type PriceRequest struct {
	InventoryID uuid.UUID  `json:"inventory_id"`
	Quantity    *int       `json:"quantity,omitempty"`
	PayerType   string     `json:"payer_type,omitempty"`
	PayerID     *uuid.UUID `json:"payer_id,omitempty"`
}
