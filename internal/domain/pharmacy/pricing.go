package pharmacy

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeQuote prices quantity units at basePrice and applies the markup and
// discount percentages. Both adjustments are taken from the subtotal and
// rounded to cents independently.
func ComputeQuote(basePrice decimal.Decimal, quantity int, markupPct, discountPct decimal.Decimal) PriceQuote {
	subtotal := basePrice.Mul(decimal.NewFromInt(int64(quantity)))
	markup := subtotal.Mul(markupPct).Div(hundred).Round(2)
	discount := subtotal.Mul(discountPct).Div(hundred).Round(2)
	return PriceQuote{
		BasePrice:          basePrice,
		Quantity:           quantity,
		Subtotal:           subtotal,
		MarkupPercentage:   markupPct,
		MarkupAmount:       markup,
		DiscountPercentage: discountPct,
		DiscountAmount:     discount,
		FinalPrice:         subtotal.Add(markup).Sub(discount),
	}
}

// resolveRule picks the rule that governs a payer and category. A rule naming
// the payer beats the payer type default, a rule naming the category beats a
// catch-all, and remaining ties go to the oldest rule.
func resolveRule(rules []*PayerPricingRule, payerType PayerType, payerID *uuid.UUID, category string) *PayerPricingRule {
	var matched []*PayerPricingRule
	for _, r := range rules {
		if r.appliesTo(payerType, payerID, category) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if (a.PayerID != nil) != (b.PayerID != nil) {
			return a.PayerID != nil
		}
		if (a.Category != nil) != (b.Category != nil) {
			return a.Category != nil
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return matched[0]
}

func parsePayerType(s string) (PayerType, error) {
	if s == "" {
		return PayerSelfPay, nil
	}
	pt := PayerType(s)
	if !validPayerTypes[pt] {
		return "", invalidf("unknown payer_type %q", s)
	}
	return pt, nil
}

// CalculatePrice quotes an active item for a payer. It has no side effects.
func (s *Service) CalculatePrice(ctx context.Context, req PriceRequest) (*PriceQuote, error) {
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if quantity <= 0 {
		return nil, invalidf("quantity must be positive")
	}
	payerType, err := parsePayerType(req.PayerType)
	if err != nil {
		return nil, err
	}
	payerID := req.PayerID
	if payerType == PayerSelfPay {
		payerID = nil
	}

	item, err := s.activeItem(ctx, req.InventoryID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.rules.Candidates(ctx, payerType, payerID, item.Category)
	if err != nil {
		return nil, err
	}

	markup, discount := decimal.Zero, decimal.Zero
	rule := resolveRule(candidates, payerType, payerID, item.categoryValue())
	if rule != nil {
		markup, discount = rule.MarkupPercentage, rule.DiscountPercentage
	}

	q := ComputeQuote(item.SellingPrice, quantity, markup, discount)
	q.InventoryID = item.ID
	q.PayerType = payerType
	q.PayerID = payerID
	if rule != nil {
		id := rule.ID
		q.RuleID = &id
	}
	return &q, nil
}

// -- Pricing rules --

func validateRule(r *PayerPricingRule) error {
	if !validPayerTypes[r.PayerType] {
		return invalidf("unknown payer_type %q", r.PayerType)
	}
	if r.MarkupPercentage.IsNegative() {
		return invalidf("markup_percentage must not be negative")
	}
	if r.DiscountPercentage.IsNegative() || r.DiscountPercentage.GreaterThan(hundred) {
		return invalidf("discount_percentage must be between 0 and 100")
	}
	if r.Category != nil && *r.Category == "" {
		r.Category = nil
	}
	return nil
}

func (s *Service) CreatePricingRule(ctx context.Context, r *PayerPricingRule) error {
	if r.PayerType == "" {
		r.PayerType = PayerSelfPay
	}
	r.IsActive = true
	if err := validateRule(r); err != nil {
		return err
	}
	return s.rules.Create(ctx, r)
}

// UpdatePricingRule changes the percentages or active flag of a rule. Its
// scope (payer and category) is fixed at creation.
func (s *Service) UpdatePricingRule(ctx context.Context, id uuid.UUID, upd PricingRuleUpdate) (*PayerPricingRule, error) {
	r, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.MarkupPercentage != nil {
		r.MarkupPercentage = *upd.MarkupPercentage
	}
	if upd.DiscountPercentage != nil {
		r.DiscountPercentage = *upd.DiscountPercentage
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	if err := validateRule(r); err != nil {
		return nil, err
	}
	if err := s.rules.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) DeactivatePricingRule(ctx context.Context, id uuid.UUID) error {
	return s.rules.Deactivate(ctx, id)
}

func (s *Service) GetPricingRule(ctx context.Context, id uuid.UUID) (*PayerPricingRule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) ListPricingRules(ctx context.Context, payerType string, activeOnly bool) ([]*PayerPricingRule, error) {
	var pt PayerType
	if payerType != "" {
		var err error
		if pt, err = parsePayerType(payerType); err != nil {
			return nil, err
		}
	}
	return s.rules.List(ctx, pt, activeOnly)
}
