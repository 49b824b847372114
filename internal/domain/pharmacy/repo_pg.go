package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/emr/internal/platform/db"
)

const pgUniqueViolation = "23505"

// translate maps driver errors onto the domain taxonomy.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s already exists", ErrInvalidArgument, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectOne(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return translate(err, what)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// =========== Inventory Repository ===========

type inventoryRepoPG struct{ pool *pgxpool.Pool }

func NewInventoryRepoPG(pool *pgxpool.Pool) InventoryRepository {
	return &inventoryRepoPG{pool: pool}
}

const itemCols = `id, medication_name, generic_name, category, unit, batch_number,
	manufacturer, quantity_on_hand, reorder_level, unit_cost, selling_price,
	expiry_date, is_active, requires_prescription, created_at, updated_at`

func scanItem(row pgx.Row) (*InventoryItem, error) {
	var i InventoryItem
	err := row.Scan(&i.ID, &i.MedicationName, &i.GenericName, &i.Category, &i.Unit, &i.BatchNumber,
		&i.Manufacturer, &i.QuantityOnHand, &i.ReorderLevel, &i.UnitCost, &i.SellingPrice,
		&i.ExpiryDate, &i.IsActive, &i.RequiresPrescription, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func collectItems(rows pgx.Rows) ([]*InventoryItem, error) {
	defer rows.Close()
	var items []*InventoryItem
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *inventoryRepoPG) Create(ctx context.Context, i *InventoryItem) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO inventory_item (id, medication_name, generic_name, category, unit, batch_number,
			manufacturer, quantity_on_hand, reorder_level, unit_cost, selling_price,
			expiry_date, is_active, requires_prescription)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		i.ID, i.MedicationName, i.GenericName, i.Category, i.Unit, i.BatchNumber,
		i.Manufacturer, i.QuantityOnHand, i.ReorderLevel, i.UnitCost, i.SellingPrice,
		i.ExpiryDate, i.IsActive, i.RequiresPrescription,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
	return translate(err, "inventory item")
}

func (r *inventoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	i, err := scanItem(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+itemCols+` FROM inventory_item WHERE id = $1`, id))
	return i, translate(err, "inventory item")
}

func (r *inventoryRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	i, err := scanItem(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+itemCols+` FROM inventory_item WHERE id = $1 FOR UPDATE`, id))
	return i, translate(err, "inventory item")
}

func (r *inventoryRepoPG) Update(ctx context.Context, i *InventoryItem) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE inventory_item SET medication_name=$2, generic_name=$3, category=$4, unit=$5,
			batch_number=$6, manufacturer=$7, reorder_level=$8, unit_cost=$9, selling_price=$10,
			expiry_date=$11, requires_prescription=$12, updated_at=NOW()
		WHERE id = $1
		RETURNING quantity_on_hand, is_active, created_at, updated_at`,
		i.ID, i.MedicationName, i.GenericName, i.Category, i.Unit,
		i.BatchNumber, i.Manufacturer, i.ReorderLevel, i.UnitCost, i.SellingPrice,
		i.ExpiryDate, i.RequiresPrescription,
	).Scan(&i.QuantityOnHand, &i.IsActive, &i.CreatedAt, &i.UpdatedAt)
	return translate(err, "inventory item")
}

func (r *inventoryRepoPG) SetQuantity(ctx context.Context, id uuid.UUID, quantity int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE inventory_item SET quantity_on_hand = $2, updated_at = NOW() WHERE id = $1`, id, quantity)
	return expectOne(tag, err, "inventory item")
}

func (r *inventoryRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE inventory_item SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	return expectOne(tag, err, "inventory item")
}

func (r *inventoryRepoPG) Search(ctx context.Context, f InventoryFilter, limit, offset int) ([]*InventoryItem, int, error) {
	pattern := "%" + f.Search + "%"
	q := db.NewQuery("inventory_item", itemCols).
		WhereIf(!f.IncludeInactive, "is_active = TRUE").
		WhereIf(f.Category != "", "category = ?", f.Category).
		WhereIf(f.Search != "", "(medication_name ILIKE ? OR generic_name ILIKE ?)", pattern, pattern).
		WhereIf(f.LowStockOnly, "quantity_on_hand <= reorder_level").
		OrderBy("medication_name, id")

	conn := db.Conn(ctx, r.pool)
	var total int
	countSQL, countArgs := q.CountSQL()
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, translate(err, "count inventory items")
	}

	pageSQL, pageArgs := q.PageSQL(limit, offset)
	rows, err := conn.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, translate(err, "search inventory items")
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, 0, translate(err, "search inventory items")
	}
	return items, total, nil
}

func (r *inventoryRepoPG) ListLowStock(ctx context.Context) ([]*InventoryItem, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+itemCols+` FROM inventory_item
		WHERE is_active = TRUE AND quantity_on_hand <= reorder_level
		ORDER BY quantity_on_hand, medication_name`)
	if err != nil {
		return nil, translate(err, "list low stock")
	}
	items, err := collectItems(rows)
	return items, translate(err, "list low stock")
}

func (r *inventoryRepoPG) ListExpiring(ctx context.Context, cutoff time.Time) ([]*InventoryItem, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+itemCols+` FROM inventory_item
		WHERE is_active = TRUE AND expiry_date IS NOT NULL AND expiry_date <= $1::date
		ORDER BY expiry_date, medication_name`, cutoff)
	if err != nil {
		return nil, translate(err, "list expiring")
	}
	items, err := collectItems(rows)
	return items, translate(err, "list expiring")
}

func (r *inventoryRepoPG) ListActive(ctx context.Context) ([]*InventoryItem, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+itemCols+` FROM inventory_item WHERE is_active = TRUE ORDER BY medication_name`)
	if err != nil {
		return nil, translate(err, "list inventory")
	}
	items, err := collectItems(rows)
	return items, translate(err, "list inventory")
}

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

const txnCols = `id, inventory_id, transaction_type, quantity, reference_type, reference_id,
	notes, performed_by, created_at`

func (r *transactionRepoPG) Append(ctx context.Context, t *InventoryTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO inventory_transaction (id, inventory_id, transaction_type, quantity,
			reference_type, reference_id, notes, performed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		t.ID, t.InventoryID, string(t.TransactionType), t.Quantity,
		t.ReferenceType, t.ReferenceID, t.Notes, t.PerformedBy,
	).Scan(&t.CreatedAt)
	return translate(err, "inventory transaction")
}

func (r *transactionRepoPG) ListByItem(ctx context.Context, inventoryID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_transaction WHERE inventory_id = $1`, inventoryID).Scan(&total); err != nil {
		return nil, 0, translate(err, "count inventory transactions")
	}

	rows, err := conn.Query(ctx, `SELECT `+txnCols+` FROM inventory_transaction
		WHERE inventory_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		inventoryID, limit, offset)
	if err != nil {
		return nil, 0, translate(err, "list inventory transactions")
	}
	defer rows.Close()

	var out []*InventoryTransaction
	for rows.Next() {
		var t InventoryTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.InventoryID, &typ, &t.Quantity, &t.ReferenceType, &t.ReferenceID,
			&t.Notes, &t.PerformedBy, &t.CreatedAt); err != nil {
			return nil, 0, translate(err, "scan inventory transaction")
		}
		t.TransactionType = TransactionType(typ)
		out = append(out, &t)
	}
	return out, total, translate(rows.Err(), "list inventory transactions")
}

func (r *transactionRepoPG) SumByItem(ctx context.Context, inventoryID uuid.UUID) (int, error) {
	var sum int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM inventory_transaction WHERE inventory_id = $1`,
		inventoryID).Scan(&sum)
	return sum, translate(err, "sum inventory transactions")
}

// =========== Pricing Rule Repository ===========

type pricingRuleRepoPG struct{ pool *pgxpool.Pool }

func NewPricingRuleRepoPG(pool *pgxpool.Pool) PricingRuleRepository {
	return &pricingRuleRepoPG{pool: pool}
}

const ruleCols = `id, payer_type, payer_id, category, markup_percentage, discount_percentage,
	is_active, created_at, updated_at`

func scanRule(row pgx.Row) (*PayerPricingRule, error) {
	var r PayerPricingRule
	var typ string
	err := row.Scan(&r.ID, &typ, &r.PayerID, &r.Category, &r.MarkupPercentage, &r.DiscountPercentage,
		&r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.PayerType = PayerType(typ)
	return &r, nil
}

func collectRules(rows pgx.Rows) ([]*PayerPricingRule, error) {
	defer rows.Close()
	var out []*PayerPricingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *pricingRuleRepoPG) Create(ctx context.Context, r *PayerPricingRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO payer_pricing_rule (id, payer_type, payer_id, category,
			markup_percentage, discount_percentage, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		r.ID, string(r.PayerType), r.PayerID, r.Category,
		r.MarkupPercentage, r.DiscountPercentage, r.IsActive,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	return translate(err, "pricing rule")
}

func (p *pricingRuleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PayerPricingRule, error) {
	r, err := scanRule(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM payer_pricing_rule WHERE id = $1`, id))
	return r, translate(err, "pricing rule")
}

func (p *pricingRuleRepoPG) Update(ctx context.Context, r *PayerPricingRule) error {
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		UPDATE payer_pricing_rule SET markup_percentage=$2, discount_percentage=$3,
			is_active=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		r.ID, r.MarkupPercentage, r.DiscountPercentage, r.IsActive,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	return translate(err, "pricing rule")
}

func (p *pricingRuleRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, p.pool).Exec(ctx,
		`UPDATE payer_pricing_rule SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	return expectOne(tag, err, "pricing rule")
}

func (p *pricingRuleRepoPG) List(ctx context.Context, payerType PayerType, activeOnly bool) ([]*PayerPricingRule, error) {
	q := db.NewQuery("payer_pricing_rule", ruleCols).
		WhereIf(payerType != "", "payer_type = ?", string(payerType)).
		WhereIf(activeOnly, "is_active = TRUE").
		OrderBy("payer_type, payer_id NULLS FIRST, category NULLS FIRST, created_at")
	sql, args := q.SQL()
	rows, err := db.Conn(ctx, p.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err, "list pricing rules")
	}
	out, err := collectRules(rows)
	return out, translate(err, "list pricing rules")
}

func (p *pricingRuleRepoPG) Candidates(ctx context.Context, payerType PayerType, payerID *uuid.UUID, category *string) ([]*PayerPricingRule, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `SELECT `+ruleCols+` FROM payer_pricing_rule
		WHERE is_active = TRUE AND payer_type = $1
			AND (payer_id IS NULL OR payer_id = $2)
			AND (category IS NULL OR category = $3)
		ORDER BY payer_id DESC NULLS LAST, category DESC NULLS LAST, created_at, id`,
		string(payerType), payerID, category)
	if err != nil {
		return nil, translate(err, "resolve pricing rule")
	}
	out, err := collectRules(rows)
	return out, translate(err, "resolve pricing rule")
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, patient_id, inventory_id, quantity, status, prescribed_by, notes,
	dispensed_at, dispensed_by, created_at, updated_at`

func scanOrder(row pgx.Row) (*PharmacyOrder, error) {
	var o PharmacyOrder
	var status string
	err := row.Scan(&o.ID, &o.PatientID, &o.InventoryID, &o.Quantity, &status, &o.PrescribedBy, &o.Notes,
		&o.DispensedAt, &o.DispensedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *PharmacyOrder) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO pharmacy_order (id, patient_id, inventory_id, quantity, status, prescribed_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.InventoryID, o.Quantity, string(o.Status), o.PrescribedBy, o.Notes,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	return translate(err, "pharmacy order")
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error) {
	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM pharmacy_order WHERE id = $1`, id))
	return o, translate(err, "pharmacy order")
}

func (r *orderRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*PharmacyOrder, error) {
	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM pharmacy_order WHERE id = $1 FOR UPDATE`, id))
	return o, translate(err, "pharmacy order")
}

func (r *orderRepoPG) MarkDispensed(ctx context.Context, id uuid.UUID, at time.Time, by *string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE pharmacy_order SET status = 'dispensed', dispensed_at = $2, dispensed_by = $3, updated_at = NOW()
		WHERE id = $1`, id, at, by)
	return expectOne(tag, err, "pharmacy order")
}

func (r *orderRepoPG) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE pharmacy_order SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, id)
	return expectOne(tag, err, "pharmacy order")
}

func (r *orderRepoPG) ListByStatus(ctx context.Context, status OrderStatus, limit, offset int) ([]*PharmacyOrder, int, error) {
	q := db.NewQuery("pharmacy_order", orderCols).
		WhereIf(status != "", "status = ?", string(status)).
		OrderBy("created_at, id")

	conn := db.Conn(ctx, r.pool)
	var total int
	countSQL, countArgs := q.CountSQL()
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, translate(err, "count pharmacy orders")
	}
	pageSQL, pageArgs := q.PageSQL(limit, offset)
	rows, err := conn.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, translate(err, "list pharmacy orders")
	}
	defer rows.Close()

	var out []*PharmacyOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, translate(err, "scan pharmacy order")
		}
		out = append(out, o)
	}
	return out, total, translate(rows.Err(), "list pharmacy orders")
}
