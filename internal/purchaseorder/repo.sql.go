package purchaseorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction. db.WithTx defers
// the rollback, so a panicking callback still releases the row locks.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const orderColumns = `id, number, supplier_id, supplier_type, delivery_terms, currency, country, status,
gross_amount, item_discount_amount, subtotal_amount, order_adjustment_amount, grand_total_amount,
notes, payment_terms_description, credit_limit, down_payment_percent, payment_term_days,
order_date, created_by, modified_by, COALESCE(approved_by,0), COALESCE(approved_at,'0001-01-01'), created_at, updated_at`

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.SupplierType, &po.DeliveryTerms, &po.Currency,
		&po.Country, &po.Status, &po.GrossAmount, &po.ItemDiscountAmount, &po.SubtotalAmount,
		&po.OrderAdjustmentAmount, &po.GrandTotalAmount, &po.Notes, &po.PaymentTermsDescription,
		&po.CreditLimit, &po.DownPaymentPercent, &po.PaymentTermDays, &po.OrderDate, &po.CreatedBy,
		&po.ModifiedBy, &po.ApprovedBy, &po.ApprovedAt, &po.CreatedAt, &po.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, err
}

// GetOrder fetches one order header.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`, id))
}

func (tx *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanOrder(tx.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
}

// NextOrderNumber allocates the next PO-YYYYMMDD-NNNN number for the date.
// Runs inside the order-creation transaction so the sequence has no gaps
// within a committed batch.
func (tx *txRepo) NextOrderNumber(ctx context.Context, date time.Time) (string, error) {
	prefix := "PO-" + date.Format("20060102") + "-"
	var last string
	err := tx.tx.QueryRow(ctx, `SELECT number FROM purchase_orders WHERE number LIKE $1 ORDER BY number DESC LIMIT 1 FOR UPDATE`, prefix+"%").Scan(&last)
	seq := 1
	switch {
	case err == nil:
		fmt.Sscanf(strings.TrimPrefix(last, prefix), "%d", &seq)
		seq++
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return "", err
	}
	return fmt.Sprintf("%s%04d", prefix, seq), nil
}

func (tx *txRepo) CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_orders
(number, supplier_id, supplier_type, delivery_terms, currency, country, status,
 gross_amount, item_discount_amount, subtotal_amount, order_adjustment_amount, grand_total_amount,
 notes, payment_terms_description, credit_limit, down_payment_percent, payment_term_days,
 order_date, created_by, modified_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,0,0,0,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW()) RETURNING id`,
		po.Number, po.SupplierID, po.SupplierType, po.DeliveryTerms, po.Currency, po.Country, po.Status,
		po.Notes, po.PaymentTermsDescription, po.CreditLimit, po.DownPaymentPercent, po.PaymentTermDays,
		po.OrderDate, po.CreatedBy, po.ModifiedBy).Scan(&id)
	return id, err
}

func (tx *txRepo) UpdateOrderStatus(ctx context.Context, id int64, status Status) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

func (tx *txRepo) SetOrderApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET approved_by=$1, approved_at=$2, updated_at=NOW() WHERE id=$3`, nullInt(approvedBy), approvedAt, id)
	return err
}

func (tx *txRepo) UpdateOrderTotals(ctx context.Context, id int64, totals Totals) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET
gross_amount=$1, item_discount_amount=$2, subtotal_amount=$3, order_adjustment_amount=$4, grand_total_amount=$5, updated_at=NOW()
WHERE id=$6`, totals.Gross, totals.ItemDiscount, totals.Subtotal, totals.OrderAdjustment, totals.GrandTotal, id)
	return err
}

const itemColumns = `id, order_id, catalog_id, description, unit, quantity, unit_price,
discount_type, discount_value, discount_amount, line_total, quantity_received, ready_date, batch_number, COALESCE(split_source_id,0), notes`

func scanItems(rows pgx.Rows) ([]OrderItem, error) {
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.CatalogID, &item.Description, &item.Unit,
			&item.Quantity, &item.UnitPrice, &item.DiscountType, &item.DiscountValue, &item.DiscountAmount,
			&item.LineTotal, &item.QuantityReceived, &item.ReadyDate, &item.BatchNumber, &item.SplitSourceID, &item.Notes); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const listItemsSQL = `SELECT ` + itemColumns + ` FROM purchase_order_items WHERE order_id=$1 ORDER BY id`

// ListItems returns the order's line items.
func (r *Repository) ListItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	rows, err := r.pool.Query(ctx, listItemsSQL, orderID)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (tx *txRepo) ListItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	rows, err := tx.tx.Query(ctx, listItemsSQL, orderID)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (tx *txRepo) InsertItem(ctx context.Context, item OrderItem) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_order_items
(order_id, catalog_id, description, unit, quantity, unit_price, discount_type, discount_value,
 discount_amount, line_total, quantity_received, ready_date, batch_number, split_source_id, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		item.OrderID, item.CatalogID, item.Description, item.Unit, item.Quantity, item.UnitPrice,
		item.DiscountType, item.DiscountValue, item.DiscountAmount, item.LineTotal,
		item.QuantityReceived, item.ReadyDate, item.BatchNumber, nullInt(item.SplitSourceID), item.Notes).Scan(&id)
	return id, err
}

func (tx *txRepo) UpdateItem(ctx context.Context, item OrderItem) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_order_items SET
catalog_id=$1, description=$2, unit=$3, quantity=$4, unit_price=$5, discount_type=$6, discount_value=$7,
discount_amount=$8, line_total=$9, notes=$10 WHERE id=$11`,
		item.CatalogID, item.Description, item.Unit, item.Quantity, item.UnitPrice,
		item.DiscountType, item.DiscountValue, item.DiscountAmount, item.LineTotal, item.Notes, item.ID)
	return err
}

func (tx *txRepo) DeleteItem(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `DELETE FROM purchase_order_items WHERE id=$1`, id)
	return err
}

// ClearItemBatches removes clone rows from a previous split and resets
// batch assignments on the originals.
func (tx *txRepo) ClearItemBatches(ctx context.Context, orderID int64) error {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM purchase_order_items WHERE order_id=$1 AND split_source_id IS NOT NULL`, orderID); err != nil {
		return err
	}
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_order_items SET batch_number=0, ready_date=NULL WHERE order_id=$1`, orderID)
	return err
}

func (tx *txRepo) UpdateItemSplit(ctx context.Context, item OrderItem) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_order_items SET
quantity=$1, discount_amount=$2, line_total=$3, ready_date=$4, batch_number=$5 WHERE id=$6`,
		item.Quantity, item.DiscountAmount, item.LineTotal, item.ReadyDate, item.BatchNumber, item.ID)
	return err
}

const chargeColumns = `id, order_id, description, is_percentage, value, is_deduction`

func scanCharges(rows pgx.Rows) ([]DiscountCharge, error) {
	defer rows.Close()
	var charges []DiscountCharge
	for rows.Next() {
		var dc DiscountCharge
		if err := rows.Scan(&dc.ID, &dc.OrderID, &dc.Description, &dc.IsPercentage, &dc.Value, &dc.IsDeduction); err != nil {
			return nil, err
		}
		charges = append(charges, dc)
	}
	return charges, rows.Err()
}

const listChargesSQL = `SELECT ` + chargeColumns + ` FROM po_discount_charges WHERE order_id=$1 ORDER BY id`

// ListDiscountCharges returns order-level adjustments.
func (r *Repository) ListDiscountCharges(ctx context.Context, orderID int64) ([]DiscountCharge, error) {
	rows, err := r.pool.Query(ctx, listChargesSQL, orderID)
	if err != nil {
		return nil, err
	}
	return scanCharges(rows)
}

func (tx *txRepo) ListDiscountCharges(ctx context.Context, orderID int64) ([]DiscountCharge, error) {
	rows, err := tx.tx.Query(ctx, listChargesSQL, orderID)
	if err != nil {
		return nil, err
	}
	return scanCharges(rows)
}

func (tx *txRepo) InsertDiscountCharge(ctx context.Context, dc DiscountCharge) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_discount_charges (order_id, description, is_percentage, value, is_deduction)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, dc.OrderID, dc.Description, dc.IsPercentage, dc.Value, dc.IsDeduction).Scan(&id)
	return id, err
}

func (tx *txRepo) UpdateDiscountCharge(ctx context.Context, dc DiscountCharge) error {
	_, err := tx.tx.Exec(ctx, `UPDATE po_discount_charges SET description=$1, is_percentage=$2, value=$3, is_deduction=$4 WHERE id=$5`,
		dc.Description, dc.IsPercentage, dc.Value, dc.IsDeduction, dc.ID)
	return err
}

func (tx *txRepo) DeleteDiscountCharge(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `DELETE FROM po_discount_charges WHERE id=$1`, id)
	return err
}

const routeColumns = `id, order_id, seq, step_kind, batch_number, required, access, roles, completed, completed_at, COALESCE(completed_by,0)`

func scanRoute(rows pgx.Rows) ([]RouteStep, error) {
	defer rows.Close()
	var steps []RouteStep
	for rows.Next() {
		var step RouteStep
		if err := rows.Scan(&step.ID, &step.OrderID, &step.Seq, &step.Ref.Kind, &step.Ref.Batch,
			&step.Required, &step.Access, &step.Roles, &step.Completed, &step.CompletedAt, &step.CompletedBy); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

const listRouteSQL = `SELECT ` + routeColumns + ` FROM po_route_steps WHERE order_id=$1 ORDER BY seq`

// ListRoute returns the approval route ordered by sequence.
func (r *Repository) ListRoute(ctx context.Context, orderID int64) ([]RouteStep, error) {
	rows, err := r.pool.Query(ctx, listRouteSQL, orderID)
	if err != nil {
		return nil, err
	}
	return scanRoute(rows)
}

func (tx *txRepo) ListRoute(ctx context.Context, orderID int64) ([]RouteStep, error) {
	rows, err := tx.tx.Query(ctx, listRouteSQL, orderID)
	if err != nil {
		return nil, err
	}
	return scanRoute(rows)
}

func (tx *txRepo) InsertRouteSteps(ctx context.Context, steps []RouteStep) error {
	for _, step := range steps {
		if _, err := tx.tx.Exec(ctx, `INSERT INTO po_route_steps
(order_id, seq, step_kind, batch_number, required, access, roles, completed)
VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE)`,
			step.OrderID, step.Seq, step.Ref.Kind, step.Ref.Batch, step.Required, step.Access, step.Roles); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txRepo) CompleteStep(ctx context.Context, stepID int64, actorID int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE po_route_steps SET completed=TRUE, completed_at=$1, completed_by=$2 WHERE id=$3`, at, actorID, stepID)
	return err
}

func (tx *txRepo) ResetStep(ctx context.Context, stepID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE po_route_steps SET completed=FALSE, completed_at=NULL, completed_by=NULL WHERE id=$1`, stepID)
	return err
}

const dpColumns = `id, order_id, amount_paid, remarks, slip_ref`

func scanDownPayment(row pgx.Row) (DownPayment, error) {
	var dp DownPayment
	err := row.Scan(&dp.ID, &dp.OrderID, &dp.AmountPaid, &dp.Remarks, &dp.SlipRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return DownPayment{}, ErrNotFound
	}
	return dp, err
}

// GetDownPayment returns the order's down payment, if submitted.
func (r *Repository) GetDownPayment(ctx context.Context, orderID int64) (DownPayment, error) {
	return scanDownPayment(r.pool.QueryRow(ctx, `SELECT `+dpColumns+` FROM po_down_payments WHERE order_id=$1`, orderID))
}

func (tx *txRepo) GetDownPayment(ctx context.Context, orderID int64) (DownPayment, error) {
	return scanDownPayment(tx.tx.QueryRow(ctx, `SELECT `+dpColumns+` FROM po_down_payments WHERE order_id=$1`, orderID))
}

func (tx *txRepo) UpsertDownPayment(ctx context.Context, dp DownPayment) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_down_payments (order_id, amount_paid, remarks, slip_ref, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW())
ON CONFLICT (order_id) DO UPDATE SET amount_paid=EXCLUDED.amount_paid, remarks=EXCLUDED.remarks, slip_ref=EXCLUDED.slip_ref, updated_at=NOW()
RETURNING id`, dp.OrderID, dp.AmountPaid, dp.Remarks, dp.SlipRef).Scan(&id)
	return id, err
}

const plColumns = `id, order_id, batch_number, total_weight, total_packages, total_volume, document_ref, approved`

func scanPackingList(row pgx.Row) (PackingList, error) {
	var pl PackingList
	err := row.Scan(&pl.ID, &pl.OrderID, &pl.BatchNumber, &pl.TotalWeight, &pl.TotalPackages,
		&pl.TotalVolume, &pl.DocumentRef, &pl.Approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return PackingList{}, ErrNotFound
	}
	return pl, err
}

// ListPackingLists returns the order's packing lists in batch order.
func (r *Repository) ListPackingLists(ctx context.Context, orderID int64) ([]PackingList, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+plColumns+` FROM po_packing_lists WHERE order_id=$1 ORDER BY batch_number`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lists []PackingList
	for rows.Next() {
		pl, err := scanPackingList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, pl)
	}
	return lists, rows.Err()
}

func (tx *txRepo) GetPackingList(ctx context.Context, orderID int64, batch int) (PackingList, error) {
	return scanPackingList(tx.tx.QueryRow(ctx, `SELECT `+plColumns+` FROM po_packing_lists WHERE order_id=$1 AND batch_number=$2`, orderID, batch))
}

func (tx *txRepo) InsertPackingList(ctx context.Context, pl PackingList) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_packing_lists
(order_id, batch_number, total_weight, total_packages, total_volume, document_ref, approved, created_at)
VALUES ($1,$2,$3,$4,$5,$6,FALSE,NOW()) RETURNING id`,
		pl.OrderID, pl.BatchNumber, pl.TotalWeight, pl.TotalPackages, pl.TotalVolume, pl.DocumentRef).Scan(&id)
	return id, err
}

func (tx *txRepo) SetPackingListApproved(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE po_packing_lists SET approved=TRUE WHERE id=$1`, id)
	return err
}

func (tx *txRepo) DeletePackingList(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `DELETE FROM po_packing_lists WHERE id=$1`, id)
	return err
}

func (tx *txRepo) InsertPaymentDocument(ctx context.Context, doc PaymentDocument) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_payment_documents (order_id, batch_number, document_ref, created_at)
VALUES ($1,$2,$3,NOW()) RETURNING id`, doc.OrderID, doc.BatchNumber, doc.DocumentRef).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertInvoiceDocument(ctx context.Context, doc InvoiceDocument) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO po_invoice_documents (order_id, batch_number, document_ref, created_at)
VALUES ($1,$2,$3,NOW()) RETURNING id`, doc.OrderID, doc.BatchNumber, doc.DocumentRef).Scan(&id)
	return id, err
}

// ListOrders returns a paginated, filtered listing with the total row count.
func (r *Repository) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error) {
	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.Status != "" {
		where = append(where, "po.status="+arg(filters.Status))
	}
	if filters.SupplierID != 0 {
		where = append(where, "po.supplier_id="+arg(filters.SupplierID))
	}
	if filters.Search != "" {
		p := arg("%" + filters.Search + "%")
		where = append(where, "(po.number ILIKE "+p+" OR s.name ILIKE "+p+")")
	}
	cond := strings.Join(where, " AND ")

	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders po LEFT JOIN suppliers s ON s.id=po.supplier_id WHERE `+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	sortCol := map[string]string{
		"number":      "po.number",
		"order_date":  "po.order_date",
		"grand_total": "po.grand_total_amount",
		"status":      "po.status",
	}[filters.SortBy]
	if sortCol == "" {
		sortCol = "po.created_at"
	}
	dir := "DESC"
	if strings.EqualFold(filters.SortDir, "asc") {
		dir = "ASC"
	}

	query := `SELECT po.id, po.number, po.supplier_id, COALESCE(s.name,''), po.status, po.currency,
po.grand_total_amount, po.order_date, po.created_at
FROM purchase_orders po LEFT JOIN suppliers s ON s.id=po.supplier_id
WHERE ` + cond + ` ORDER BY ` + sortCol + ` ` + dir + ` LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []OrderListItem
	for rows.Next() {
		var row OrderListItem
		if err := rows.Scan(&row.ID, &row.Number, &row.SupplierID, &row.SupplierName, &row.Status,
			&row.Currency, &row.GrandTotal, &row.OrderDate, &row.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
