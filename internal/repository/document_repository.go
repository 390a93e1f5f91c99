package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-p2p-coordinator/internal/database"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// DocumentRepository reads the invoices, purchase orders and goods receipts
// that matching compares.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// GetInvoice retrieves an invoice by ID with all lines.
func (r *DocumentRepository) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv := &domain.Invoice{}

	query := `
		SELECT id, invoice_number, po_id, grn_id, department, amount, fraud_flag
		FROM invoices
		WHERE id = $1
	`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&inv.ID,
		&inv.Number,
		&inv.POID,
		&inv.GRNID,
		&inv.Department,
		&inv.Amount,
		&inv.FraudFlag,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("invoice", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get invoice")
	}

	rows, err := r.db.Query(ctx, `
		SELECT line_number, item_code, quantity, amount
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_number ASC
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get invoice lines")
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.InvoiceLine
		if err := rows.Scan(&l.LineNumber, &l.ItemCode, &l.Quantity, &l.Amount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan invoice line")
		}
		inv.Lines = append(inv.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read invoice lines")
	}
	return inv, nil
}

// GetPurchaseOrder retrieves a purchase order with its lines.
func (r *DocumentRepository) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	po := &domain.PurchaseOrder{}

	err := r.db.QueryRow(ctx, `SELECT id, amount FROM purchase_orders WHERE id = $1`, id).Scan(&po.ID, &po.Amount)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase_order", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order")
	}

	rows, err := r.db.Query(ctx, `
		SELECT line_number, item_code, quantity
		FROM purchase_order_lines
		WHERE po_id = $1
		ORDER BY line_number ASC
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order lines")
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.LineNumber, &l.ItemCode, &l.Quantity); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan purchase order line")
		}
		po.Lines = append(po.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read purchase order lines")
	}
	return po, nil
}

// GetGoodsReceipt retrieves a goods receipt with its lines.
func (r *DocumentRepository) GetGoodsReceipt(ctx context.Context, id string) (*domain.GoodsReceipt, error) {
	grn := &domain.GoodsReceipt{}

	err := r.db.QueryRow(ctx, `SELECT id, po_id FROM goods_receipts WHERE id = $1`, id).Scan(&grn.ID, &grn.POID)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("goods_receipt", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get goods receipt")
	}

	rows, err := r.db.Query(ctx, `
		SELECT line_number, item_code, received_quantity
		FROM goods_receipt_lines
		WHERE grn_id = $1
		ORDER BY line_number ASC
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get goods receipt lines")
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.ReceiptLine
		if err := rows.Scan(&l.LineNumber, &l.ItemCode, &l.ReceivedQuantity); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan goods receipt line")
		}
		grn.Lines = append(grn.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read goods receipt lines")
	}
	return grn, nil
}
