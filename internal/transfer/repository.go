package transfer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/platform/db"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

// Repository provides PostgreSQL backed persistence for transfer requests.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Inventory, Debts and
// Shipments share the same transaction.
type TxRepository interface {
	InsertRequest(ctx context.Context, req Request) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Request, error)
	UpdateRequest(ctx context.Context, req Request) error
	UpdateItemFulfilled(ctx context.Context, itemID, fulfilled int64) error
	Inventory() inventory.TxRepository
	Debts() debt.TxRepository
	Shipments() shipment.TxRepository
}

type txRepo struct {
	q db.Querier
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

const requestColumns = `id, code, store_id, destination_warehouse_id, source_warehouse_id, status, note, rejected_reason,
COALESCE(created_by, 0), approved_by, approved_at, fulfilled_at, created_at, updated_at`

// Get loads a request with its items.
func (r *Repository) Get(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id=$1`, id))
	if err != nil {
		return Request{}, err
	}
	req.Items, err = loadItems(ctx, r.pool, id)
	return req, err
}

// List returns requests newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM transfer_requests
WHERE ($1 = 0 OR store_id = $1) AND ($2 = '' OR status = $2)
ORDER BY id DESC
LIMIT $3`, filter.StoreID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Items, err = loadItems(ctx, r.pool, list[i].ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.NewTxRepository(t.q)
}

func (t *txRepo) Debts() debt.TxRepository {
	return debt.NewTxRepository(t.q)
}

func (t *txRepo) Shipments() shipment.TxRepository {
	return shipment.NewTxRepository(t.q)
}

func (t *txRepo) InsertRequest(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO transfer_requests
(code, store_id, destination_warehouse_id, status, note, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, $7) RETURNING id`,
		req.Code, req.StoreID, req.DestinationWarehouseID, string(req.Status), req.Note, req.CreatedBy, req.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO transfer_request_items (transfer_request_id, product_id, requested_quantity, fulfilled_quantity)
VALUES ($1, $2, $3, $4) RETURNING id`, item.TransferRequestID, item.ProductID, item.RequestedQuantity, item.FulfilledQuantity).Scan(&id)
	return id, err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(t.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Request{}, err
	}
	req.Items, err = loadItems(ctx, t.q, id)
	return req, err
}

func (t *txRepo) UpdateRequest(ctx context.Context, req Request) error {
	tag, err := t.q.Exec(ctx, `UPDATE transfer_requests
SET status=$2, source_warehouse_id=$3, rejected_reason=$4, approved_by=$5, approved_at=$6, fulfilled_at=$7, updated_at=NOW()
WHERE id=$1`, req.ID, string(req.Status), req.SourceWarehouseID, req.RejectedReason, req.ApprovedBy, req.ApprovedAt, req.FulfilledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) UpdateItemFulfilled(ctx context.Context, itemID, fulfilled int64) error {
	_, err := t.q.Exec(ctx, `UPDATE transfer_request_items SET fulfilled_quantity=$2 WHERE id=$1`, itemID, fulfilled)
	return err
}

func loadItems(ctx context.Context, q db.Querier, requestID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_request_id, product_id, requested_quantity, fulfilled_quantity
FROM transfer_request_items WHERE transfer_request_id=$1 ORDER BY product_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.TransferRequestID, &item.ProductID, &item.RequestedQuantity, &item.FulfilledQuantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var status string
	if err := row.Scan(&req.ID, &req.Code, &req.StoreID, &req.DestinationWarehouseID, &req.SourceWarehouseID, &status,
		&req.Note, &req.RejectedReason, &req.CreatedBy, &req.ApprovedBy, &req.ApprovedAt, &req.FulfilledAt,
		&req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	req.Status = Status(status)
	return req, nil
}
