package shipment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for internal shipments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertShipment(ctx context.Context, s Shipment) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	InsertTracking(ctx context.Context, entry TrackingEntry) error
	GetForUpdate(ctx context.Context, id int64) (Shipment, error)
	UpdateStatus(ctx context.Context, id int64, status Status, deliveredAt *time.Time) error
	SetCourierOrder(ctx context.Context, id int64, result OrderResult) error
	Inventory() inventory.TxRepository
}

type txRepo struct {
	q db.Querier
}

// NewTxRepository binds shipment statements to a transaction owned by another module.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepo{q: q}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

const shipmentColumns = `id, code, transfer_request_id, source_warehouse_id, destination_warehouse_id,
COALESCE(courier_order_code, ''), status, total_fee::text, expected_delivery_time, delivered_at, created_at, updated_at`

// Get loads a shipment with items and tracking history.
func (r *Repository) Get(ctx context.Context, id int64) (Shipment, error) {
	s, err := scanShipment(r.pool.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM internal_shipments WHERE id=$1`, id))
	if err != nil {
		return Shipment{}, err
	}
	if s.Items, err = loadItems(ctx, r.pool, id); err != nil {
		return Shipment{}, err
	}
	s.Tracking, err = loadTracking(ctx, r.pool, id)
	return s, err
}

// ListByTransfer returns every shipment of a transfer request ordered by source.
func (r *Repository) ListByTransfer(ctx context.Context, transferRequestID int64) ([]Shipment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+shipmentColumns+` FROM internal_shipments
WHERE transfer_request_id=$1 ORDER BY source_warehouse_id, id`, transferRequestID)
	if err != nil {
		return nil, err
	}
	list, err := collectShipments(rows)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Items, err = loadItems(ctx, r.pool, list[i].ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// ListOpen returns ids of non-terminal shipments, oldest first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM internal_shipments
WHERE status NOT IN ($1, $2, $3) ORDER BY updated_at, id LIMIT $4`,
		string(StatusDelivered), string(StatusCancelled), string(StatusReturn), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.NewTxRepository(t.q)
}

func (t *txRepo) InsertShipment(ctx context.Context, s Shipment) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO internal_shipments
(code, transfer_request_id, source_warehouse_id, destination_warehouse_id, status, total_fee, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $7) RETURNING id`,
		s.Code, s.TransferRequestID, s.SourceWarehouseID, s.DestinationWarehouseID, string(s.Status),
		s.TotalFee.StringFixed(2), s.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO internal_shipment_items (shipment_id, product_id, quantity)
VALUES ($1, $2, $3) RETURNING id`, item.ShipmentID, item.ProductID, item.Quantity).Scan(&id)
	return id, err
}

func (t *txRepo) InsertTracking(ctx context.Context, entry TrackingEntry) error {
	_, err := t.q.Exec(ctx, `INSERT INTO internal_shipment_tracking (shipment_id, status, description, created_at)
VALUES ($1, $2, $3, $4)`, entry.ShipmentID, string(entry.Status), entry.Description, entry.CreatedAt)
	return err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Shipment, error) {
	s, err := scanShipment(t.q.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM internal_shipments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Shipment{}, err
	}
	s.Items, err = loadItems(ctx, t.q, id)
	return s, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, deliveredAt *time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE internal_shipments SET status=$2, delivered_at=COALESCE($3, delivered_at), updated_at=NOW()
WHERE id=$1`, id, string(status), deliveredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetCourierOrder(ctx context.Context, id int64, result OrderResult) error {
	var eta *time.Time
	if !result.ExpectedDelivery.IsZero() {
		eta = &result.ExpectedDelivery
	}
	tag, err := t.q.Exec(ctx, `UPDATE internal_shipments
SET courier_order_code=$2, total_fee=$3::numeric, expected_delivery_time=$4, updated_at=NOW()
WHERE id=$1`, id, result.OrderCode, result.Fee.StringFixed(2), eta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func loadItems(ctx context.Context, q db.Querier, shipmentID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, shipment_id, product_id, quantity
FROM internal_shipment_items WHERE shipment_id=$1 ORDER BY product_id, id`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.ShipmentID, &item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func loadTracking(ctx context.Context, q db.Querier, shipmentID int64) ([]TrackingEntry, error) {
	rows, err := q.Query(ctx, `SELECT id, shipment_id, status, description, created_at
FROM internal_shipment_tracking WHERE shipment_id=$1 ORDER BY created_at, id`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []TrackingEntry
	for rows.Next() {
		var entry TrackingEntry
		var status string
		if err := rows.Scan(&entry.ID, &entry.ShipmentID, &status, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanShipment(row pgx.Row) (Shipment, error) {
	var s Shipment
	var status, fee string
	if err := row.Scan(&s.ID, &s.Code, &s.TransferRequestID, &s.SourceWarehouseID, &s.DestinationWarehouseID,
		&s.CourierOrderCode, &status, &fee, &s.ExpectedDeliveryTime, &s.DeliveredAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, ErrNotFound
		}
		return Shipment{}, err
	}
	s.Status = Status(status)
	amount, err := decimal.NewFromString(fee)
	if err != nil {
		return Shipment{}, err
	}
	s.TotalFee = amount
	return s, nil
}

func collectShipments(rows pgx.Rows) ([]Shipment, error) {
	defer rows.Close()
	list := []Shipment{}
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
