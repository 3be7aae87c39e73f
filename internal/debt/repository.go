package debt

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/platform/db"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Repository provides PostgreSQL backed persistence for debt orders.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertOrder(ctx context.Context, order Order) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	// ListPendingForUpdate locks every PENDING order in id order.
	ListPendingForUpdate(ctx context.Context) ([]Order, error)
	UpdateStatus(ctx context.Context, id int64, status Status, fulfilledAt *time.Time) error
	UpdateItemFulfilled(ctx context.Context, itemID, fulfilled int64) error
	Inventory() inventory.TxRepository
}

type txRepo struct {
	q db.Querier
}

// NewTxRepository binds debt statements to a transaction owned by another module.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepo{q: q}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

const orderColumns = `id, transfer_request_id, destination_warehouse_id, status, created_at, updated_at, fulfilled_at`

// Get retrieves a debt order with its items.
func (r *Repository) Get(ctx context.Context, id int64) (Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM debt_orders WHERE id=$1`, id))
	if err != nil {
		return Order{}, err
	}
	order.Items, err = loadItems(ctx, r.pool, id)
	return order, err
}

// GetByTransfer retrieves the debt order of a transfer request.
func (r *Repository) GetByTransfer(ctx context.Context, transferRequestID int64) (Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM debt_orders WHERE transfer_request_id=$1`, transferRequestID))
	if err != nil {
		return Order{}, err
	}
	order.Items, err = loadItems(ctx, r.pool, order.ID)
	return order, err
}

// List returns debt orders newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM debt_orders
WHERE ($1 = '' OR status = $1)
ORDER BY id DESC
LIMIT $2`, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].Items, err = loadItems(ctx, r.pool, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return inventory.NewTxRepository(t.q)
}

func (t *txRepo) InsertOrder(ctx context.Context, order Order) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO debt_orders (transfer_request_id, destination_warehouse_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4) RETURNING id`, order.TransferRequestID, order.DestinationWarehouseID, string(order.Status), order.CreatedAt).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO debt_items (debt_order_id, product_id, owed_quantity, fulfilled_quantity)
VALUES ($1, $2, $3, $4) RETURNING id`, item.DebtOrderID, item.ProductID, item.OwedQuantity, item.FulfilledQuantity).Scan(&id)
	return id, err
}

func (t *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	order, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM debt_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Order{}, err
	}
	order.Items, err = loadItems(ctx, t.q, id)
	return order, err
}

func (t *txRepo) ListPendingForUpdate(ctx context.Context) ([]Order, error) {
	rows, err := t.q.Query(ctx, `SELECT `+orderColumns+` FROM debt_orders WHERE status=$1 ORDER BY id FOR UPDATE`, string(StatusPending))
	if err != nil {
		return nil, err
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].Items, err = loadItems(ctx, t.q, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, fulfilledAt *time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE debt_orders SET status=$2, fulfilled_at=COALESCE($3, fulfilled_at), updated_at=NOW() WHERE id=$1`, id, string(status), fulfilledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) UpdateItemFulfilled(ctx context.Context, itemID, fulfilled int64) error {
	_, err := t.q.Exec(ctx, `UPDATE debt_items SET fulfilled_quantity=$2 WHERE id=$1`, itemID, fulfilled)
	return err
}

func loadItems(ctx context.Context, q db.Querier, orderID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, debt_order_id, product_id, owed_quantity, fulfilled_quantity
FROM debt_items WHERE debt_order_id=$1 ORDER BY product_id, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.DebtOrderID, &item.ProductID, &item.OwedQuantity, &item.FulfilledQuantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var order Order
	var status string
	if err := row.Scan(&order.ID, &order.TransferRequestID, &order.DestinationWarehouseID, &status,
		&order.CreatedAt, &order.UpdatedAt, &order.FulfilledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	order.Status = Status(status)
	return order, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	orders := []Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
