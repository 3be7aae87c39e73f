package inventory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-transfer/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the ledger. Every read
// that feeds a mutation takes a row lock.
type TxRepository interface {
	// LockItems locks the given rows in (warehouse, product) order, creating
	// zero rows where none exist yet.
	LockItems(ctx context.Context, keys []Key) ([]Item, error)
	GetItemForUpdate(ctx context.Context, warehouseID, productID int64) (Item, error)
	SaveItem(ctx context.Context, item Item) error
	InsertLog(ctx context.Context, log Log) error
	// LockStoreStock locks every active store warehouse row holding one of the
	// products, skipping the excluded store.
	LockStoreStock(ctx context.Context, productIDs []int64, excludeStoreID int64) ([]StoreStock, error)
}

type txRepository struct {
	q db.Querier
}

// NewTxRepository binds the ledger statements to an open transaction owned by
// another module.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepository{q: q}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{q: tx})
	})
}

// GetItem reads a row without locking. Missing rows read as zero.
func (r *Repository) GetItem(ctx context.Context, warehouseID, productID int64) (Item, error) {
	item, err := scanItem(r.pool.QueryRow(ctx, `SELECT warehouse_id, product_id, quantity, reserved_quantity, updated_at
FROM inventory_items WHERE warehouse_id=$1 AND product_id=$2`, warehouseID, productID))
	if errors.Is(err, ErrItemNotFound) {
		return Item{WarehouseID: warehouseID, ProductID: productID}, nil
	}
	return item, err
}

// ListStoreStock reads store warehouse stock for a product without locking,
// used for allocation previews.
func (r *Repository) ListStoreStock(ctx context.Context, productID, excludeStoreID int64) ([]StoreStock, error) {
	rows, err := r.pool.Query(ctx, storeStockQuery, []int64{productID}, excludeStoreID)
	if err != nil {
		return nil, err
	}
	return collectStoreStock(rows)
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

// ListLogs returns the audit trail of one inventory row.
func (r *Repository) ListLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, warehouse_id, product_id, movement, previous_quantity, new_quantity,
       previous_reserved, new_reserved, reason, ref_module, COALESCE(ref_id::text, ''), COALESCE(actor_id, 0), created_at
FROM inventory_logs
WHERE warehouse_id=$1 AND product_id=$2 AND created_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $5`, filter.WarehouseID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	logs := []Log{}
	for rows.Next() {
		var l Log
		var movement string
		if err := rows.Scan(&l.ID, &l.WarehouseID, &l.ProductID, &movement, &l.PreviousQuantity, &l.NewQuantity,
			&l.PreviousReserved, &l.NewReserved, &l.Reason, &l.RefModule, &l.RefID, &l.ActorID, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Movement = MovementType(movement)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *txRepository) LockItems(ctx context.Context, keys []Key) ([]Item, error) {
	sorted := SortKeys(keys)
	items := make([]Item, 0, len(sorted))
	for _, k := range sorted {
		if _, err := r.q.Exec(ctx, `INSERT INTO inventory_items (warehouse_id, product_id, quantity, reserved_quantity, updated_at)
VALUES ($1, $2, 0, 0, NOW()) ON CONFLICT (warehouse_id, product_id) DO NOTHING`, k.WarehouseID, k.ProductID); err != nil {
			return nil, err
		}
		item, err := r.GetItemForUpdate(ctx, k.WarehouseID, k.ProductID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *txRepository) GetItemForUpdate(ctx context.Context, warehouseID, productID int64) (Item, error) {
	item, err := scanItem(r.q.QueryRow(ctx, `SELECT warehouse_id, product_id, quantity, reserved_quantity, updated_at
FROM inventory_items WHERE warehouse_id=$1 AND product_id=$2 FOR UPDATE`, warehouseID, productID))
	if errors.Is(err, ErrItemNotFound) {
		return Item{WarehouseID: warehouseID, ProductID: productID}, ErrItemNotFound
	}
	return item, err
}

func (r *txRepository) SaveItem(ctx context.Context, item Item) error {
	_, err := r.q.Exec(ctx, `INSERT INTO inventory_items (warehouse_id, product_id, quantity, reserved_quantity, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (warehouse_id, product_id) DO UPDATE SET quantity=EXCLUDED.quantity, reserved_quantity=EXCLUDED.reserved_quantity, updated_at=NOW()`,
		item.WarehouseID, item.ProductID, item.Quantity, item.ReservedQuantity)
	return err
}

func (r *txRepository) InsertLog(ctx context.Context, log Log) error {
	_, err := r.q.Exec(ctx, `INSERT INTO inventory_logs (warehouse_id, product_id, movement, previous_quantity, new_quantity,
    previous_reserved, new_reserved, reason, ref_module, ref_id, actor_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, log.WarehouseID, log.ProductID, string(log.Movement), log.PreviousQuantity,
		log.NewQuantity, log.PreviousReserved, log.NewReserved, log.Reason, log.RefModule, nullUUID(log.RefID), nullInt(log.ActorID), log.CreatedAt)
	return err
}

const storeStockQuery = `SELECT i.warehouse_id, w.store_id, i.product_id, i.quantity, i.reserved_quantity
FROM inventory_items i
JOIN warehouses w ON w.id = i.warehouse_id
WHERE w.active AND w.store_id IS NOT NULL AND w.store_id <> $2 AND i.product_id = ANY($1)
ORDER BY i.warehouse_id, i.product_id`

func (r *txRepository) LockStoreStock(ctx context.Context, productIDs []int64, excludeStoreID int64) ([]StoreStock, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, storeStockQuery+`
FOR UPDATE OF i`, productIDs, excludeStoreID)
	if err != nil {
		return nil, err
	}
	return collectStoreStock(rows)
}

func collectStoreStock(rows pgx.Rows) ([]StoreStock, error) {
	defer rows.Close()
	var stock []StoreStock
	for rows.Next() {
		var s StoreStock
		if err := rows.Scan(&s.WarehouseID, &s.StoreID, &s.ProductID, &s.Quantity, &s.Reserved); err != nil {
			return nil, err
		}
		stock = append(stock, s)
	}
	return stock, rows.Err()
}

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	if err := row.Scan(&item.WarehouseID, &item.ProductID, &item.Quantity, &item.ReservedQuantity, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	return item, nil
}

// SortKeys returns a de-duplicated copy of keys in lock order.
func SortKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WarehouseID != out[j].WarehouseID {
			return out[i].WarehouseID < out[j].WarehouseID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullUUID(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
