package warehouses

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Get(ctx context.Context, id int64) (Warehouse, error)
	ByStore(ctx context.Context, storeID int64) (Warehouse, error)
	Master(ctx context.Context) (Warehouse, error)
	ListActiveStores(ctx context.Context) ([]Warehouse, error)
	UpdateParent(ctx context.Context, id int64, parentID *int64) error
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const columns = `id, code, name, store_id, parent_id, is_master, active, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id int64) (Warehouse, error) {
	return scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM warehouses WHERE id=$1`, id))
}

func (r *repository) ByStore(ctx context.Context, storeID int64) (Warehouse, error) {
	w, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM warehouses WHERE store_id=$1 AND active`, storeID))
	if errors.Is(err, ErrNotFound) {
		return Warehouse{}, ErrStoreWarehouseNotFound
	}
	return w, err
}

func (r *repository) Master(ctx context.Context) (Warehouse, error) {
	return scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM warehouses WHERE is_master ORDER BY id LIMIT 1`))
}

func (r *repository) ListActiveStores(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM warehouses WHERE active AND store_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Warehouse
	for rows.Next() {
		w, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *repository) UpdateParent(ctx context.Context, id int64, parentID *int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE warehouses SET parent_id=$2, updated_at=NOW() WHERE id=$1`, id, parentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scan(row pgx.Row) (Warehouse, error) {
	var w Warehouse
	err := row.Scan(&w.ID, &w.Code, &w.Name, &w.StoreID, &w.ParentID, &w.IsMaster, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, ErrNotFound
		}
		return Warehouse{}, err
	}
	return w, nil
}
