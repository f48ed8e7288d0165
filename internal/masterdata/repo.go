package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same
// repository can run standalone or inside a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ItemRepo persists items in PostgreSQL.
type ItemRepo struct {
	q querier
}

// NewItemRepo constructs ItemRepo over a pool or transaction.
func NewItemRepo(q querier) *ItemRepo {
	return &ItemRepo{q: q}
}

// Get loads an item by id.
func (r *ItemRepo) Get(ctx context.Context, id int64) (Item, error) {
	var item Item
	err := r.q.QueryRow(ctx, `SELECT id, code, name, unit, current_stock, is_active, created_at, updated_at FROM items WHERE id=$1`, id).
		Scan(&item.ID, &item.Code, &item.Name, &item.Unit, &item.CurrentStock, &item.IsActive, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, fmt.Errorf("%w: item %d", shared.ErrNotFound, id)
		}
		return Item{}, err
	}
	return item, nil
}

// IsActive reports whether the item exists and is active.
func (r *ItemRepo) IsActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.q.QueryRow(ctx, `SELECT is_active FROM items WHERE id=$1`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: item %d", shared.ErrNotFound, id)
		}
		return false, err
	}
	return active, nil
}

// AdjustStock applies a relative delta to the running stock counter as a
// single UPDATE; callers never read-modify-write the counter themselves.
func (r *ItemRepo) AdjustStock(ctx context.Context, id int64, delta float64) (float64, error) {
	var balance float64
	err := r.q.QueryRow(ctx, `UPDATE items SET current_stock = current_stock + $2, updated_at = NOW() WHERE id=$1 RETURNING current_stock`, id, delta).
		Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: item %d", shared.ErrNotFound, id)
		}
		return 0, err
	}
	return balance, nil
}

// CurrentStock returns the unclamped running counter for invariant checks.
func (r *ItemRepo) CurrentStock(ctx context.Context, id int64) (float64, error) {
	var balance float64
	err := r.q.QueryRow(ctx, `SELECT current_stock FROM items WHERE id=$1`, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: item %d", shared.ErrNotFound, id)
		}
		return 0, err
	}
	return balance, nil
}

// ListIDs returns all item ids, used by the integrity scan.
func (r *ItemRepo) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.q.Query(ctx, `SELECT id FROM items ORDER BY id`)
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

// CounterpartyRepo persists customers and suppliers.
type CounterpartyRepo struct {
	q querier
}

// NewCounterpartyRepo constructs CounterpartyRepo.
func NewCounterpartyRepo(q querier) *CounterpartyRepo {
	return &CounterpartyRepo{q: q}
}

// Get loads a counterparty by id.
func (r *CounterpartyRepo) Get(ctx context.Context, id int64) (Counterparty, error) {
	var cp Counterparty
	err := r.q.QueryRow(ctx, `SELECT id, kind, code, name, tax_filer, is_active, created_at, updated_at FROM counterparties WHERE id=$1`, id).
		Scan(&cp.ID, &cp.Kind, &cp.Code, &cp.Name, &cp.TaxFiler, &cp.IsActive, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counterparty{}, fmt.Errorf("%w: counterparty %d", shared.ErrNotFound, id)
		}
		return Counterparty{}, err
	}
	return cp, nil
}

// IsActive reports whether the counterparty exists and is active.
func (r *CounterpartyRepo) IsActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.q.QueryRow(ctx, `SELECT is_active FROM counterparties WHERE id=$1`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: counterparty %d", shared.ErrNotFound, id)
		}
		return false, err
	}
	return active, nil
}
