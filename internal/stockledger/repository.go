package stockledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewind-erp/tradewind-erp/internal/masterdata"
	"github.com/tradewind-erp/tradewind-erp/internal/platform/db"
)

// Repository persists stock movements in PostgreSQL. Movements are indexed by
// (item_id, movement_date) and (reference_type, reference_id).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stockledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// NewTxRepository adapts an existing transaction, letting another module run
// ledger writes inside its own atomic unit.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *Repository) ListByItem(ctx context.Context, itemID int64, until time.Time) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, item_id, movement_type, quantity, reference_type, reference_id, batch_number, batch_manufactured_at, batch_expires_at, movement_date, COALESCE(created_by, 0), created_at
FROM stock_movements WHERE item_id=$1 AND movement_date <= $2 ORDER BY movement_date ASC, id ASC`, itemID, until)
	if err != nil {
		return nil, err
	}
	return scanMovements(rows)
}

func (r *Repository) ListByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, listByReferenceSQL, string(refType), refID)
	if err != nil {
		return nil, err
	}
	return scanMovements(rows)
}

const listByReferenceSQL = `SELECT id, item_id, movement_type, quantity, reference_type, reference_id, batch_number, batch_manufactured_at, batch_expires_at, movement_date, COALESCE(created_by, 0), created_at
FROM stock_movements WHERE reference_type=$1 AND reference_id=$2 ORDER BY movement_date ASC, id ASC`

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (item_id, movement_type, quantity, reference_type, reference_id, batch_number, batch_manufactured_at, batch_expires_at, movement_date, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING id`,
		m.ItemID, string(m.Type), m.Quantity, string(m.ReferenceType), m.ReferenceID,
		nullString(m.Batch.Number), m.Batch.ManufacturedAt, m.Batch.ExpiresAt,
		m.MovementDate, nullInt(m.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) ListByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error) {
	rows, err := r.tx.Query(ctx, listByReferenceSQL, string(refType), refID)
	if err != nil {
		return nil, err
	}
	return scanMovements(rows)
}

func (r *txRepository) AdjustItemStock(ctx context.Context, itemID int64, delta float64) (float64, error) {
	return masterdata.NewItemRepo(r.tx).AdjustStock(ctx, itemID, delta)
}

func scanMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		var movementType, refType string
		var batchNumber *string
		if err := rows.Scan(&m.ID, &m.ItemID, &movementType, &m.Quantity, &refType, &m.ReferenceID,
			&batchNumber, &m.Batch.ManufacturedAt, &m.Batch.ExpiresAt, &m.MovementDate, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(movementType)
		m.ReferenceType = ReferenceType(refType)
		if batchNumber != nil {
			m.Batch.Number = *batchNumber
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
