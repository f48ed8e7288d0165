package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx. Posting both legs
// atomically requires running over a transaction; the invoice repository
// constructs this repo from its own pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repo persists ledger entries in PostgreSQL.
type Repo struct {
	q Querier
}

// NewRepo constructs Repo over a pool or transaction.
func NewRepo(q Querier) *Repo {
	return &Repo{q: q}
}

// CreateDoubleEntry validates the input and inserts both legs. Run it over a
// transaction-scoped Querier so the pair commits or fails together.
func (r *Repo) CreateDoubleEntry(ctx context.Context, in PostInput) (DoubleEntry, error) {
	if err := in.Validate(); err != nil {
		return DoubleEntry{}, err
	}
	postedAt := in.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}
	pairID := uuid.New()

	debit := Entry{
		PairID:        pairID,
		Party:         in.DebitParty,
		Side:          SideDebit,
		Amount:        in.Amount,
		Description:   in.Description,
		ReferenceType: in.ReferenceType,
		ReferenceID:   in.ReferenceID,
		PostedBy:      in.PostedBy,
		PostedAt:      postedAt,
	}
	credit := debit
	credit.Party = in.CreditParty
	credit.Side = SideCredit

	var err error
	if debit.ID, err = r.insertEntry(ctx, debit); err != nil {
		return DoubleEntry{}, err
	}
	if credit.ID, err = r.insertEntry(ctx, credit); err != nil {
		return DoubleEntry{}, err
	}
	return DoubleEntry{Debit: debit, Credit: credit}, nil
}

func (r *Repo) insertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO ledger_entries (pair_id, party_type, party_id, side, amount, description, reference_type, reference_id, posted_by, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		e.PairID, e.Party.Type, e.Party.ID, string(e.Side), e.Amount, e.Description, e.ReferenceType, e.ReferenceID, e.PostedBy, e.PostedAt).Scan(&id)
	return id, err
}

// ListByReference returns all legs posted against a reference, oldest first.
func (r *Repo) ListByReference(ctx context.Context, refType string, refID int64) ([]Entry, error) {
	rows, err := r.q.Query(ctx, `SELECT id, pair_id, party_type, party_id, side, amount, description, reference_type, reference_id, posted_by, posted_at
FROM ledger_entries WHERE reference_type=$1 AND reference_id=$2 ORDER BY posted_at ASC, id ASC`, refType, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var side string
		if err := rows.Scan(&e.ID, &e.PairID, &e.Party.Type, &e.Party.ID, &side, &e.Amount, &e.Description, &e.ReferenceType, &e.ReferenceID, &e.PostedBy, &e.PostedAt); err != nil {
			return nil, err
		}
		e.Side = Side(side)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
