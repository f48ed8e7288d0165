package stockledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

// TxRepository exposes the transactional operations used by the ledger. The
// movement insert and the item counter adjustment run over the same storage
// transaction: if either fails, neither is visible.
type TxRepository interface {
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	ListByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error)
	AdjustItemStock(ctx context.Context, itemID int64, delta float64) (float64, error)
}

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListByItem(ctx context.Context, itemID int64, until time.Time) ([]Movement, error)
	ListByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Ledger derives balances from the append-only movement log and generates
// exact reversals. It is a trusting log: at-most-once reversal per reference
// is the caller's guard.
type Ledger struct {
	repo  RepositoryPort
	cache *BalanceCache
	audit AuditPort
	now   func() time.Time
}

// NewLedger builds the ledger. cache and audit may be nil.
func NewLedger(repo RepositoryPort, cache *BalanceCache, audit AuditPort) *Ledger {
	return &Ledger{repo: repo, cache: cache, audit: audit, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (l *Ledger) WithNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Append records a standalone movement (adjustment, opening balance) in its
// own transaction and updates the item's running counter with it.
func (l *Ledger) Append(ctx context.Context, input AppendInput) (Movement, error) {
	var created Movement
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = l.AppendInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	l.afterAppend(ctx, created)
	return created, nil
}

// AppendInTx validates and appends one movement inside the caller's
// transaction, applying the counter delta alongside the insert. Callers that
// use it directly (the invoice lifecycle) must invalidate the balance cache
// after their transaction commits.
func (l *Ledger) AppendInTx(ctx context.Context, tx TxRepository, input AppendInput) (Movement, error) {
	now := l.now().UTC()
	if err := ValidateAppend(input, now); err != nil {
		return Movement{}, err
	}
	movementDate := input.MovementDate
	if movementDate.IsZero() {
		movementDate = now
	}
	m := Movement{
		ItemID:        input.ItemID,
		Type:          input.Type,
		Quantity:      input.Quantity,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Batch:         input.Batch,
		MovementDate:  movementDate,
		CreatedBy:     input.CreatedBy,
		CreatedAt:     now,
	}
	id, err := tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, fmt.Errorf("%w: insert movement: %v", shared.ErrInternal, err)
	}
	m.ID = id
	if _, err := tx.AdjustItemStock(ctx, m.ItemID, m.Quantity); err != nil {
		return Movement{}, err
	}
	return m, nil
}

// ReverseInTx appends, for every movement recorded against the reference, a
// new movement with the opposite type and negated quantity, same item and
// batch. Originals are never altered.
func (l *Ledger) ReverseInTx(ctx context.Context, tx TxRepository, refType ReferenceType, refID int64) ([]Movement, error) {
	originals, err := tx.ListByReference(ctx, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("%w: list movements: %v", shared.ErrInternal, err)
	}
	if len(originals) == 0 {
		return nil, fmt.Errorf("%w: no movements for %s %d", shared.ErrNotFound, refType, refID)
	}
	reversals := make([]Movement, 0, len(originals))
	for _, orig := range originals {
		rev, err := l.AppendInTx(ctx, tx, AppendInput{
			ItemID:        orig.ItemID,
			Type:          oppositeType(orig.Type),
			Quantity:      -orig.Quantity,
			ReferenceType: refType,
			ReferenceID:   refID,
			Batch:         orig.Batch,
			CreatedBy:     orig.CreatedBy,
		})
		if err != nil {
			return nil, err
		}
		reversals = append(reversals, rev)
	}
	return reversals, nil
}

// BalanceAsOf replays movements with movementDate <= asOf in ascending
// movementDate order and returns the clamped sum. The clamp at zero is a
// reporting safeguard; use RawBalanceAsOf for invariant checks. A zero asOf
// means "now" and is served from cache when one is configured.
func (l *Ledger) BalanceAsOf(ctx context.Context, itemID int64, asOf time.Time) (float64, error) {
	cacheable := asOf.IsZero()
	if cacheable && l.cache != nil {
		if balance, ok := l.cache.Get(ctx, itemID); ok {
			return balance, nil
		}
	}
	balance, err := l.RawBalanceAsOf(ctx, itemID, asOf)
	if err != nil {
		return 0, err
	}
	if balance < 0 {
		balance = 0
	}
	if cacheable && l.cache != nil {
		l.cache.Set(ctx, itemID, balance)
	}
	return balance, nil
}

// RawBalanceAsOf returns the unclamped replayed balance. A negative result
// means outbound movements exceeded inbound ones, which the clamped reporting
// query would mask.
func (l *Ledger) RawBalanceAsOf(ctx context.Context, itemID int64, asOf time.Time) (float64, error) {
	if itemID == 0 {
		return 0, fmt.Errorf("%w: item id required", shared.ErrValidation)
	}
	if asOf.IsZero() {
		asOf = l.now().UTC()
	}
	movements, err := l.repo.ListByItem(ctx, itemID, asOf)
	if err != nil {
		return 0, fmt.Errorf("%w: list movements: %v", shared.ErrInternal, err)
	}
	return Replay(movements), nil
}

// FindByReference lists movements recorded against a document, for audit and
// report consumption.
func (l *Ledger) FindByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error) {
	if refType == "" || refID == 0 {
		return nil, fmt.Errorf("%w: reference required", shared.ErrValidation)
	}
	return l.repo.ListByReference(ctx, refType, refID)
}

// Invalidate drops cached balances for the given items. The invoice lifecycle
// calls this after its confirm/cancel transaction commits.
func (l *Ledger) Invalidate(ctx context.Context, itemIDs ...int64) {
	if l.cache == nil {
		return
	}
	for _, id := range itemIDs {
		l.cache.Invalidate(ctx, id)
	}
}

// Replay sums signed quantities in ascending movementDate order. Sorting
// happens before summation so the result depends on movement dates, not on
// insertion order.
func Replay(movements []Movement) float64 {
	sorted := append([]Movement(nil), movements...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MovementDate.Before(sorted[j].MovementDate)
	})
	var balance float64
	for _, m := range sorted {
		balance += m.Quantity
	}
	return balance
}

func (l *Ledger) afterAppend(ctx context.Context, m Movement) {
	l.Invalidate(ctx, m.ItemID)
	if l.audit != nil {
		_ = l.audit.Record(ctx, shared.AuditLog{
			ActorID:  m.CreatedBy,
			Action:   fmt.Sprintf("stock:%s", m.Type),
			Entity:   "stock_movement",
			EntityID: fmt.Sprintf("%d", m.ID),
			Meta: map[string]any{
				"item_id":        m.ItemID,
				"quantity":       m.Quantity,
				"reference_type": string(m.ReferenceType),
				"reference_id":   m.ReferenceID,
			},
			At: l.now(),
		})
	}
}

func oppositeType(t MovementType) MovementType {
	switch t {
	case MovementIn:
		return MovementOut
	case MovementOut:
		return MovementIn
	default:
		return MovementAdjustment
	}
}
