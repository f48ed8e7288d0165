package stockledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

type memoryRepo struct {
	movements []Movement
	counters  map[int64]float64
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{counters: make(map[int64]float64)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) ListByItem(ctx context.Context, itemID int64, until time.Time) ([]Movement, error) {
	var out []Movement
	for _, m := range r.movements {
		if m.ItemID == itemID && !m.MovementDate.After(until) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error) {
	return (&memoryTx{repo: r}).ListByReference(ctx, refType, refID)
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) ListByReference(ctx context.Context, refType ReferenceType, refID int64) ([]Movement, error) {
	var out []Movement
	for _, m := range tx.repo.movements {
		if m.ReferenceType == refType && m.ReferenceID == refID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (tx *memoryTx) AdjustItemStock(ctx context.Context, itemID int64, delta float64) (float64, error) {
	tx.repo.counters[itemID] += delta
	return tx.repo.counters[itemID], nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestLedger(repo *memoryRepo) *Ledger {
	ledger := NewLedger(repo, nil, nil)
	ledger.WithNow(fixedClock(testNow))
	return ledger
}

func TestAppendValidation(t *testing.T) {
	ledger := newTestLedger(newMemoryRepo())
	ctx := context.Background()

	cases := []struct {
		name  string
		input AppendInput
	}{
		{"missing item", AppendInput{Type: MovementIn, Quantity: 5, ReferenceType: RefAdjustment, ReferenceID: 1}},
		{"zero quantity", AppendInput{ItemID: 1, Type: MovementIn, Quantity: 0, ReferenceType: RefAdjustment, ReferenceID: 1}},
		{"negative quantity on in", AppendInput{ItemID: 1, Type: MovementIn, Quantity: -5, ReferenceType: RefAdjustment, ReferenceID: 1}},
		{"positive quantity on out", AppendInput{ItemID: 1, Type: MovementOut, Quantity: 5, ReferenceType: RefAdjustment, ReferenceID: 1}},
		{"missing reference", AppendInput{ItemID: 1, Type: MovementIn, Quantity: 5}},
		{"future movement date", AppendInput{ItemID: 1, Type: MovementIn, Quantity: 5, ReferenceType: RefAdjustment, ReferenceID: 1, MovementDate: testNow.Add(48 * time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ledger.Append(ctx, tc.input)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestAppendUpdatesCounter(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	ctx := context.Background()

	_, err := ledger.Append(ctx, AppendInput{ItemID: 7, Type: MovementIn, Quantity: 10, ReferenceType: RefOpeningBalance, ReferenceID: 1})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, AppendInput{ItemID: 7, Type: MovementOut, Quantity: -4, ReferenceType: RefSalesInvoice, ReferenceID: 2})
	require.NoError(t, err)

	require.InDelta(t, 6, repo.counters[7], 1e-9)

	balance, err := ledger.BalanceAsOf(ctx, 7, time.Time{})
	require.NoError(t, err)
	require.InDelta(t, 6, balance, 1e-9)
}

func TestAppendDefaultsMovementDate(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)

	m, err := ledger.Append(context.Background(), AppendInput{ItemID: 1, Type: MovementAdjustment, Quantity: 3, ReferenceType: RefAdjustment, ReferenceID: 9})
	require.NoError(t, err)
	require.Equal(t, testNow, m.MovementDate)
}

func TestAdjustmentAllowsEitherSign(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	ctx := context.Background()

	_, err := ledger.Append(ctx, AppendInput{ItemID: 1, Type: MovementAdjustment, Quantity: -2.5, ReferenceType: RefAdjustment, ReferenceID: 1})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, AppendInput{ItemID: 1, Type: MovementAdjustment, Quantity: 2.5, ReferenceType: RefAdjustment, ReferenceID: 2})
	require.NoError(t, err)
}

func TestReversalNegatesEveryMovement(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	ctx := context.Background()

	mfg := testNow.AddDate(0, -1, 0)
	exp := testNow.AddDate(1, 0, 0)
	for _, in := range []AppendInput{
		{ItemID: 1, Type: MovementOut, Quantity: -5, ReferenceType: RefSalesInvoice, ReferenceID: 42, Batch: Batch{Number: "B-100", ManufacturedAt: &mfg, ExpiresAt: &exp}},
		{ItemID: 2, Type: MovementOut, Quantity: -3, ReferenceType: RefSalesInvoice, ReferenceID: 42},
	} {
		_, err := ledger.Append(ctx, in)
		require.NoError(t, err)
	}

	var reversals []Movement
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		reversals, err = ledger.ReverseInTx(ctx, tx, RefSalesInvoice, 42)
		return err
	})
	require.NoError(t, err)
	require.Len(t, reversals, 2)

	require.Equal(t, MovementIn, reversals[0].Type)
	require.InDelta(t, 5, reversals[0].Quantity, 1e-9)
	require.Equal(t, "B-100", reversals[0].Batch.Number)
	require.Equal(t, &exp, reversals[0].Batch.ExpiresAt)

	// Net stock per item returns to the pre-movement value.
	require.InDelta(t, 0, repo.counters[1], 1e-9)
	require.InDelta(t, 0, repo.counters[2], 1e-9)
}

func TestReversalWithoutMovements(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := ledger.ReverseInTx(ctx, tx, RefSalesInvoice, 99)
		return err
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBalanceAsOfExcludesLaterMovements(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	ctx := context.Background()

	early := testNow.AddDate(0, -2, 0)
	late := testNow.AddDate(0, 0, -1)
	_, err := ledger.Append(ctx, AppendInput{ItemID: 1, Type: MovementIn, Quantity: 10, ReferenceType: RefOpeningBalance, ReferenceID: 1, MovementDate: early})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, AppendInput{ItemID: 1, Type: MovementOut, Quantity: -6, ReferenceType: RefSalesInvoice, ReferenceID: 2, MovementDate: late})
	require.NoError(t, err)

	balance, err := ledger.BalanceAsOf(ctx, 1, early.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.InDelta(t, 10, balance, 1e-9)

	balance, err = ledger.BalanceAsOf(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.InDelta(t, 4, balance, 1e-9)
}

func TestBalanceClampAndRaw(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	ctx := context.Background()

	_, err := ledger.Append(ctx, AppendInput{ItemID: 1, Type: MovementOut, Quantity: -8, ReferenceType: RefSalesInvoice, ReferenceID: 1, MovementDate: testNow.AddDate(0, 0, -3)})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, AppendInput{ItemID: 1, Type: MovementIn, Quantity: 3, ReferenceType: RefPurchaseInvoice, ReferenceID: 2, MovementDate: testNow.AddDate(0, 0, -2)})
	require.NoError(t, err)

	clamped, err := ledger.BalanceAsOf(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.InDelta(t, 0, clamped, 1e-9)

	raw, err := ledger.RawBalanceAsOf(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.InDelta(t, -5, raw, 1e-9)
}

func TestReplayOrderIndependence(t *testing.T) {
	d1 := testNow.AddDate(0, 0, -3)
	d2 := testNow.AddDate(0, 0, -2)
	d3 := testNow.AddDate(0, 0, -1)
	forward := []Movement{
		{ItemID: 1, Quantity: 10, MovementDate: d1},
		{ItemID: 1, Quantity: -4, MovementDate: d2},
		{ItemID: 1, Quantity: 1, MovementDate: d3},
	}
	shuffled := []Movement{forward[2], forward[0], forward[1]}

	require.InDelta(t, Replay(forward), Replay(shuffled), 1e-9)
	require.InDelta(t, 7, Replay(shuffled), 1e-9)
}

func TestValidateBatch(t *testing.T) {
	mfg := testNow
	expBefore := testNow.AddDate(0, -1, 0)
	err := ValidateBatch(Batch{Number: "B-1", ManufacturedAt: &mfg, ExpiresAt: &expBefore})
	require.ErrorIs(t, err, shared.ErrValidation)

	expAfter := testNow.AddDate(1, 0, 0)
	require.NoError(t, ValidateBatch(Batch{Number: "B-1", ManufacturedAt: &mfg, ExpiresAt: &expAfter}))
	require.NoError(t, ValidateBatch(Batch{}))
}
