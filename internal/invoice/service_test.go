package invoice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewind-erp/tradewind-erp/internal/ledger"
	"github.com/tradewind-erp/tradewind-erp/internal/masterdata"
	"github.com/tradewind-erp/tradewind-erp/internal/shared"
	"github.com/tradewind-erp/tradewind-erp/internal/stockledger"
)

// memState is the mutable store shared by repo and tx. WithTx runs the
// callback against a copy and commits it only on success, mirroring the
// rollback semantics of the real repository.
type memState struct {
	invoices  map[int64]*Invoice
	payments  []Payment
	movements []stockledger.Movement
	counters  map[int64]float64
	posts     []ledger.PostInput
	keys      map[string]bool
	nextID    int64

	failInsertMovement bool
	failPostEntry      bool
}

func newMemState() *memState {
	return &memState{invoices: make(map[int64]*Invoice), counters: make(map[int64]float64), keys: make(map[string]bool)}
}

func (s *memState) clone() *memState {
	c := &memState{
		invoices:           make(map[int64]*Invoice, len(s.invoices)),
		payments:           append([]Payment(nil), s.payments...),
		movements:          append([]stockledger.Movement(nil), s.movements...),
		counters:           make(map[int64]float64, len(s.counters)),
		posts:              append([]ledger.PostInput(nil), s.posts...),
		keys:               make(map[string]bool, len(s.keys)),
		nextID:             s.nextID,
		failInsertMovement: s.failInsertMovement,
		failPostEntry:      s.failPostEntry,
	}
	for id, inv := range s.invoices {
		copied := *inv
		copied.Items = append([]LineItem(nil), inv.Items...)
		c.invoices[id] = &copied
	}
	for id, bal := range s.counters {
		c.counters[id] = bal
	}
	for key := range s.keys {
		c.keys[key] = true
	}
	return c
}

type memRepo struct {
	state *memState
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := r.state.clone()
	if err := fn(ctx, &memTx{state: staged}); err != nil {
		return err
	}
	*r.state = *staged
	return nil
}

func (r *memRepo) Get(ctx context.Context, id int64) (*Invoice, error) {
	inv, ok := r.state.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
	}
	copied := *inv
	copied.Items = append([]LineItem(nil), inv.Items...)
	return &copied, nil
}

func (r *memRepo) LedgerEntries(ctx context.Context, refType string, refID int64) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, post := range r.state.posts {
		if post.ReferenceType != refType || post.ReferenceID != refID {
			continue
		}
		out = append(out,
			ledger.Entry{Party: post.DebitParty, Side: ledger.SideDebit, Amount: post.Amount, ReferenceType: refType, ReferenceID: refID},
			ledger.Entry{Party: post.CreditParty, Side: ledger.SideCredit, Amount: post.Amount, ReferenceType: refType, ReferenceID: refID},
		)
	}
	return out, nil
}

func (r *memRepo) List(ctx context.Context, req ListRequest) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.state.invoices {
		if req.Type != "" && inv.Type != req.Type {
			continue
		}
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

type memTx struct {
	state *memState
}

func (t *memTx) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	t.state.nextID++
	inv.ID = t.state.nextID
	t.state.invoices[inv.ID] = &inv
	return inv.ID, nil
}

func (t *memTx) InsertLines(ctx context.Context, invoiceID int64, lines []LineItem) error {
	inv := t.state.invoices[invoiceID]
	for i := range lines {
		lines[i].InvoiceID = invoiceID
	}
	inv.Items = append(inv.Items, lines...)
	return nil
}

func (t *memTx) DeleteLines(ctx context.Context, invoiceID int64) error {
	t.state.invoices[invoiceID].Items = nil
	return nil
}

func (t *memTx) UpdateHeader(ctx context.Context, inv Invoice) error {
	stored, ok := t.state.invoices[inv.ID]
	if !ok || stored.Status != StatusDraft {
		return fmt.Errorf("%w: only draft invoices can be updated", shared.ErrStateConflict)
	}
	items := stored.Items
	paid := stored.Totals.PaidAmount
	*stored = inv
	stored.Items = items
	stored.Totals.PaidAmount = paid
	return nil
}

func (t *memTx) SetStatusIf(ctx context.Context, id int64, from []Status, to Status, reason *string) error {
	inv, ok := t.state.invoices[id]
	if !ok {
		return fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
	}
	for _, s := range from {
		if inv.Status == s {
			inv.Status = to
			if reason != nil {
				inv.CancelReason = reason
			}
			return nil
		}
	}
	return fmt.Errorf("%w: invoice %d is not in an eligible state", shared.ErrStateConflict, id)
}

func (t *memTx) UpdatePayment(ctx context.Context, id int64, from []Status, paid float64, payStatus PaymentStatus, status Status) error {
	inv, ok := t.state.invoices[id]
	if !ok {
		return fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
	}
	for _, s := range from {
		if inv.Status == s {
			inv.Totals.PaidAmount = paid
			inv.PaymentStatus = payStatus
			inv.Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: invoice %d is not in an eligible state", shared.ErrStateConflict, id)
}

func (t *memTx) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	t.state.payments = append(t.state.payments, p)
	return int64(len(t.state.payments)), nil
}

func (t *memTx) InsertIdempotencyKey(ctx context.Context, key string) error {
	if t.state.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	t.state.keys[key] = true
	return nil
}

func (t *memTx) Stock() stockledger.TxRepository {
	return &memStockTx{state: t.state}
}

func (t *memTx) PostDoubleEntry(ctx context.Context, in ledger.PostInput) (ledger.DoubleEntry, error) {
	if t.state.failPostEntry {
		return ledger.DoubleEntry{}, fmt.Errorf("%w: ledger unavailable", shared.ErrInternal)
	}
	if err := in.Validate(); err != nil {
		return ledger.DoubleEntry{}, err
	}
	t.state.posts = append(t.state.posts, in)
	return ledger.DoubleEntry{}, nil
}

type memStockTx struct {
	state *memState
}

func (t *memStockTx) InsertMovement(ctx context.Context, m stockledger.Movement) (int64, error) {
	if t.state.failInsertMovement {
		return 0, fmt.Errorf("movement insert failed")
	}
	t.state.nextID++
	m.ID = t.state.nextID
	t.state.movements = append(t.state.movements, m)
	return m.ID, nil
}

func (t *memStockTx) ListByReference(ctx context.Context, refType stockledger.ReferenceType, refID int64) ([]stockledger.Movement, error) {
	var out []stockledger.Movement
	for _, m := range t.state.movements {
		if m.ReferenceType == refType && m.ReferenceID == refID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memStockTx) AdjustItemStock(ctx context.Context, itemID int64, delta float64) (float64, error) {
	t.state.counters[itemID] += delta
	return t.state.counters[itemID], nil
}

type stubItems struct {
	inactive map[int64]bool
}

func (s stubItems) IsActive(ctx context.Context, id int64) (bool, error) {
	return !s.inactive[id], nil
}

type stubCounterparties struct {
	nonFiler map[int64]bool
	inactive map[int64]bool
}

func (s stubCounterparties) Get(ctx context.Context, id int64) (masterdata.Counterparty, error) {
	return masterdata.Counterparty{
		ID:       id,
		Kind:     masterdata.KindCustomer,
		TaxFiler: !s.nonFiler[id],
		IsActive: !s.inactive[id],
	}, nil
}

type testEnv struct {
	state   *memState
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	state := newMemState()
	stock := stockledger.NewLedger(nil, nil, nil)
	svc := NewService(&memRepo{state: state}, stock, stubItems{}, stubCounterparties{}, nil, ServiceConfig{NonFilerGSTRate: 3, IncomeTaxRate: 0.5})
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) })
	return &testEnv{state: state, service: svc}
}

func salesLines() []LineItem {
	mfg := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return []LineItem{
		{ItemID: 1, Quantity: 10, UnitPrice: 100, Discount1Percent: 10, GSTRate: 17},
		{ItemID: 2, Quantity: 5, UnitPrice: 40, GSTRate: 18, Batch: stockledger.Batch{Number: "B-7", ManufacturedAt: &mfg, ExpiresAt: &exp}},
	}
}

func (e *testEnv) createDraft(t *testing.T, typ Type) *Invoice {
	t.Helper()
	inv, err := e.service.Create(context.Background(), CreateInput{
		Type:           typ,
		CounterpartyID: 100,
		DueDate:        time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		CreatedBy:      1,
		Lines:          salesLines(),
	})
	require.NoError(t, err)
	return inv
}

func TestCreateDraftHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createDraft(t, TypeSales)

	require.Equal(t, StatusDraft, inv.Status)
	require.Equal(t, PaymentPending, inv.PaymentStatus)
	require.Len(t, inv.Items, 2)
	require.NotEmpty(t, inv.Number)
	require.Empty(t, env.state.movements)
	require.Empty(t, env.state.posts)
	require.InDelta(t, 0, env.state.counters[1], 1e-9)
}

func TestCreateRejectsInactiveReferences(t *testing.T) {
	state := newMemState()
	stock := stockledger.NewLedger(nil, nil, nil)

	svc := NewService(&memRepo{state: state}, stock, stubItems{}, stubCounterparties{inactive: map[int64]bool{100: true}}, nil, ServiceConfig{})
	_, err := svc.Create(context.Background(), CreateInput{Type: TypeSales, CounterpartyID: 100, Lines: salesLines()})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "not active")

	svc = NewService(&memRepo{state: state}, stock, stubItems{inactive: map[int64]bool{2: true}}, stubCounterparties{}, nil, ServiceConfig{})
	_, err = svc.Create(context.Background(), CreateInput{Type: TypeSales, CounterpartyID: 100, Lines: salesLines()})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "item 2 is not active")
}

func TestConfirmAppendsOneMovementPerLine(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)

	confirmed, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)

	require.Len(t, env.state.movements, 2)
	for _, m := range env.state.movements {
		require.Equal(t, stockledger.MovementOut, m.Type)
		require.Equal(t, stockledger.RefSalesInvoice, m.ReferenceType)
		require.Equal(t, draft.ID, m.ReferenceID)
		require.Negative(t, m.Quantity)
	}
	require.InDelta(t, -10, env.state.counters[1], 1e-9)
	require.InDelta(t, -5, env.state.counters[2], 1e-9)

	// The movement carries the line's full batch identity.
	batched := env.state.movements[1]
	line := confirmed.Items[1]
	require.Equal(t, line.Batch.Number, batched.Batch.Number)
	require.NotNil(t, batched.Batch.ManufacturedAt)
	require.NotNil(t, batched.Batch.ExpiresAt)
	require.True(t, line.Batch.ManufacturedAt.Equal(*batched.Batch.ManufacturedAt))
	require.True(t, line.Batch.ExpiresAt.Equal(*batched.Batch.ExpiresAt))

	require.Len(t, env.state.posts, 1)
	post := env.state.posts[0]
	require.Equal(t, "receivable", post.DebitParty.Type)
	require.Equal(t, int64(100), post.DebitParty.ID)
	require.Equal(t, "revenue", post.CreditParty.Type)
	require.InDelta(t, confirmed.Totals.GrandTotal, post.Amount, 1e-9)
}

func TestConfirmPurchaseMovesStockIn(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypePurchase)

	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)

	require.Len(t, env.state.movements, 2)
	for _, m := range env.state.movements {
		require.Equal(t, stockledger.MovementIn, m.Type)
		require.Equal(t, stockledger.RefPurchaseInvoice, m.ReferenceType)
		require.Positive(t, m.Quantity)
	}
	require.InDelta(t, 10, env.state.counters[1], 1e-9)

	post := env.state.posts[0]
	require.Equal(t, "inventory", post.DebitParty.Type)
	require.Equal(t, "payable", post.CreditParty.Type)
}

func TestConfirmNonDraftFails(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)
	movementsAfterFirst := len(env.state.movements)

	_, err = env.service.Confirm(context.Background(), draft.ID, 1)
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.ErrorContains(t, err, "only draft invoices can be confirmed")
	require.Len(t, env.state.movements, movementsAfterFirst)
}

func TestConfirmFailureLeavesDraftUntouched(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	env.state.failPostEntry = true

	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.Error(t, err)

	inv, err := env.service.Get(context.Background(), draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, inv.Status)
	require.Empty(t, env.state.movements)
	require.Empty(t, env.state.posts)
	require.InDelta(t, 0, env.state.counters[1], 1e-9)
}

func TestConfirmMovementFailureRollsBackStatus(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	env.state.failInsertMovement = true

	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.Error(t, err)

	inv, err := env.service.Get(context.Background(), draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, inv.Status)
	require.Empty(t, env.state.movements)
}

func TestConfirmRetryAfterFailureSucceeds(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)

	env.state.failPostEntry = true
	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.Error(t, err)
	// The rollback released the replay guard along with the side effects.
	require.Empty(t, env.state.keys)

	env.state.failPostEntry = false
	confirmed, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.Len(t, env.state.movements, 2)
	require.Len(t, env.state.posts, 1)
}

func TestReplayedConfirmIsStateConflict(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	env.state.keys[fmt.Sprintf("invoice-confirm:%d", draft.ID)] = true

	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.Empty(t, env.state.movements)
	require.Empty(t, env.state.posts)
}

func TestCancelConfirmedReversesStock(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)

	cancelled, err := env.service.Cancel(context.Background(), draft.ID, 1, "duplicate entry")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	require.Equal(t, "duplicate entry", *cancelled.CancelReason)

	// One reversal per original, opposite type, negated quantity, same batch.
	require.Len(t, env.state.movements, 4)
	originals, reversals := env.state.movements[:2], env.state.movements[2:]
	for i, rev := range reversals {
		require.Equal(t, stockledger.MovementIn, rev.Type)
		require.InDelta(t, -originals[i].Quantity, rev.Quantity, 1e-9)
		require.Equal(t, originals[i].Batch.Number, rev.Batch.Number)
	}
	require.InDelta(t, 0, env.state.counters[1], 1e-9)
	require.InDelta(t, 0, env.state.counters[2], 1e-9)

	// Reversing posting swaps the legs.
	require.Len(t, env.state.posts, 2)
	require.Equal(t, "revenue", env.state.posts[1].DebitParty.Type)
	require.Equal(t, "receivable", env.state.posts[1].CreditParty.Type)
}

func TestCancelDraftSkipsReversal(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)

	cancelled, err := env.service.Cancel(context.Background(), draft.ID, 1, "entered by mistake")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Empty(t, env.state.movements)
	require.Empty(t, env.state.posts)
}

func TestCancelPaidInvoiceFails(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)
	_, err = env.service.MarkPaid(context.Background(), draft.ID, PaymentInput{CreatedBy: 1})
	require.NoError(t, err)

	_, err = env.service.Cancel(context.Background(), draft.ID, 1, "no longer needed")
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.ErrorContains(t, err, "process a refund")
}

func TestCancelCancelledInvoiceFails(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	_, err := env.service.Cancel(context.Background(), draft.ID, 1, "first")
	require.NoError(t, err)

	_, err = env.service.Cancel(context.Background(), draft.ID, 1, "second")
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestPaymentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)

	// Drafts cannot take payments.
	_, err := env.service.MarkPaid(context.Background(), draft.ID, PaymentInput{})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "confirm the invoice first")

	confirmed, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)

	half := confirmed.Totals.GrandTotal / 2
	partial, err := env.service.MarkPartiallyPaid(context.Background(), draft.ID, PaymentInput{Amount: half, CreatedBy: 1})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, partial.Status)
	require.Equal(t, PaymentPartial, partial.PaymentStatus)
	require.InDelta(t, half, partial.Totals.PaidAmount, 1e-9)

	paid, err := env.service.MarkPaid(context.Background(), draft.ID, PaymentInput{CreatedBy: 1})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.Equal(t, PaymentPaid, paid.PaymentStatus)
	require.InDelta(t, paid.Totals.GrandTotal, paid.Totals.PaidAmount, 1e-9)
	require.Len(t, env.state.payments, 2)

	// Settled invoices take no further payments.
	_, err = env.service.MarkPaid(context.Background(), draft.ID, PaymentInput{})
	require.ErrorIs(t, err, shared.ErrStateConflict)

	// Payments never touched stock.
	require.Len(t, env.state.movements, 2)
}

func TestPartialPaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	confirmed, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)

	_, err = env.service.MarkPartiallyPaid(context.Background(), draft.ID, PaymentInput{Amount: 0})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = env.service.MarkPartiallyPaid(context.Background(), draft.ID, PaymentInput{Amount: confirmed.Totals.GrandTotal * 2})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "exceeds invoice total")
}

func TestUpdateDraftRecalculatesTotals(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)

	newLines := []LineItem{{ItemID: 1, Quantity: 1, UnitPrice: 500, GSTRate: 18}}
	updated, err := env.service.Update(context.Background(), draft.ID, UpdateInput{Lines: &newLines})
	require.NoError(t, err)
	require.Len(t, updated.Items, 1)
	require.InDelta(t, 500, updated.Totals.Subtotal, 1e-9)
	require.InDelta(t, 590, updated.Totals.GrandTotal, 1e-9)
}

func TestUpdateConfirmedLinesFails(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)

	newLines := []LineItem{{ItemID: 1, Quantity: 1, UnitPrice: 500}}
	_, err = env.service.Update(context.Background(), draft.ID, UpdateInput{Lines: &newLines})
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.ErrorContains(t, err, "cannot modify confirmed invoice items")
}

func TestLedgerEntriesBalancedPerPosting(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t, TypeSales)
	_, err := env.service.Confirm(context.Background(), draft.ID, 1)
	require.NoError(t, err)
	_, err = env.service.Cancel(context.Background(), draft.ID, 1, "wrong customer")
	require.NoError(t, err)

	entries, err := env.service.LedgerEntries(context.Background(), draft.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var debits, credits float64
	for _, e := range entries {
		if e.Side == ledger.SideDebit {
			debits += e.Amount
		} else {
			credits += e.Amount
		}
	}
	require.InDelta(t, debits, credits, 1e-9)
}

func TestNonFilerInvoiceCarriesLevies(t *testing.T) {
	state := newMemState()
	stock := stockledger.NewLedger(nil, nil, nil)
	svc := NewService(&memRepo{state: state}, stock, stubItems{}, stubCounterparties{nonFiler: map[int64]bool{100: true}}, nil, ServiceConfig{NonFilerGSTRate: 3, IncomeTaxRate: 0.5})

	inv, err := svc.Create(context.Background(), CreateInput{
		Type:           TypeSales,
		CounterpartyID: 100,
		Lines:          []LineItem{{ItemID: 1, Quantity: 10, UnitPrice: 100, Discount1Percent: 10, GSTRate: 17}},
	})
	require.NoError(t, err)
	require.InDelta(t, 27, inv.Totals.NonFilerGSTTotal, 1e-9)
	require.InDelta(t, 4.5, inv.Totals.IncomeTaxTotal, 1e-9)
	require.InDelta(t, 900+153+27+4.5, inv.Totals.GrandTotal, 1e-9)
}
