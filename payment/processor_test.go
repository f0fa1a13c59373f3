package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/Valentine-Efagene/real-estate-sub005/phase"
	"github.com/Valentine-Efagene/real-estate-sub005/trigger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func strPtr(s string) *string { return &s }

func TestProcessor_CreateValidation(t *testing.T) {
	pool := &fakePool{}
	svc := NewProcessor(pool, newFakeLedger(), &fakeCascader{}, nil)

	_, err := svc.Create(context.Background(), CreateParams{
		TenantID:      "t1",
		ApplicationID: "app1",
		Amount:        dec("-5"),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for negative amount, got %v", err)
	}

	_, err = svc.Create(context.Background(), CreateParams{
		TenantID:      "t1",
		ApplicationID: "app1",
		Amount:        dec("100"),
		InstallmentID: "inst1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for installment without phase, got %v", err)
	}

	if pool.tx != nil {
		t.Fatal("validation failures must not open a transaction")
	}
}

func TestProcessor_CreateGeneratesReference(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	svc := NewProcessor(pool, ledger, &fakeCascader{}, nil)
	svc.idGen = func() string { return "ref-generated" }

	pay, err := svc.Create(context.Background(), CreateParams{
		TenantID:      "t1",
		ApplicationID: "app1",
		Amount:        dec("100"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pay.Reference != "ref-generated" {
		t.Fatalf("expected generated reference, got %q", pay.Reference)
	}
	if pay.Method != "transfer" {
		t.Fatalf("expected default method transfer, got %q", pay.Method)
	}
	if !pool.tx.committed {
		t.Fatal("expected create transaction to commit")
	}
}

func TestProcessor_ProcessIdempotentReplay(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.payments["ref-1"] = Payment{
		ID:            "pay-1",
		TenantID:      "t1",
		ApplicationID: "app1",
		Amount:        dec("100"),
		Status:        StatusCompleted,
		Reference:     "ref-1",
	}
	cascader := &fakeCascader{}
	svc := NewProcessor(pool, ledger, cascader, nil)

	pay, err := svc.Process(context.Background(), "ref-1", OutcomeSuccess)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if pay.Status != StatusCompleted {
		t.Fatalf("expected completed payment back, got %s", pay.Status)
	}
	if pool.tx.committed {
		t.Error("replay must not commit")
	}
	if !pool.tx.rolled {
		t.Error("replay must roll back its transaction")
	}
	if len(ledger.applied) != 0 {
		t.Errorf("replay must not touch the ledger, applied %v", ledger.applied)
	}
	if len(cascader.completed) != 0 {
		t.Errorf("replay must not cascade, completed %v", cascader.completed)
	}
}

func TestProcessor_ProcessSuccessCascades(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.payments["ref-2"] = Payment{
		ID:            "pay-2",
		TenantID:      "t1",
		ApplicationID: "app1",
		PhaseID:       strPtr("phase-1"),
		InstallmentID: strPtr("inst-1"),
		Amount:        dec("100"),
		Status:        StatusPending,
		Reference:     "ref-2",
	}
	ledger.installments["inst-1"] = phase.Installment{
		ID: "inst-1", PhaseID: "phase-1", Amount: dec("100"), PaidAmount: dec("0"),
	}
	ledger.phases["phase-1"] = phase.PaymentExtension{
		TotalAmount: dec("100"), PaidAmount: dec("0"), CollectFunds: true,
	}
	cascader := &fakeCascader{pool: pool, dispatches: []phase.PendingDispatch{{PhaseID: "phase-1"}}}
	svc := NewProcessor(pool, ledger, cascader, nil)

	pay, err := svc.Process(context.Background(), "ref-2", OutcomeSuccess)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if pay.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", pay.Status)
	}
	if got := ledger.installments["inst-1"].PaidAmount; !got.Equal(dec("100")) {
		t.Fatalf("installment paid = %s, want 100", got)
	}
	if got := ledger.phases["phase-1"].PaidAmount; !got.Equal(dec("100")) {
		t.Fatalf("phase paid = %s, want 100", got)
	}
	if len(cascader.completed) != 1 || cascader.completed[0] != "phase-1" {
		t.Fatalf("expected phase-1 completion cascade, got %v", cascader.completed)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if !cascader.firedAfterCommit {
		t.Fatal("dispatches must fire only after commit")
	}
	if ledger.recomputed != 1 {
		t.Fatalf("expected one next-due recompute, got %d", ledger.recomputed)
	}
}

func TestProcessor_ProcessPartialDoesNotCascade(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.payments["ref-3"] = Payment{
		ID:            "pay-3",
		TenantID:      "t1",
		ApplicationID: "app1",
		PhaseID:       strPtr("phase-1"),
		InstallmentID: strPtr("inst-1"),
		Amount:        dec("40"),
		Status:        StatusPending,
		Reference:     "ref-3",
	}
	ledger.installments["inst-1"] = phase.Installment{
		ID: "inst-1", PhaseID: "phase-1", Amount: dec("100"), PaidAmount: dec("0"),
	}
	ledger.phases["phase-1"] = phase.PaymentExtension{
		TotalAmount: dec("300"), PaidAmount: dec("0"), CollectFunds: true,
	}
	cascader := &fakeCascader{}
	svc := NewProcessor(pool, ledger, cascader, nil)

	if _, err := svc.Process(context.Background(), "ref-3", OutcomeSuccess); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(cascader.completed) != 0 {
		t.Fatalf("partial payment must not cascade, got %v", cascader.completed)
	}
	if got := ledger.installments["inst-1"].Status; got != phase.InstallmentPartiallyPaid {
		t.Fatalf("installment status = %s, want partially_paid", got)
	}
}

func TestProcessor_ProcessFailure(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.payments["ref-4"] = Payment{
		ID:            "pay-4",
		TenantID:      "t1",
		ApplicationID: "app1",
		PhaseID:       strPtr("phase-1"),
		Amount:        dec("100"),
		Status:        StatusPending,
		Reference:     "ref-4",
	}
	notifier := &fakeNotifier{}
	cascader := &fakeCascader{pool: pool}
	svc := NewProcessor(pool, ledger, cascader, nil).WithNotifier(notifier)

	pay, err := svc.Process(context.Background(), "ref-4", OutcomeFailure)
	if err != nil {
		t.Fatalf("process failure: %v", err)
	}
	if pay.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", pay.Status)
	}
	if len(ledger.applied) != 0 {
		t.Error("failure must not apply ledger amounts")
	}
	if !pool.tx.committed {
		t.Error("failure record must still commit")
	}
	if len(notifier.published) != 1 || notifier.published[0] != "payment_failed" {
		t.Fatalf("expected payment_failed notification, got %v", notifier.published)
	}
	if len(cascader.fired) != 1 || cascader.fired[0].Trigger != trigger.OnPaymentFailed {
		t.Fatalf("expected one on_payment_failed dispatch, got %v", cascader.fired)
	}
	if cascader.fired[0].PhaseID != "phase-1" {
		t.Fatalf("dispatch targeted phase %s, want phase-1", cascader.fired[0].PhaseID)
	}
	if !cascader.firedAfterCommit {
		t.Error("failure handlers must fire after commit")
	}
}

func TestProcessor_RefundReversesLedger(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.paymentsByID["pay-5"] = Payment{
		ID:            "pay-5",
		TenantID:      "t1",
		ApplicationID: "app1",
		PhaseID:       strPtr("phase-1"),
		InstallmentID: strPtr("inst-1"),
		Amount:        dec("100"),
		Status:        StatusCompleted,
		Reference:     "ref-5",
	}
	ledger.installments["inst-1"] = phase.Installment{
		ID: "inst-1", PhaseID: "phase-1", Amount: dec("100"), PaidAmount: dec("100"), Status: phase.InstallmentPaid,
	}
	ledger.phases["phase-1"] = phase.PaymentExtension{
		TotalAmount: dec("300"), PaidAmount: dec("100"), CollectFunds: true,
	}
	svc := NewProcessor(pool, ledger, &fakeCascader{}, nil)

	pay, err := svc.Refund(context.Background(), "pay-5", "admin-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if pay.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", pay.Status)
	}
	if got := ledger.installments["inst-1"].PaidAmount; !got.Equal(dec("0")) {
		t.Fatalf("installment paid after refund = %s, want 0", got)
	}
	if got := ledger.phases["phase-1"].PaidAmount; !got.Equal(dec("0")) {
		t.Fatalf("phase paid after refund = %s, want 0", got)
	}
}

func TestProcessor_RefundRequiresCompleted(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.paymentsByID["pay-6"] = Payment{
		ID: "pay-6", TenantID: "t1", ApplicationID: "app1",
		Amount: dec("100"), Status: StatusPending, Reference: "ref-6",
	}
	svc := NewProcessor(pool, ledger, &fakeCascader{}, nil)

	if _, err := svc.Refund(context.Background(), "pay-6", "admin-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestProcessor_RefundAboveLimitNeedsApproval(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.paymentsByID["pay-7"] = Payment{
		ID:            "pay-7",
		TenantID:      "t1",
		ApplicationID: "app1",
		InstallmentID: strPtr("inst-1"),
		Amount:        dec("500"),
		Status:        StatusCompleted,
		Reference:     "ref-7",
	}
	ledger.installments["inst-1"] = phase.Installment{
		ID: "inst-1", PhaseID: "phase-1", Amount: dec("500"), PaidAmount: dec("500"), Status: phase.InstallmentPaid,
	}
	svc := NewProcessor(pool, ledger, &fakeCascader{}, nil).WithRefundLimit(dec("200"))

	if _, err := svc.Refund(context.Background(), "pay-7", "admin-1"); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	if pool.tx != nil && pool.tx.committed {
		t.Fatal("over-limit refund must not commit")
	}
	if got := ledger.installments["inst-1"].PaidAmount; !got.Equal(dec("500")) {
		t.Fatalf("refused refund touched the ledger, paid = %s, want 500", got)
	}
	if got := ledger.paymentsByID["pay-7"].Status; got != StatusCompleted {
		t.Fatalf("refused refund changed payment status to %s", got)
	}

	// the approval executor path is not gated
	tx := &fakeTx{}
	pay, err := svc.RefundInTx(context.Background(), tx, "pay-7", "admin-1")
	if err != nil {
		t.Fatalf("refund in tx: %v", err)
	}
	if pay.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", pay.Status)
	}
}

func TestProcessor_PayAheadSpreadsOldestFirst(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"inst-a", "inst-b", "inst-c"} {
		ledger.installments[id] = phase.Installment{
			ID: id, PhaseID: "phase-1", Seq: i + 1,
			Amount: dec("100"), PaidAmount: dec("0"),
			DueDate: base.AddDate(0, i, 0), Status: phase.InstallmentPending,
		}
		ledger.payable = append(ledger.payable, id)
	}
	ledger.phases["phase-1"] = phase.PaymentExtension{
		TotalAmount: dec("300"), PaidAmount: dec("0"), CollectFunds: true,
	}
	cascader := &fakeCascader{}
	svc := NewProcessor(pool, ledger, cascader, nil)

	res, err := svc.PayAhead(context.Background(), "t1", "app1", dec("250"), "buyer-1")
	if err != nil {
		t.Fatalf("pay ahead: %v", err)
	}
	if !res.TotalApplied.Equal(dec("250")) {
		t.Fatalf("total applied = %s, want 250", res.TotalApplied)
	}
	if res.InstallmentsPaid != 2 {
		t.Fatalf("installments paid = %d, want 2", res.InstallmentsPaid)
	}
	if !res.RemainingCredit.Equal(dec("0")) {
		t.Fatalf("remaining credit = %s, want 0", res.RemainingCredit)
	}
	if got := ledger.installments["inst-c"].PaidAmount; !got.Equal(dec("50")) {
		t.Fatalf("third installment paid = %s, want 50", got)
	}
	if got := ledger.installments["inst-c"].Status; got != phase.InstallmentPartiallyPaid {
		t.Fatalf("third installment status = %s, want partially_paid", got)
	}
	if len(ledger.synthetic) != 3 {
		t.Fatalf("expected one synthetic payment per touched installment, got %d", len(ledger.synthetic))
	}
	if len(cascader.completed) != 0 {
		t.Fatalf("phase not fully paid, must not cascade, got %v", cascader.completed)
	}
}

func TestProcessor_PayAheadOverpaymentReturnsCredit(t *testing.T) {
	pool := &fakePool{}
	ledger := newFakeLedger()
	ledger.installments["inst-a"] = phase.Installment{
		ID: "inst-a", PhaseID: "phase-1", Seq: 1,
		Amount: dec("100"), PaidAmount: dec("0"), Status: phase.InstallmentPending,
	}
	ledger.payable = []string{"inst-a"}
	ledger.phases["phase-1"] = phase.PaymentExtension{
		TotalAmount: dec("100"), PaidAmount: dec("0"), CollectFunds: true,
	}
	cascader := &fakeCascader{pool: pool, dispatches: []phase.PendingDispatch{{PhaseID: "phase-1"}}}
	svc := NewProcessor(pool, ledger, cascader, nil)

	res, err := svc.PayAhead(context.Background(), "t1", "app1", dec("150"), "buyer-1")
	if err != nil {
		t.Fatalf("pay ahead: %v", err)
	}
	if !res.TotalApplied.Equal(dec("100")) {
		t.Fatalf("total applied = %s, want 100", res.TotalApplied)
	}
	if !res.RemainingCredit.Equal(dec("50")) {
		t.Fatalf("remaining credit = %s, want 50", res.RemainingCredit)
	}
	if len(cascader.completed) != 1 || cascader.completed[0] != "phase-1" {
		t.Fatalf("expected phase completion cascade, got %v", cascader.completed)
	}
	if !cascader.firedAfterCommit {
		t.Fatal("dispatches must fire only after commit")
	}
}

func TestProcessor_PayAheadValidation(t *testing.T) {
	svc := NewProcessor(&fakePool{}, newFakeLedger(), &fakeCascader{}, nil)
	if _, err := svc.PayAhead(context.Background(), "t1", "app1", dec("0"), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// fakeLedger is an in-memory Ledger. Keys: payments by reference,
// paymentsByID by id.
type fakeLedger struct {
	payments     map[string]Payment
	paymentsByID map[string]Payment
	installments map[string]phase.Installment
	phases       map[string]phase.PaymentExtension
	payable      []string
	synthetic    []Payment
	applied      []string
	recomputed   int
	nextID       int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		payments:     make(map[string]Payment),
		paymentsByID: make(map[string]Payment),
		installments: make(map[string]phase.Installment),
		phases:       make(map[string]phase.PaymentExtension),
	}
}

func (f *fakeLedger) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Payment, error) {
	f.nextID++
	pay := Payment{
		ID:            "pay-" + params.Reference,
		TenantID:      params.TenantID,
		ApplicationID: params.ApplicationID,
		Amount:        params.Amount,
		Method:        params.Method,
		Status:        StatusPending,
		Reference:     params.Reference,
	}
	if params.PhaseID != "" {
		pay.PhaseID = &params.PhaseID
	}
	if params.InstallmentID != "" {
		pay.InstallmentID = &params.InstallmentID
	}
	f.payments[pay.Reference] = pay
	f.paymentsByID[pay.ID] = pay
	return pay, nil
}

func (f *fakeLedger) InsertCompleted(ctx context.Context, tx pgx.Tx, params CreateParams, at time.Time) (Payment, error) {
	pay, err := f.Insert(ctx, tx, params)
	if err != nil {
		return Payment{}, err
	}
	pay.Status = StatusCompleted
	pay.CompletedAt = &at
	f.payments[pay.Reference] = pay
	f.paymentsByID[pay.ID] = pay
	f.synthetic = append(f.synthetic, pay)
	return pay, nil
}

func (f *fakeLedger) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Payment, error) {
	pay, ok := f.payments[reference]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return pay, nil
}

func (f *fakeLedger) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	pay, ok := f.paymentsByID[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return pay, nil
}

func (f *fakeLedger) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return f.setStatus(id, StatusCompleted)
}

func (f *fakeLedger) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) error {
	return f.setStatus(id, StatusFailed)
}

func (f *fakeLedger) MarkRefunded(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return f.setStatus(id, StatusRefunded)
}

func (f *fakeLedger) setStatus(id string, status Status) error {
	pay, ok := f.paymentsByID[id]
	if !ok {
		for ref, candidate := range f.payments {
			if candidate.ID == id {
				candidate.Status = status
				f.payments[ref] = candidate
				return nil
			}
		}
		return ErrNotFound
	}
	pay.Status = status
	f.paymentsByID[id] = pay
	f.payments[pay.Reference] = pay
	return nil
}

func (f *fakeLedger) ValidateTarget(ctx context.Context, tx pgx.Tx, applicationID, phaseID string) error {
	ext, ok := f.phases[phaseID]
	if !ok {
		return nil
	}
	if !ext.CollectFunds {
		return ErrInvalidOperation
	}
	return nil
}

func (f *fakeLedger) ApplyToInstallment(ctx context.Context, tx pgx.Tx, installmentID string, amount decimal.Decimal) (phase.Installment, error) {
	inst, ok := f.installments[installmentID]
	if !ok {
		return phase.Installment{}, ErrNotFound
	}
	inst.PaidAmount = inst.PaidAmount.Add(amount)
	if inst.PaidAmount.GreaterThanOrEqual(inst.Amount) {
		inst.Status = phase.InstallmentPaid
	} else {
		inst.Status = phase.InstallmentPartiallyPaid
	}
	f.installments[installmentID] = inst
	f.applied = append(f.applied, installmentID)
	return inst, nil
}

func (f *fakeLedger) ReverseFromInstallment(ctx context.Context, tx pgx.Tx, installmentID string, amount decimal.Decimal) (phase.Installment, error) {
	inst, ok := f.installments[installmentID]
	if !ok {
		return phase.Installment{}, ErrNotFound
	}
	inst.PaidAmount = decimal.Max(inst.PaidAmount.Sub(amount), decimal.Zero)
	switch {
	case inst.PaidAmount.GreaterThanOrEqual(inst.Amount):
		inst.Status = phase.InstallmentPaid
	case inst.PaidAmount.IsPositive():
		inst.Status = phase.InstallmentPartiallyPaid
	default:
		inst.Status = phase.InstallmentPending
	}
	f.installments[installmentID] = inst
	return inst, nil
}

func (f *fakeLedger) ApplyToPhase(ctx context.Context, tx pgx.Tx, phaseID string, amount decimal.Decimal) (phase.PaymentExtension, error) {
	ext, ok := f.phases[phaseID]
	if !ok {
		return phase.PaymentExtension{}, ErrNotFound
	}
	ext.PaidAmount = ext.PaidAmount.Add(amount)
	f.phases[phaseID] = ext
	return ext, nil
}

func (f *fakeLedger) ReverseFromPhase(ctx context.Context, tx pgx.Tx, phaseID string, amount decimal.Decimal) (phase.PaymentExtension, error) {
	ext, ok := f.phases[phaseID]
	if !ok {
		return phase.PaymentExtension{}, ErrNotFound
	}
	ext.PaidAmount = decimal.Max(ext.PaidAmount.Sub(amount), decimal.Zero)
	f.phases[phaseID] = ext
	return ext, nil
}

func (f *fakeLedger) ListPayableForUpdate(ctx context.Context, tx pgx.Tx, applicationID string) ([]phase.Installment, error) {
	out := make([]phase.Installment, 0, len(f.payable))
	for _, id := range f.payable {
		out = append(out, f.installments[id])
	}
	return out, nil
}

func (f *fakeLedger) RecomputeNextDue(ctx context.Context, tx pgx.Tx, applicationID string) error {
	f.recomputed++
	return nil
}

func (f *fakeLedger) MarkOverdue(ctx context.Context, tx pgx.Tx, asOf time.Time) (int64, error) {
	var n int64
	for id, inst := range f.installments {
		if inst.Status == phase.InstallmentPending && inst.DueDate.Before(asOf) {
			inst.Status = phase.InstallmentOverdue
			f.installments[id] = inst
			n++
		}
	}
	return n, nil
}

// fakeCascader records completion cascades and whether dispatch firing
// happened strictly after the transaction committed.
type fakeCascader struct {
	completed        []string
	dispatches       []phase.PendingDispatch
	fired            []phase.PendingDispatch
	firedAfterCommit bool
	pool             *fakePool
}

func (f *fakeCascader) CompleteInTx(ctx context.Context, tx pgx.Tx, phaseID, actorID string) (phase.Phase, []phase.PendingDispatch, error) {
	f.completed = append(f.completed, phaseID)
	return phase.Phase{ID: phaseID, Status: phase.StatusCompleted}, f.dispatches, nil
}

func (f *fakeCascader) FireDispatches(ctx context.Context, pending []phase.PendingDispatch) {
	if len(pending) == 0 {
		return
	}
	f.fired = append(f.fired, pending...)
	f.firedAfterCommit = f.pool == nil || f.pool.tx == nil || f.pool.tx.committed
}

type fakeNotifier struct {
	published []string
}

func (f *fakeNotifier) PublishEmail(ctx context.Context, notificationType string, data map[string]any) error {
	f.published = append(f.published, notificationType)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	// timeline and outbox writes land here
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
