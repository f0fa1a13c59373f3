package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Valentine-Efagene/real-estate-sub005/phase"
	"github.com/Valentine-Efagene/real-estate-sub005/trigger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the data access the processor needs. *Repository is the
// production implementation.
type Ledger interface {
	Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Payment, error)
	InsertCompleted(ctx context.Context, tx pgx.Tx, params CreateParams, at time.Time) (Payment, error)
	GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Payment, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) error
	MarkRefunded(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	ValidateTarget(ctx context.Context, tx pgx.Tx, applicationID, phaseID string) error
	ApplyToInstallment(ctx context.Context, tx pgx.Tx, installmentID string, amount decimal.Decimal) (phase.Installment, error)
	ReverseFromInstallment(ctx context.Context, tx pgx.Tx, installmentID string, amount decimal.Decimal) (phase.Installment, error)
	ApplyToPhase(ctx context.Context, tx pgx.Tx, phaseID string, amount decimal.Decimal) (phase.PaymentExtension, error)
	ReverseFromPhase(ctx context.Context, tx pgx.Tx, phaseID string, amount decimal.Decimal) (phase.PaymentExtension, error)
	ListPayableForUpdate(ctx context.Context, tx pgx.Tx, applicationID string) ([]phase.Installment, error)
	RecomputeNextDue(ctx context.Context, tx pgx.Tx, applicationID string) error
	MarkOverdue(ctx context.Context, tx pgx.Tx, asOf time.Time) (int64, error)
}

// Cascader is the slice of the phase machine the processor drives: in-tx
// completion plus post-commit handler dispatch.
type Cascader interface {
	CompleteInTx(ctx context.Context, tx pgx.Tx, phaseID, actorID string) (phase.Phase, []phase.PendingDispatch, error)
	FireDispatches(ctx context.Context, pending []phase.PendingDispatch)
}

// Notifier publishes the payment-failure notification.
type Notifier interface {
	PublishEmail(ctx context.Context, notificationType string, data map[string]any) error
}

// Processor turns inbound payment confirmations into ledger mutations and
// cascades phase completion. All ledger writes of one causal chain share a
// single transaction; handler dispatch happens only after commit.
type Processor struct {
	pool        TxBeginner
	repo        Ledger
	machine     Cascader
	notifier    Notifier
	log         *zap.Logger
	now         func() time.Time
	idGen       func() string
	refundLimit decimal.Decimal
}

func NewProcessor(pool TxBeginner, repo Ledger, machine Cascader, log *zap.Logger) *Processor {
	if repo == nil {
		repo = NewRepository()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		pool:    pool,
		repo:    repo,
		machine: machine,
		log:     log,
		now:     time.Now,
		idGen:   func() string { return uuid.NewString() },
	}
}

// WithNotifier wires the payment-failure notification publisher.
func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

// WithRefundLimit caps direct refunds. Amounts above the limit must come
// through the approval bridge, which calls RefundInTx once approved. A
// zero limit leaves direct refunds unrestricted.
func (p *Processor) WithRefundLimit(limit decimal.Decimal) *Processor {
	p.refundLimit = limit
	return p
}

// Create initiates a payment in pending status with an idempotent
// reference. Naming a phase that does not collect funds directly is
// rejected: such phases are reconciled externally.
func (p *Processor) Create(ctx context.Context, params CreateParams) (Payment, error) {
	if !params.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, params.Amount)
	}
	if params.TenantID == "" || params.ApplicationID == "" {
		return Payment{}, fmt.Errorf("%w: tenant and application ids required", ErrValidation)
	}
	if params.InstallmentID != "" && params.PhaseID == "" {
		return Payment{}, fmt.Errorf("%w: installment payment requires its phase", ErrValidation)
	}
	if params.Reference == "" {
		params.Reference = p.idGen()
	}
	if params.Method == "" {
		params.Method = "transfer"
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.PhaseID != "" {
		if err := p.repo.ValidateTarget(ctx, tx, params.ApplicationID, params.PhaseID); err != nil {
			return Payment{}, err
		}
	}

	created, err := p.repo.Insert(ctx, tx, params)
	if err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit create: %w", err)
	}
	return created, nil
}

// Process applies the provider outcome for the referenced payment. It is
// idempotent by reference: a payment already completed is returned
// unchanged with no ledger effects.
func (p *Processor) Process(ctx context.Context, reference string, outcome Outcome) (Payment, error) {
	if reference == "" {
		return Payment{}, fmt.Errorf("%w: reference required", ErrValidation)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin process tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pay, err := p.repo.GetByReferenceForUpdate(ctx, tx, reference)
	if err != nil {
		return Payment{}, err
	}
	if pay.Status == StatusCompleted {
		// Idempotent replay: the stored result stands, no re-application.
		return pay, nil
	}
	if pay.Status != StatusPending {
		return Payment{}, fmt.Errorf("%w: payment is %s", ErrInvalidState, pay.Status)
	}

	at := p.now().UTC()

	if outcome != OutcomeSuccess {
		if err := p.repo.MarkFailed(ctx, tx, pay.ID, string(outcome), at); err != nil {
			return Payment{}, err
		}
		if err := insertTimelineEvent(ctx, tx, pay.TenantID, pay.ApplicationID, "PAYMENT_FAILED", "", map[string]any{
			"payment_id": pay.ID,
			"reference":  pay.Reference,
			"amount":     pay.Amount.String(),
		}); err != nil {
			return Payment{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Payment{}, fmt.Errorf("payment: commit failure: %w", err)
		}
		pay.Status = StatusFailed
		p.notifyFailure(ctx, pay)
		if pay.PhaseID != nil {
			p.machine.FireDispatches(ctx, []phase.PendingDispatch{{
				PhaseID: *pay.PhaseID,
				Trigger: trigger.OnPaymentFailed,
				EventData: map[string]any{
					"payment_id": pay.ID,
					"reference":  pay.Reference,
					"amount":     pay.Amount.String(),
				},
			}})
		}
		return pay, nil
	}

	if err := p.repo.MarkCompleted(ctx, tx, pay.ID, at); err != nil {
		return Payment{}, err
	}

	pending, err := p.applyLedger(ctx, tx, pay)
	if err != nil {
		return Payment{}, err
	}

	if err := insertTimelineEvent(ctx, tx, pay.TenantID, pay.ApplicationID, "PAYMENT_COMPLETED", "", map[string]any{
		"payment_id": pay.ID,
		"reference":  pay.Reference,
		"amount":     pay.Amount.String(),
	}); err != nil {
		return Payment{}, err
	}
	if err := enqueueOutbox(ctx, tx, "payment.completed", map[string]any{
		"application_id": pay.ApplicationID,
		"payment_id":     pay.ID,
		"amount":         pay.Amount.String(),
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit process: %w", err)
	}

	pay.Status = StatusCompleted
	pay.CompletedAt = &at
	p.machine.FireDispatches(ctx, pending)
	return pay, nil
}

// applyLedger increments installment and phase paid amounts and completes
// the phase when it becomes fully paid, all inside the caller's
// transaction.
func (p *Processor) applyLedger(ctx context.Context, tx pgx.Tx, pay Payment) ([]phase.PendingDispatch, error) {
	if pay.InstallmentID != nil {
		if _, err := p.repo.ApplyToInstallment(ctx, tx, *pay.InstallmentID, pay.Amount); err != nil {
			return nil, err
		}
	}

	var pending []phase.PendingDispatch
	if pay.PhaseID != nil {
		ext, err := p.repo.ApplyToPhase(ctx, tx, *pay.PhaseID, pay.Amount)
		if err != nil {
			return nil, err
		}
		if ext.FullyPaid() {
			_, cascade, err := p.machine.CompleteInTx(ctx, tx, *pay.PhaseID, "")
			if err != nil {
				return nil, err
			}
			pending = cascade
		}
	}

	if err := p.repo.RecomputeNextDue(ctx, tx, pay.ApplicationID); err != nil {
		return nil, err
	}
	return pending, nil
}

func (p *Processor) notifyFailure(ctx context.Context, pay Payment) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.PublishEmail(ctx, "payment_failed", map[string]any{
		"application_id": pay.ApplicationID,
		"payment_id":     pay.ID,
		"amount":         pay.Amount.String(),
	})
	if err != nil {
		p.log.Warn("payment failure notification not published",
			zap.String("payment_id", pay.ID),
			zap.Error(err))
	}
}

// Refund reverses a completed payment's ledger effects, clamped at zero.
// A completed phase is never reopened by a refund; reopening is an
// explicit administrative decision.
func (p *Processor) Refund(ctx context.Context, paymentID, actorID string) (Payment, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pay, err := p.repo.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.refundLimit.IsPositive() && pay.Status == StatusCompleted && pay.Amount.GreaterThan(p.refundLimit) {
		return Payment{}, fmt.Errorf("%w: amount %s exceeds direct refund limit %s",
			ErrApprovalRequired, pay.Amount.String(), p.refundLimit.String())
	}

	pay, err = p.RefundInTx(ctx, tx, paymentID, actorID)
	if err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit refund: %w", err)
	}
	return pay, nil
}

// RefundInTx performs the refund inside the caller's transaction. The
// approval executor uses it so the domain action and the approval status
// update commit atomically.
func (p *Processor) RefundInTx(ctx context.Context, tx pgx.Tx, paymentID, actorID string) (Payment, error) {
	pay, err := p.repo.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if pay.Status != StatusCompleted {
		return Payment{}, fmt.Errorf("%w: only completed payments can be refunded, payment is %s", ErrInvalidState, pay.Status)
	}

	if pay.InstallmentID != nil {
		if _, err := p.repo.ReverseFromInstallment(ctx, tx, *pay.InstallmentID, pay.Amount); err != nil {
			return Payment{}, err
		}
	}
	if pay.PhaseID != nil {
		if _, err := p.repo.ReverseFromPhase(ctx, tx, *pay.PhaseID, pay.Amount); err != nil {
			return Payment{}, err
		}
	}

	at := p.now().UTC()
	if err := p.repo.MarkRefunded(ctx, tx, pay.ID, at); err != nil {
		return Payment{}, err
	}
	if err := p.repo.RecomputeNextDue(ctx, tx, pay.ApplicationID); err != nil {
		return Payment{}, err
	}
	if err := insertTimelineEvent(ctx, tx, pay.TenantID, pay.ApplicationID, "PAYMENT_REFUNDED", actorID, map[string]any{
		"payment_id": pay.ID,
		"amount":     pay.Amount.String(),
	}); err != nil {
		return Payment{}, err
	}
	if err := enqueueOutbox(ctx, tx, "payment.refunded", map[string]any{
		"application_id": pay.ApplicationID,
		"payment_id":     pay.ID,
		"amount":         pay.Amount.String(),
	}); err != nil {
		return Payment{}, err
	}

	pay.Status = StatusRefunded
	pay.RefundedAt = &at
	return pay, nil
}

// PayAhead greedily applies a lump sum across the application's open
// installments, oldest due first, recording one synthetic settled payment
// per touched installment. The unapplied remainder is returned as credit.
func (p *Processor) PayAhead(ctx context.Context, tenantID, applicationID string, amount decimal.Decimal, actorID string) (PayAheadResult, error) {
	if !amount.IsPositive() {
		return PayAheadResult{}, fmt.Errorf("%w: pay-ahead amount must be positive, got %s", ErrValidation, amount)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return PayAheadResult{}, fmt.Errorf("payment: begin pay-ahead tx: %w", err)
	}
	defer tx.Rollback(ctx)

	installments, err := p.repo.ListPayableForUpdate(ctx, tx, applicationID)
	if err != nil {
		return PayAheadResult{}, err
	}

	at := p.now().UTC()
	remaining := amount
	result := PayAheadResult{TotalApplied: decimal.Zero}

	// First-fit, oldest-due-first. Phase order is first-touched so phase
	// completions cascade deterministically.
	phaseOrder := make([]string, 0, 2)
	perPhase := make(map[string]decimal.Decimal)

	for _, inst := range installments {
		if !remaining.IsPositive() {
			break
		}
		owed := inst.Amount.Sub(inst.PaidAmount)
		if !owed.IsPositive() {
			continue
		}
		apply := decimal.Min(remaining, owed)

		if _, err := p.repo.InsertCompleted(ctx, tx, CreateParams{
			TenantID:      tenantID,
			ApplicationID: applicationID,
			PhaseID:       inst.PhaseID,
			InstallmentID: inst.ID,
			Amount:        apply,
			Method:        "pay_ahead",
			Reference:     p.idGen(),
		}, at); err != nil {
			return PayAheadResult{}, err
		}

		updated, err := p.repo.ApplyToInstallment(ctx, tx, inst.ID, apply)
		if err != nil {
			return PayAheadResult{}, err
		}
		if updated.Status == phase.InstallmentPaid {
			result.InstallmentsPaid++
		}

		if _, seen := perPhase[inst.PhaseID]; !seen {
			phaseOrder = append(phaseOrder, inst.PhaseID)
			perPhase[inst.PhaseID] = decimal.Zero
		}
		perPhase[inst.PhaseID] = perPhase[inst.PhaseID].Add(apply)

		remaining = remaining.Sub(apply)
		result.TotalApplied = result.TotalApplied.Add(apply)
	}

	var pending []phase.PendingDispatch
	for _, phaseID := range phaseOrder {
		ext, err := p.repo.ApplyToPhase(ctx, tx, phaseID, perPhase[phaseID])
		if err != nil {
			return PayAheadResult{}, err
		}
		if ext.FullyPaid() {
			_, cascade, err := p.machine.CompleteInTx(ctx, tx, phaseID, actorID)
			if err != nil {
				return PayAheadResult{}, err
			}
			pending = append(pending, cascade...)
		}
	}

	if err := p.repo.RecomputeNextDue(ctx, tx, applicationID); err != nil {
		return PayAheadResult{}, err
	}
	if result.TotalApplied.IsPositive() {
		if err := insertTimelineEvent(ctx, tx, tenantID, applicationID, "PAY_AHEAD_APPLIED", actorID, map[string]any{
			"total_applied":     result.TotalApplied.String(),
			"installments_paid": result.InstallmentsPaid,
		}); err != nil {
			return PayAheadResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return PayAheadResult{}, fmt.Errorf("payment: commit pay-ahead: %w", err)
	}

	result.RemainingCredit = remaining
	p.machine.FireDispatches(ctx, pending)
	return result, nil
}

// MarkOverdue is the scheduled sweep flagging installments past their due
// date.
func (p *Processor) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("payment: begin overdue sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := p.repo.MarkOverdue(ctx, tx, asOf)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("payment: commit overdue sweep: %w", err)
	}
	return n, nil
}
