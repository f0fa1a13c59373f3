package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/Valentine-Efagene/real-estate-sub005/phase"
)

var (
	// ErrNotFound is returned when no payment exists for the reference or id.
	ErrNotFound = errors.New("payment: not found")
	// ErrValidation rejects malformed input before any mutation.
	ErrValidation = errors.New("payment: invalid input")
	// ErrInvalidState signals the payment is not in a status permitting
	// the operation.
	ErrInvalidState = errors.New("payment: invalid state")
	// ErrInvalidOperation signals a payment against a phase that does
	// not collect funds directly.
	ErrInvalidOperation = errors.New("payment: phase does not collect funds")
	// ErrApprovalRequired directs over-limit refunds to the approval
	// bridge instead of the direct path.
	ErrApprovalRequired = errors.New("payment: refund requires approval")
	// ErrDuplicateReference signals the idempotency reference is already
	// taken by another payment.
	ErrDuplicateReference = errors.New("payment: duplicate reference")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const paymentColumns = `
id, tenant_id, application_id, phase_id, installment_id,
amount::text, method, status::text, reference, failure_reason,
created_at, completed_at, refunded_at
`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		amount string
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.ApplicationID, &p.PhaseID, &p.InstallmentID,
		&amount, &p.Method, &p.Status, &p.Reference, &p.FailureReason,
		&p.CreatedAt, &p.CompletedAt, &p.RefundedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: scan: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, fmt.Errorf("payment: parse amount: %w", err)
	}
	return p, nil
}

// Insert persists a new pending payment row.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Payment, error) {
	var phaseID, installmentID any
	if params.PhaseID != "" {
		phaseID = params.PhaseID
	}
	if params.InstallmentID != "" {
		installmentID = params.InstallmentID
	}
	p, err := scanPayment(tx.QueryRow(ctx, `
		INSERT INTO payments (tenant_id, application_id, phase_id, installment_id, amount, method, status, reference)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		RETURNING `+paymentColumns+`
	`, params.TenantID, params.ApplicationID, phaseID, installmentID, params.Amount, params.Method, params.Reference))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payment{}, fmt.Errorf("%w: %s", ErrDuplicateReference, params.Reference)
		}
		return Payment{}, err
	}
	return p, nil
}

// InsertCompleted persists a synthetic, already-settled payment. Pay-ahead
// uses it to record each installment it touches.
func (r *Repository) InsertCompleted(ctx context.Context, tx pgx.Tx, params CreateParams, at time.Time) (Payment, error) {
	var phaseID, installmentID any
	if params.PhaseID != "" {
		phaseID = params.PhaseID
	}
	if params.InstallmentID != "" {
		installmentID = params.InstallmentID
	}
	return scanPayment(tx.QueryRow(ctx, `
		INSERT INTO payments (tenant_id, application_id, phase_id, installment_id, amount, method, status, reference, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'completed', $7, $8)
		RETURNING `+paymentColumns+`
	`, params.TenantID, params.ApplicationID, phaseID, installmentID, params.Amount, params.Method, params.Reference, at))
}

// GetByReferenceForUpdate locks the payment row keyed by its idempotency
// reference.
func (r *Repository) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE reference=$1 FOR UPDATE
	`, reference))
}

// GetByIDForUpdate locks the payment row by primary key.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE
	`, id))
}

// MarkCompleted transitions pending → completed.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return r.mark(ctx, tx, `UPDATE payments SET status='completed', completed_at=$2 WHERE id=$1`, id, at)
}

// MarkFailed transitions pending → failed with the provider's reason.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) error {
	return r.mark(ctx, tx, `UPDATE payments SET status='failed', failure_reason=$2, completed_at=$3 WHERE id=$1`, id, reason, at)
}

// MarkRefunded transitions completed → refunded.
func (r *Repository) MarkRefunded(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return r.mark(ctx, tx, `UPDATE payments SET status='refunded', refunded_at=$2 WHERE id=$1`, id, at)
}

func (r *Repository) mark(ctx context.Context, tx pgx.Tx, query string, args ...any) error {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("payment: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ValidateTarget checks that the named phase belongs to the application and
// collects funds directly.
func (r *Repository) ValidateTarget(ctx context.Context, tx pgx.Tx, applicationID, phaseID string) error {
	var collects bool
	err := tx.QueryRow(ctx, `
		SELECT d.collect_funds
		FROM phases p
		JOIN phase_payment_details d ON d.phase_id = p.id
		WHERE p.id=$1 AND p.application_id=$2
	`, phaseID, applicationID).Scan(&collects)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: phase %s does not belong to application %s", ErrValidation, phaseID, applicationID)
		}
		return fmt.Errorf("payment: validate phase: %w", err)
	}
	if !collects {
		return ErrInvalidOperation
	}
	return nil
}

const installmentReturning = `
RETURNING id, tenant_id, phase_id, seq, amount::text, paid_amount::text, due_date, status::text
`

func scanInstallment(row pgx.Row) (phase.Installment, error) {
	var (
		inst         phase.Installment
		amount, paid string
	)
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.PhaseID, &inst.Seq, &amount, &paid, &inst.DueDate, &inst.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return phase.Installment{}, ErrNotFound
		}
		return phase.Installment{}, fmt.Errorf("payment: scan installment: %w", err)
	}
	if inst.Amount, err = decimal.NewFromString(amount); err != nil {
		return phase.Installment{}, fmt.Errorf("payment: parse installment amount: %w", err)
	}
	if inst.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return phase.Installment{}, fmt.Errorf("payment: parse installment paid: %w", err)
	}
	return inst, nil
}

// ApplyToInstallment adds amount to the installment's paid total and
// recomputes its status. The additive update runs under the row lock the
// caller's transaction already holds, so concurrent payments cannot lose
// increments.
func (r *Repository) ApplyToInstallment(ctx context.Context, tx pgx.Tx, installmentID string, amount decimal.Decimal) (phase.Installment, error) {
	return scanInstallment(tx.QueryRow(ctx, `
		UPDATE installments
		SET paid_amount = paid_amount + $2,
		    status = CASE
		        WHEN paid_amount + $2 >= amount THEN 'paid'
		        ELSE 'partially_paid'
		    END::installment_status
		WHERE id=$1
	`+installmentReturning, installmentID, amount))
}

// ReverseFromInstallment subtracts amount, clamped at zero, and downgrades
// the status accordingly.
func (r *Repository) ReverseFromInstallment(ctx context.Context, tx pgx.Tx, installmentID string, amount decimal.Decimal) (phase.Installment, error) {
	return scanInstallment(tx.QueryRow(ctx, `
		UPDATE installments
		SET paid_amount = GREATEST(paid_amount - $2, 0),
		    status = CASE
		        WHEN GREATEST(paid_amount - $2, 0) >= amount THEN 'paid'
		        WHEN GREATEST(paid_amount - $2, 0) > 0 THEN 'partially_paid'
		        WHEN due_date < now() THEN 'overdue'
		        ELSE 'pending'
		    END::installment_status
		WHERE id=$1
	`+installmentReturning, installmentID, amount))
}

func scanPaymentExtension(row pgx.Row) (phase.PaymentExtension, error) {
	var (
		ext               phase.PaymentExtension
		total, paid, rate string
	)
	if err := row.Scan(&total, &paid, &rate, &ext.TermMonths, &ext.CollectFunds); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return phase.PaymentExtension{}, ErrNotFound
		}
		return phase.PaymentExtension{}, fmt.Errorf("payment: scan phase ledger: %w", err)
	}
	var err error
	if ext.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return phase.PaymentExtension{}, fmt.Errorf("payment: parse phase total: %w", err)
	}
	if ext.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return phase.PaymentExtension{}, fmt.Errorf("payment: parse phase paid: %w", err)
	}
	if ext.InterestRate, err = decimal.NewFromString(rate); err != nil {
		return phase.PaymentExtension{}, fmt.Errorf("payment: parse phase rate: %w", err)
	}
	return ext, nil
}

// ApplyToPhase adds amount to the phase ledger and returns the updated
// extension so the caller can decide on completion.
func (r *Repository) ApplyToPhase(ctx context.Context, tx pgx.Tx, phaseID string, amount decimal.Decimal) (phase.PaymentExtension, error) {
	return scanPaymentExtension(tx.QueryRow(ctx, `
		UPDATE phase_payment_details
		SET paid_amount = paid_amount + $2
		WHERE phase_id=$1
		RETURNING total_amount::text, paid_amount::text, interest_rate::text, term_months, collect_funds
	`, phaseID, amount))
}

// ReverseFromPhase subtracts amount from the phase ledger, clamped at zero.
func (r *Repository) ReverseFromPhase(ctx context.Context, tx pgx.Tx, phaseID string, amount decimal.Decimal) (phase.PaymentExtension, error) {
	return scanPaymentExtension(tx.QueryRow(ctx, `
		UPDATE phase_payment_details
		SET paid_amount = GREATEST(paid_amount - $2, 0)
		WHERE phase_id=$1
		RETURNING total_amount::text, paid_amount::text, interest_rate::text, term_months, collect_funds
	`, phaseID, amount))
}

// ListPayableForUpdate locks and returns the application's open
// installments across collecting payment phases, oldest due first. The
// stable ordering keeps pay-ahead deterministic under concurrent calls.
func (r *Repository) ListPayableForUpdate(ctx context.Context, tx pgx.Tx, applicationID string) ([]phase.Installment, error) {
	rows, err := tx.Query(ctx, `
		SELECT i.id, i.tenant_id, i.phase_id, i.seq, i.amount::text, i.paid_amount::text, i.due_date, i.status::text
		FROM installments i
		JOIN phases p ON p.id = i.phase_id
		JOIN phase_payment_details d ON d.phase_id = p.id
		WHERE p.application_id = $1
		  AND d.collect_funds
		  AND i.status IN ('pending','partially_paid','overdue')
		ORDER BY i.due_date ASC, i.seq ASC
		FOR UPDATE OF i
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("payment: list payable installments: %w", err)
	}
	defer rows.Close()

	out := make([]phase.Installment, 0, 8)
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate payable installments: %w", err)
	}
	return out, nil
}

// RecomputeNextDue points the application at its earliest unpaid
// installment across all payment phases.
func (r *Repository) RecomputeNextDue(ctx context.Context, tx pgx.Tx, applicationID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications a
		SET next_payment_due_at = (
			SELECT MIN(i.due_date)
			FROM installments i
			JOIN phases p ON p.id = i.phase_id
			WHERE p.application_id = a.id
			  AND i.status IN ('pending','partially_paid','overdue')
		)
		WHERE a.id = $1
	`, applicationID); err != nil {
		return fmt.Errorf("payment: recompute next due: %w", err)
	}
	return nil
}

// MarkOverdue sweeps open installments whose due date has passed.
func (r *Repository) MarkOverdue(ctx context.Context, tx pgx.Tx, asOf time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE installments
		SET status='overdue'
		WHERE status IN ('pending','partially_paid') AND due_date < $1
	`, asOf)
	if err != nil {
		return 0, fmt.Errorf("payment: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, tenantID, applicationID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (tenant_id, application_id, type, payload, actor_id)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, tenantID, applicationID, eventType, body, actor); err != nil {
		return fmt.Errorf("payment: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("payment: enqueue outbox: %w", err)
	}
	return nil
}
