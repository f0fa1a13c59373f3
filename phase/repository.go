package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no phase row exists for the identifier.
	ErrNotFound = errors.New("phase: not found")
	// ErrInvalidState signals the operation is not allowed in the phase's
	// current status or its completion criteria are unmet.
	ErrInvalidState = errors.New("phase: invalid state")
	// ErrPreconditionFailed signals activation was blocked by an
	// incomplete predecessor.
	ErrPreconditionFailed = errors.New("phase: predecessor not complete")
	// ErrStepNotFound is returned when a documentation step is missing.
	ErrStepNotFound = errors.New("phase: documentation step not found")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const phaseColumns = `
p.id, p.tenant_id, p.application_id, p.template_id, p.order_index,
p.category::text, p.status::text, p.requires_previous, p.skip_reason,
p.activated_at, p.completed_at, p.created_at, p.updated_at
`

func scanPhase(row pgx.Row) (Phase, error) {
	var p Phase
	err := row.Scan(
		&p.ID, &p.TenantID, &p.ApplicationID, &p.TemplateID, &p.OrderIndex,
		&p.Category, &p.Status, &p.RequiresPrevious, &p.SkipReason,
		&p.ActivatedAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Phase{}, ErrNotFound
		}
		return Phase{}, fmt.Errorf("phase: scan: %w", err)
	}
	return p, nil
}

// GetForUpdate locks the phase row and loads its category extension.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, phaseID string) (Phase, error) {
	p, err := scanPhase(tx.QueryRow(ctx, `SELECT `+phaseColumns+` FROM phases p WHERE p.id=$1 FOR UPDATE`, phaseID))
	if err != nil {
		return Phase{}, err
	}
	if err := r.loadExtension(ctx, tx, &p); err != nil {
		return Phase{}, err
	}
	return p, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get loads a phase without locking. q may be a pool or an open transaction.
func (r *Repository) Get(ctx context.Context, q querier, phaseID string) (Phase, error) {
	p, err := scanPhase(q.QueryRow(ctx, `SELECT `+phaseColumns+` FROM phases p WHERE p.id=$1`, phaseID))
	if err != nil {
		return Phase{}, err
	}
	if err := r.loadExtension(ctx, q, &p); err != nil {
		return Phase{}, err
	}
	return p, nil
}

func (r *Repository) loadExtension(ctx context.Context, q querier, p *Phase) error {
	switch p.Category {
	case CategoryQuestionnaire:
		var ext QuestionnaireExtension
		err := q.QueryRow(ctx, `
			SELECT required_fields, answered_fields
			FROM phase_questionnaire_details WHERE phase_id=$1
		`, p.ID).Scan(&ext.RequiredFields, &ext.AnsweredFields)
		if err != nil {
			return fmt.Errorf("phase: load questionnaire details: %w", err)
		}
		p.Questionnaire = &ext
	case CategoryDocumentation:
		var ext DocumentationExtension
		err := q.QueryRow(ctx, `
			SELECT required_approved, approved_count
			FROM phase_documentation_details WHERE phase_id=$1
		`, p.ID).Scan(&ext.RequiredApproved, &ext.ApprovedCount)
		if err != nil {
			return fmt.Errorf("phase: load documentation details: %w", err)
		}
		p.Documentation = &ext
	case CategoryPayment:
		ext, err := r.paymentDetails(ctx, q, p.ID, false)
		if err != nil {
			return err
		}
		p.Payment = &ext
	default:
		return fmt.Errorf("phase: unknown category %q", p.Category)
	}
	return nil
}

func (r *Repository) paymentDetails(ctx context.Context, q querier, phaseID string, lock bool) (PaymentExtension, error) {
	query := `
		SELECT total_amount::text, paid_amount::text, interest_rate::text, term_months, collect_funds
		FROM phase_payment_details WHERE phase_id=$1
	`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		ext               PaymentExtension
		total, paid, rate string
	)
	if err := q.QueryRow(ctx, query, phaseID).Scan(&total, &paid, &rate, &ext.TermMonths, &ext.CollectFunds); err != nil {
		return PaymentExtension{}, fmt.Errorf("phase: load payment details: %w", err)
	}
	var err error
	if ext.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return PaymentExtension{}, fmt.Errorf("phase: parse total amount: %w", err)
	}
	if ext.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return PaymentExtension{}, fmt.Errorf("phase: parse paid amount: %w", err)
	}
	if ext.InterestRate, err = decimal.NewFromString(rate); err != nil {
		return PaymentExtension{}, fmt.Errorf("phase: parse interest rate: %w", err)
	}
	return ext, nil
}

// PredecessorSatisfied reports whether every lower-ordered phase of the
// application has reached a terminal, non-cancelled status.
func (r *Repository) PredecessorSatisfied(ctx context.Context, tx pgx.Tx, applicationID string, orderIndex int) (bool, error) {
	var open int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM phases
		WHERE application_id=$1 AND order_index < $2
		  AND status NOT IN ('completed','skipped')
	`, applicationID, orderIndex).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("phase: check predecessors: %w", err)
	}
	return open == 0, nil
}

// NextPending returns the lowest-ordered pending phase after orderIndex.
// The second return reports whether competing candidates shared that order,
// which violates the contiguous-ordering invariant.
func (r *Repository) NextPending(ctx context.Context, tx pgx.Tx, applicationID string, orderIndex int) (string, bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, order_index FROM phases
		WHERE application_id=$1 AND order_index > $2 AND status='pending'
		ORDER BY order_index ASC, created_at ASC
		LIMIT 2
	`, applicationID, orderIndex)
	if err != nil {
		return "", false, fmt.Errorf("phase: next pending: %w", err)
	}
	defer rows.Close()

	var (
		ids    []string
		orders []int
	)
	for rows.Next() {
		var id string
		var order int
		if err := rows.Scan(&id, &order); err != nil {
			return "", false, fmt.Errorf("phase: scan next pending: %w", err)
		}
		ids = append(ids, id)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("phase: iterate next pending: %w", err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	duplicate := len(ids) == 2 && orders[0] == orders[1]
	return ids[0], duplicate, nil
}

// OpenPhaseCount counts phases of the application still awaiting work.
func (r *Repository) OpenPhaseCount(ctx context.Context, tx pgx.Tx, applicationID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM phases
		WHERE application_id=$1 AND status IN ('pending','in_progress')
	`, applicationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("phase: count open phases: %w", err)
	}
	return n, nil
}

func (r *Repository) setStatus(ctx context.Context, tx pgx.Tx, phaseID string, status Status, extra string, args ...any) error {
	query := fmt.Sprintf(`
		UPDATE phases
		SET status=$1::phase_status, updated_at=now()%s
		WHERE id=$2
	`, extra)
	all := append([]any{status, phaseID}, args...)
	tag, err := tx.Exec(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("phase: set status %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInProgress records activation.
func (r *Repository) MarkInProgress(ctx context.Context, tx pgx.Tx, phaseID string, at time.Time) error {
	return r.setStatus(ctx, tx, phaseID, StatusInProgress, ", activated_at=$3", at)
}

// MarkCompleted records completion.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, phaseID string, at time.Time) error {
	return r.setStatus(ctx, tx, phaseID, StatusCompleted, ", completed_at=$3", at)
}

// MarkSkipped records an administrative skip with its reason.
func (r *Repository) MarkSkipped(ctx context.Context, tx pgx.Tx, phaseID, reason string, at time.Time) error {
	return r.setStatus(ctx, tx, phaseID, StatusSkipped, ", completed_at=$3, skip_reason=$4", at, reason)
}

// HasInstallments reports whether a schedule was already generated.
func (r *Repository) HasInstallments(ctx context.Context, tx pgx.Tx, phaseID string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM installments WHERE phase_id=$1)`, phaseID).Scan(&exists); err != nil {
		return false, fmt.Errorf("phase: check installments: %w", err)
	}
	return exists, nil
}

// InsertInstallments persists a freshly generated schedule.
func (r *Repository) InsertInstallments(ctx context.Context, tx pgx.Tx, tenantID, phaseID string, entries []ScheduleEntry) error {
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO installments (tenant_id, phase_id, seq, amount, paid_amount, due_date, status)
			VALUES ($1, $2, $3, $4, 0, $5, 'pending')
		`, tenantID, phaseID, e.Seq, e.Amount, e.DueDate); err != nil {
			return fmt.Errorf("phase: insert installment %d: %w", e.Seq, err)
		}
	}
	return nil
}

// SetCurrentPhase points the application at its new current phase; nil
// clears the pointer once every phase is terminal.
func (r *Repository) SetCurrentPhase(ctx context.Context, tx pgx.Tx, applicationID string, phaseID *string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications SET current_phase_id=$2, updated_at=now() WHERE id=$1
	`, applicationID, phaseID); err != nil {
		return fmt.Errorf("phase: set current phase: %w", err)
	}
	return nil
}

// ActivateApplication flips a pending application to active on first
// phase activation. No-op when already active.
func (r *Repository) ActivateApplication(ctx context.Context, tx pgx.Tx, applicationID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications SET status='active', updated_at=now()
		WHERE id=$1 AND status IN ('draft','pending')
	`, applicationID); err != nil {
		return fmt.Errorf("phase: activate application: %w", err)
	}
	return nil
}

// CompleteApplication marks the application completed once its last phase
// has finished.
func (r *Repository) CompleteApplication(ctx context.Context, tx pgx.Tx, applicationID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE applications SET status='completed', current_phase_id=NULL, updated_at=now()
		WHERE id=$1 AND status='active'
	`, applicationID); err != nil {
		return fmt.Errorf("phase: complete application: %w", err)
	}
	return nil
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, tenantID, applicationID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("phase: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (tenant_id, application_id, type, payload, actor_id)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, tenantID, applicationID, eventType, body, actor); err != nil {
		return fmt.Errorf("phase: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("phase: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("phase: enqueue outbox: %w", err)
	}
	return nil
}
