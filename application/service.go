package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Valentine-Efagene/real-estate-sub005/phase"
)

var (
	// ErrNotFound is returned when no application row exists for the
	// identifier within the tenant.
	ErrNotFound = errors.New("application: not found")
	// ErrValidation rejects malformed creation input.
	ErrValidation = errors.New("application: invalid input")
	// ErrInvalidTransition signals a status change the transition table
	// forbids.
	ErrInvalidTransition = errors.New("application: invalid status transition")
)

// PhaseTemplate describes one ordered phase of the payment method the
// application is created from. Exactly the fields of the matching category
// are read.
type PhaseTemplate struct {
	TemplateID       string
	Category         phase.Category
	RequiresPrevious bool

	// questionnaire
	RequiredFields int

	// documentation
	RequiredApproved int
	StepNames        []string

	// payment
	PrincipalAmount decimal.Decimal
	InterestRate    decimal.Decimal
	TermMonths      int
	CollectFunds    bool
}

// CreateParams captures contract initiation.
type CreateParams struct {
	TenantID    string
	BuyerUserID string
	UnitID      string
	Phases      []PhaseTemplate
}

// Service owns application lifecycle writes. Every state change lands with
// its timeline event and outbox message in one transaction.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Create initiates an application with its ordered phases generated from
// the template. Phases start pending; activating the first one is a
// separate, explicit step.
func (s *Service) Create(ctx context.Context, params CreateParams) (Application, error) {
	if params.TenantID == "" || params.BuyerUserID == "" || params.UnitID == "" {
		return Application{}, fmt.Errorf("%w: tenant, buyer and unit ids required", ErrValidation)
	}
	if len(params.Phases) == 0 {
		return Application{}, fmt.Errorf("%w: at least one phase template required", ErrValidation)
	}
	for i, tpl := range params.Phases {
		if tpl.Category == phase.CategoryPayment && tpl.CollectFunds {
			if !tpl.PrincipalAmount.IsPositive() {
				return Application{}, fmt.Errorf("%w: phase %d principal must be positive", ErrValidation, i)
			}
			if tpl.TermMonths <= 0 {
				return Application{}, fmt.Errorf("%w: phase %d term must be positive", ErrValidation, i)
			}
		}
	}

	total := decimal.Zero
	for _, tpl := range params.Phases {
		if tpl.Category == phase.CategoryPayment {
			total = total.Add(phase.FlatInterestTotal(tpl.PrincipalAmount, tpl.InterestRate, tpl.TermMonths))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var unitExists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM units WHERE id=$1 AND tenant_id=$2)
	`, params.UnitID, params.TenantID).Scan(&unitExists); err != nil {
		return Application{}, fmt.Errorf("application: verify unit: %w", err)
	}
	if !unitExists {
		return Application{}, fmt.Errorf("%w: unit %s not found for tenant", ErrValidation, params.UnitID)
	}

	app, err := scanApplication(tx.QueryRow(ctx, `
		INSERT INTO applications (tenant_id, buyer_user_id, unit_id, status, total_amount)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING `+applicationColumns+`
	`, params.TenantID, params.BuyerUserID, params.UnitID, total))
	if err != nil {
		return Application{}, fmt.Errorf("application: insert: %w", err)
	}

	if err := s.insertPhases(ctx, tx, app, params.Phases); err != nil {
		return Application{}, err
	}

	if err := insertTimelineEvent(ctx, tx, app.TenantID, app.ID, "APPLICATION_CREATED", params.BuyerUserID, map[string]any{
		"unit_id":      params.UnitID,
		"total_amount": total.String(),
		"phase_count":  len(params.Phases),
	}); err != nil {
		return Application{}, err
	}
	if err := enqueueOutbox(ctx, tx, "application.created", map[string]any{
		"application_id": app.ID,
		"tenant_id":      app.TenantID,
		"unit_id":        params.UnitID,
	}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit create: %w", err)
	}
	return app, nil
}

func (s *Service) insertPhases(ctx context.Context, tx pgx.Tx, app Application, templates []PhaseTemplate) error {
	for i, tpl := range templates {
		var templateID any
		if tpl.TemplateID != "" {
			templateID = tpl.TemplateID
		}
		var phaseID string
		err := tx.QueryRow(ctx, `
			INSERT INTO phases (tenant_id, application_id, template_id, order_index, category, status, requires_previous)
			VALUES ($1, $2, $3, $4, $5::phase_category, 'pending', $6)
			RETURNING id
		`, app.TenantID, app.ID, templateID, i+1, tpl.Category, tpl.RequiresPrevious).Scan(&phaseID)
		if err != nil {
			return fmt.Errorf("application: insert phase %d: %w", i+1, err)
		}

		switch tpl.Category {
		case phase.CategoryQuestionnaire:
			if _, err := tx.Exec(ctx, `
				INSERT INTO phase_questionnaire_details (phase_id, required_fields, answered_fields)
				VALUES ($1, $2, 0)
			`, phaseID, tpl.RequiredFields); err != nil {
				return fmt.Errorf("application: insert questionnaire details: %w", err)
			}
		case phase.CategoryDocumentation:
			required := tpl.RequiredApproved
			if required == 0 {
				required = len(tpl.StepNames)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO phase_documentation_details (phase_id, required_approved, approved_count)
				VALUES ($1, $2, 0)
			`, phaseID, required); err != nil {
				return fmt.Errorf("application: insert documentation details: %w", err)
			}
			for _, name := range tpl.StepNames {
				if _, err := tx.Exec(ctx, `
					INSERT INTO documentation_steps (phase_id, name, status)
					VALUES ($1, $2, 'pending')
				`, phaseID, name); err != nil {
					return fmt.Errorf("application: insert documentation step: %w", err)
				}
			}
		case phase.CategoryPayment:
			phaseTotal := phase.FlatInterestTotal(tpl.PrincipalAmount, tpl.InterestRate, tpl.TermMonths)
			if _, err := tx.Exec(ctx, `
				INSERT INTO phase_payment_details (phase_id, total_amount, paid_amount, interest_rate, term_months, collect_funds)
				VALUES ($1, $2, 0, $3, $4, $5)
			`, phaseID, phaseTotal, tpl.InterestRate, tpl.TermMonths, tpl.CollectFunds); err != nil {
				return fmt.Errorf("application: insert payment details: %w", err)
			}
		default:
			return fmt.Errorf("%w: unknown phase category %q", ErrValidation, tpl.Category)
		}
	}
	return nil
}

// TransitionParams drives a guarded status change.
type TransitionParams struct {
	TenantID      string
	ApplicationID string
	ActorID       string
	NextStatus    Status
	Payload       map[string]any
}

// Transition applies a guarded status change with timeline and outbox
// writes in the same transaction. Cancelling an application cancels its
// open phases too.
func (s *Service) Transition(ctx context.Context, params TransitionParams) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := scanApplication(tx.QueryRow(ctx, `
		SELECT `+applicationColumns+` FROM applications
		WHERE id=$1 AND tenant_id=$2
		FOR UPDATE
	`, params.ApplicationID, params.TenantID))
	if err != nil {
		return Application{}, err
	}

	if !CanTransition(app.Status, params.NextStatus) {
		return Application{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, app.Status, params.NextStatus)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE applications
		SET status=$2::application_status, updated_at=now()
		WHERE id=$1
	`, app.ID, params.NextStatus); err != nil {
		return Application{}, fmt.Errorf("application: update status: %w", err)
	}

	if params.NextStatus == StatusCancelled {
		if _, err := tx.Exec(ctx, `
			UPDATE phases
			SET status='cancelled', updated_at=now()
			WHERE application_id=$1 AND status IN ('pending','in_progress')
		`, app.ID); err != nil {
			return Application{}, fmt.Errorf("application: cancel phases: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE installments i
			SET status='cancelled'
			FROM phases p
			WHERE p.id = i.phase_id AND p.application_id=$1
			  AND i.status IN ('pending','partially_paid','overdue')
		`, app.ID); err != nil {
			return Application{}, fmt.Errorf("application: cancel installments: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE applications SET current_phase_id=NULL WHERE id=$1
		`, app.ID); err != nil {
			return Application{}, fmt.Errorf("application: clear current phase: %w", err)
		}
	}

	payload := map[string]any{
		"previous_status": string(app.Status),
		"next_status":     string(params.NextStatus),
	}
	for k, v := range params.Payload {
		payload[k] = v
	}
	if err := insertTimelineEvent(ctx, tx, app.TenantID, app.ID, "APPLICATION_STATUS_CHANGED", params.ActorID, payload); err != nil {
		return Application{}, err
	}
	if err := enqueueOutbox(ctx, tx, "application.status_changed", map[string]any{
		"application_id": app.ID,
		"previous":       string(app.Status),
		"next":           string(params.NextStatus),
	}); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit transition: %w", err)
	}

	app.Status = params.NextStatus
	return app, nil
}

// Cancel is a convenience wrapper for administrative termination.
func (s *Service) Cancel(ctx context.Context, tenantID, applicationID, actorID, reason string) (Application, error) {
	return s.Transition(ctx, TransitionParams{
		TenantID:      tenantID,
		ApplicationID: applicationID,
		ActorID:       actorID,
		NextStatus:    StatusCancelled,
		Payload:       map[string]any{"reason": reason},
	})
}

const applicationColumns = `
id, tenant_id, buyer_user_id, unit_id, status::text, total_amount::text,
current_phase_id, next_payment_due_at, created_at, updated_at
`

func scanApplication(row pgx.Row) (Application, error) {
	var (
		app   Application
		total string
	)
	err := row.Scan(
		&app.ID, &app.TenantID, &app.BuyerUserID, &app.UnitID, &app.Status, &total,
		&app.CurrentPhaseID, &app.NextPaymentDueAt, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: scan: %w", err)
	}
	if app.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Application{}, fmt.Errorf("application: parse total: %w", err)
	}
	return app, nil
}

// Get fetches one application scoped to its tenant.
func (s *Service) Get(ctx context.Context, tenantID, applicationID string) (Application, error) {
	return scanApplication(s.pool.QueryRow(ctx, `
		SELECT `+applicationColumns+` FROM applications WHERE id=$1 AND tenant_id=$2
	`, applicationID, tenantID))
}

// ListFilters narrows List results.
type ListFilters struct {
	TenantID    string
	BuyerUserID string
	Status      Status
	Page        int
	PageSize    int
}

// List returns a page of applications for the tenant, newest first.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Application, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + applicationColumns + ` FROM applications WHERE tenant_id=$1`
	args := []any{filters.TenantID}
	if filters.BuyerUserID != "" {
		args = append(args, filters.BuyerUserID)
		query += fmt.Sprintf(" AND buyer_user_id=$%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status=$%d::application_status", len(args))
	}
	countQuery := "SELECT COUNT(*) FROM (" + query + ") c"

	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("application: list: %w", err)
	}
	defer rows.Close()

	apps := []Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, 0, err
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("application: iterate: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("application: count: %w", err)
	}

	return apps, total, nil
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, tenantID, applicationID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("application: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (tenant_id, application_id, type, payload, actor_id)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, tenantID, applicationID, eventType, body, actor); err != nil {
		return fmt.Errorf("application: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("application: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("application: enqueue outbox: %w", err)
	}
	return nil
}
