package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Valentine-Efagene/real-estate-sub005/trigger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Dispatcher runs configured side-effect handlers for a phase transition.
// It is invoked strictly after the owning transaction commits.
type Dispatcher interface {
	Dispatch(ctx context.Context, phaseID string, trig trigger.Trigger, actorID string, eventData map[string]any) ([]trigger.ExecutionResult, error)
}

// PendingDispatch is a handler dispatch deferred until after commit. Order
// matters: completion dispatches precede the activation dispatch of the
// phase activated by the same cascade.
type PendingDispatch struct {
	PhaseID   string
	Trigger   trigger.Trigger
	ActorID   string
	EventData map[string]any
}

// Machine owns phase status transitions and cross-phase sequencing.
type Machine struct {
	pool       TxBeginner
	repo       *Repository
	dispatcher Dispatcher
	log        *zap.Logger
	now        func() time.Time
}

func NewMachine(pool TxBeginner, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		pool: pool,
		repo: NewRepository(),
		log:  log,
		now:  time.Now,
	}
}

// WithDispatcher wires the trigger dispatcher. Without one, transitions
// still commit and pending dispatches are dropped.
func (m *Machine) WithDispatcher(d Dispatcher) *Machine {
	m.dispatcher = d
	return m
}

// Activate moves a pending phase to in_progress, generating the installment
// schedule for payment phases on first activation. ON_ACTIVATE handlers run
// after the transaction commits.
func (m *Machine) Activate(ctx context.Context, phaseID, actorID string) (Phase, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Phase{}, fmt.Errorf("phase: begin activate tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, pending, err := m.ActivateInTx(ctx, tx, phaseID, actorID)
	if err != nil {
		return Phase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Phase{}, fmt.Errorf("phase: commit activate: %w", err)
	}

	m.FireDispatches(ctx, pending)
	return p, nil
}

// ActivateInTx performs activation inside the caller's transaction and
// returns the dispatches the caller must fire after commit.
func (m *Machine) ActivateInTx(ctx context.Context, tx pgx.Tx, phaseID, actorID string) (Phase, []PendingDispatch, error) {
	p, err := m.repo.GetForUpdate(ctx, tx, phaseID)
	if err != nil {
		return Phase{}, nil, err
	}
	if p.Status != StatusPending {
		return Phase{}, nil, fmt.Errorf("%w: cannot activate phase in status %s", ErrInvalidState, p.Status)
	}
	if p.RequiresPrevious {
		ok, err := m.repo.PredecessorSatisfied(ctx, tx, p.ApplicationID, p.OrderIndex)
		if err != nil {
			return Phase{}, nil, err
		}
		if !ok {
			return Phase{}, nil, fmt.Errorf("%w: phase order %d", ErrPreconditionFailed, p.OrderIndex)
		}
	}

	at := m.now().UTC()
	if err := m.repo.MarkInProgress(ctx, tx, p.ID, at); err != nil {
		return Phase{}, nil, err
	}
	if err := m.repo.ActivateApplication(ctx, tx, p.ApplicationID); err != nil {
		return Phase{}, nil, err
	}
	if err := m.repo.SetCurrentPhase(ctx, tx, p.ApplicationID, &p.ID); err != nil {
		return Phase{}, nil, err
	}

	if p.Category == CategoryPayment && p.Payment.CollectFunds {
		exists, err := m.repo.HasInstallments(ctx, tx, p.ID)
		if err != nil {
			return Phase{}, nil, err
		}
		if !exists {
			entries, err := GenerateSchedule(p.Payment.TotalAmount, p.Payment.TermMonths, at)
			if err != nil {
				return Phase{}, nil, err
			}
			if err := m.repo.InsertInstallments(ctx, tx, p.TenantID, p.ID, entries); err != nil {
				return Phase{}, nil, err
			}
		}
	}

	if err := insertTimelineEvent(ctx, tx, p.TenantID, p.ApplicationID, "PHASE_ACTIVATED", actorID, map[string]any{
		"phase_id":    p.ID,
		"order_index": p.OrderIndex,
		"category":    string(p.Category),
	}); err != nil {
		return Phase{}, nil, err
	}
	if err := enqueueOutbox(ctx, tx, "phase.activated", map[string]any{
		"application_id": p.ApplicationID,
		"phase_id":       p.ID,
		"category":       string(p.Category),
	}); err != nil {
		return Phase{}, nil, err
	}

	p.Status = StatusInProgress
	p.ActivatedAt = &at

	pending := []PendingDispatch{{
		PhaseID: p.ID,
		Trigger: trigger.OnActivate,
		ActorID: actorID,
		EventData: map[string]any{
			"category":    string(p.Category),
			"order_index": p.OrderIndex,
		},
	}}
	return p, pending, nil
}

// Complete finishes an in-progress phase whose category criteria hold and
// auto-advances to the next phase when its precondition is already
// satisfied. ON_COMPLETE handlers of this phase run fully before the
// ON_ACTIVATE handlers of the next.
func (m *Machine) Complete(ctx context.Context, phaseID, actorID string) (Phase, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Phase{}, fmt.Errorf("phase: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, pending, err := m.CompleteInTx(ctx, tx, phaseID, actorID)
	if err != nil {
		return Phase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Phase{}, fmt.Errorf("phase: commit complete: %w", err)
	}

	m.FireDispatches(ctx, pending)
	return p, nil
}

// CompleteInTx completes the phase inside the caller's transaction. A phase
// already completed is returned unchanged with no dispatches, so concurrent
// completors cascade at most once.
func (m *Machine) CompleteInTx(ctx context.Context, tx pgx.Tx, phaseID, actorID string) (Phase, []PendingDispatch, error) {
	p, err := m.repo.GetForUpdate(ctx, tx, phaseID)
	if err != nil {
		return Phase{}, nil, err
	}
	if p.Status == StatusCompleted {
		return p, nil, nil
	}
	if p.Status != StatusInProgress {
		return Phase{}, nil, fmt.Errorf("%w: cannot complete phase in status %s", ErrInvalidState, p.Status)
	}
	if err := completionCriteria(p); err != nil {
		return Phase{}, nil, err
	}

	at := m.now().UTC()
	if err := m.repo.MarkCompleted(ctx, tx, p.ID, at); err != nil {
		return Phase{}, nil, err
	}
	if err := insertTimelineEvent(ctx, tx, p.TenantID, p.ApplicationID, "PHASE_COMPLETED", actorID, map[string]any{
		"phase_id":    p.ID,
		"order_index": p.OrderIndex,
		"category":    string(p.Category),
	}); err != nil {
		return Phase{}, nil, err
	}
	if err := enqueueOutbox(ctx, tx, "phase.completed", map[string]any{
		"application_id": p.ApplicationID,
		"phase_id":       p.ID,
		"category":       string(p.Category),
	}); err != nil {
		return Phase{}, nil, err
	}

	p.Status = StatusCompleted
	p.CompletedAt = &at

	pending := []PendingDispatch{{
		PhaseID: p.ID,
		Trigger: trigger.OnComplete,
		ActorID: actorID,
		EventData: map[string]any{
			"category":    string(p.Category),
			"order_index": p.OrderIndex,
		},
	}}

	advance, err := m.advance(ctx, tx, p, actorID)
	if err != nil {
		return Phase{}, nil, err
	}
	return p, append(pending, advance...), nil
}

// SkipInTx marks the phase skipped inside the caller's transaction with the
// same auto-advance behaviour as completion.
func (m *Machine) SkipInTx(ctx context.Context, tx pgx.Tx, phaseID, actorID, reason string) (Phase, []PendingDispatch, error) {
	p, err := m.repo.GetForUpdate(ctx, tx, phaseID)
	if err != nil {
		return Phase{}, nil, err
	}
	if p.Status == StatusSkipped {
		return p, nil, nil
	}
	if p.Status != StatusPending && p.Status != StatusInProgress {
		return Phase{}, nil, fmt.Errorf("%w: cannot skip phase in status %s", ErrInvalidState, p.Status)
	}

	at := m.now().UTC()
	if err := m.repo.MarkSkipped(ctx, tx, p.ID, reason, at); err != nil {
		return Phase{}, nil, err
	}
	if err := insertTimelineEvent(ctx, tx, p.TenantID, p.ApplicationID, "PHASE_SKIPPED", actorID, map[string]any{
		"phase_id": p.ID,
		"reason":   reason,
	}); err != nil {
		return Phase{}, nil, err
	}
	if err := enqueueOutbox(ctx, tx, "phase.skipped", map[string]any{
		"application_id": p.ApplicationID,
		"phase_id":       p.ID,
	}); err != nil {
		return Phase{}, nil, err
	}

	p.Status = StatusSkipped
	p.SkipReason = &reason

	pending := []PendingDispatch{{
		PhaseID:   p.ID,
		Trigger:   trigger.OnSkip,
		ActorID:   actorID,
		EventData: map[string]any{"reason": reason},
	}}

	advance, err := m.advance(ctx, tx, p, actorID)
	if err != nil {
		return Phase{}, nil, err
	}
	return p, append(pending, advance...), nil
}

// Skip is the administrative override entry point.
func (m *Machine) Skip(ctx context.Context, phaseID, actorID, reason string) (Phase, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Phase{}, fmt.Errorf("phase: begin skip tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, pending, err := m.SkipInTx(ctx, tx, phaseID, actorID, reason)
	if err != nil {
		return Phase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Phase{}, fmt.Errorf("phase: commit skip: %w", err)
	}

	m.FireDispatches(ctx, pending)
	return p, nil
}

// advance picks the next phase by ascending order and activates it in the
// same transaction when its precondition already holds. When no phase
// remains open the application itself completes.
func (m *Machine) advance(ctx context.Context, tx pgx.Tx, done Phase, actorID string) ([]PendingDispatch, error) {
	nextID, duplicate, err := m.repo.NextPending(ctx, tx, done.ApplicationID, done.OrderIndex)
	if err != nil {
		return nil, err
	}
	if duplicate {
		m.log.Error("duplicate phase order detected, lowest order wins",
			zap.String("application_id", done.ApplicationID),
			zap.String("phase_id", nextID))
	}

	if nextID == "" {
		open, err := m.repo.OpenPhaseCount(ctx, tx, done.ApplicationID)
		if err != nil {
			return nil, err
		}
		if open > 0 {
			return nil, nil
		}
		if err := m.repo.SetCurrentPhase(ctx, tx, done.ApplicationID, nil); err != nil {
			return nil, err
		}
		if err := m.repo.CompleteApplication(ctx, tx, done.ApplicationID); err != nil {
			return nil, err
		}
		if err := enqueueOutbox(ctx, tx, "application.completed", map[string]any{
			"application_id": done.ApplicationID,
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	_, pending, err := m.ActivateInTx(ctx, tx, nextID, actorID)
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			// The next phase waits for an out-of-band action; leave it
			// pending without a current-phase pointer change.
			return nil, nil
		}
		return nil, err
	}
	return pending, nil
}

// FireDispatches executes deferred handler dispatches in order. Handler
// failures are audited by the dispatcher and never propagate.
func (m *Machine) FireDispatches(ctx context.Context, pending []PendingDispatch) {
	if m.dispatcher == nil || len(pending) == 0 {
		return
	}
	for _, pd := range pending {
		if _, err := m.dispatcher.Dispatch(ctx, pd.PhaseID, pd.Trigger, pd.ActorID, pd.EventData); err != nil {
			m.log.Error("trigger dispatch failed",
				zap.String("phase_id", pd.PhaseID),
				zap.String("trigger", string(pd.Trigger)),
				zap.Error(err))
		}
	}
}

func completionCriteria(p Phase) error {
	switch p.Category {
	case CategoryQuestionnaire:
		if p.Questionnaire.AnsweredFields < p.Questionnaire.RequiredFields {
			return fmt.Errorf("%w: %d of %d required answers", ErrInvalidState,
				p.Questionnaire.AnsweredFields, p.Questionnaire.RequiredFields)
		}
	case CategoryDocumentation:
		if p.Documentation.ApprovedCount < p.Documentation.RequiredApproved {
			return fmt.Errorf("%w: %d of %d documents approved", ErrInvalidState,
				p.Documentation.ApprovedCount, p.Documentation.RequiredApproved)
		}
	case CategoryPayment:
		// Non-collecting phases are reconciled externally; completion is
		// the administrative assertion that reconciliation happened.
		if p.Payment.CollectFunds && !p.Payment.FullyPaid() {
			return fmt.Errorf("%w: outstanding balance %s", ErrInvalidState,
				p.Payment.TotalAmount.Sub(p.Payment.PaidAmount))
		}
	}
	return nil
}
