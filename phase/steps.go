package phase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Documentation step review. These are sub-state operations: they never
// change the phase status and never fire phase-level handlers. Completing
// the phase once enough steps are approved remains an explicit call.

// SubmitStep records a buyer uploading a document for review.
func (m *Machine) SubmitStep(ctx context.Context, phaseID, stepID, actorID string) (DocumentationStep, error) {
	return m.reviewStep(ctx, phaseID, stepID, actorID, StepSubmitted, nil)
}

// ApproveStep approves a submitted document and bumps the phase's approved
// count.
func (m *Machine) ApproveStep(ctx context.Context, phaseID, stepID, actorID string) (DocumentationStep, error) {
	return m.reviewStep(ctx, phaseID, stepID, actorID, StepApproved, nil)
}

// RejectStep resets a step to rejected. A previously approved step loses
// its contribution to the approved count.
func (m *Machine) RejectStep(ctx context.Context, phaseID, stepID, actorID, note string) (DocumentationStep, error) {
	return m.reviewStep(ctx, phaseID, stepID, actorID, StepRejected, &note)
}

// RequestChanges sends a step back to the buyer without rejecting it
// outright.
func (m *Machine) RequestChanges(ctx context.Context, phaseID, stepID, actorID, note string) (DocumentationStep, error) {
	return m.reviewStep(ctx, phaseID, stepID, actorID, StepChangesRequested, &note)
}

func (m *Machine) reviewStep(ctx context.Context, phaseID, stepID, actorID string, next DocumentationStepStatus, note *string) (DocumentationStep, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return DocumentationStep{}, fmt.Errorf("phase: begin step tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := m.repo.GetForUpdate(ctx, tx, phaseID)
	if err != nil {
		return DocumentationStep{}, err
	}
	if p.Category != CategoryDocumentation {
		return DocumentationStep{}, fmt.Errorf("%w: phase %s is not a documentation phase", ErrInvalidState, phaseID)
	}
	if p.Status.Terminal() {
		return DocumentationStep{}, fmt.Errorf("%w: phase already %s", ErrInvalidState, p.Status)
	}

	var (
		step DocumentationStep
		prev DocumentationStepStatus
	)
	err = tx.QueryRow(ctx, `
		SELECT id, phase_id, name, status::text, note, updated_at
		FROM documentation_steps
		WHERE id=$1 AND phase_id=$2
		FOR UPDATE
	`, stepID, phaseID).Scan(&step.ID, &step.PhaseID, &step.Name, &prev, &step.Note, &step.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DocumentationStep{}, ErrStepNotFound
		}
		return DocumentationStep{}, fmt.Errorf("phase: load step: %w", err)
	}

	if err := validateStepTransition(prev, next); err != nil {
		return DocumentationStep{}, err
	}

	now := m.now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE documentation_steps
		SET status=$2::documentation_step_status, note=$3, updated_at=$4
		WHERE id=$1
	`, stepID, next, note, now); err != nil {
		return DocumentationStep{}, fmt.Errorf("phase: update step: %w", err)
	}

	delta := 0
	if next == StepApproved && prev != StepApproved {
		delta = 1
	}
	if prev == StepApproved && next != StepApproved {
		delta = -1
	}
	if delta != 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE phase_documentation_details
			SET approved_count = GREATEST(approved_count + $2, 0)
			WHERE phase_id=$1
		`, phaseID, delta); err != nil {
			return DocumentationStep{}, fmt.Errorf("phase: adjust approved count: %w", err)
		}
	}

	if err := insertTimelineEvent(ctx, tx, p.TenantID, p.ApplicationID, "DOCUMENT_STEP_REVIEWED", actorID, map[string]any{
		"phase_id": phaseID,
		"step_id":  stepID,
		"from":     string(prev),
		"to":       string(next),
	}); err != nil {
		return DocumentationStep{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DocumentationStep{}, fmt.Errorf("phase: commit step review: %w", err)
	}

	step.Status = next
	step.Note = note
	step.UpdatedAt = now
	return step, nil
}

func validateStepTransition(from, to DocumentationStepStatus) error {
	switch to {
	case StepSubmitted:
		if from == StepApproved {
			return fmt.Errorf("%w: approved step cannot be resubmitted", ErrInvalidState)
		}
	case StepApproved:
		if from != StepSubmitted {
			return fmt.Errorf("%w: only submitted steps can be approved, step is %s", ErrInvalidState, from)
		}
	case StepRejected, StepChangesRequested:
		if from == StepPending {
			return fmt.Errorf("%w: step has no submission to review", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unsupported step status %s", ErrInvalidState, to)
	}
	return nil
}
