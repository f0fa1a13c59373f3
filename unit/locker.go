package unit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrApplicationNotFound signals the application has no unit to lock.
	ErrApplicationNotFound = errors.New("unit: application not found")
)

// Locker grants an application the exclusive claim on its unit. A new lock
// supersedes every competing active lock on the same unit; locking a unit
// the application already holds is idempotent.
type Locker struct {
	pool *pgxpool.Pool
}

func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// LockForApplication claims the unit referenced by the application. The
// unit row is locked for the duration of the transaction so two
// applications racing for the same unit serialize.
func (l *Locker) LockForApplication(ctx context.Context, tenantID, applicationID, actorID string) (LockResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return LockResult{}, fmt.Errorf("unit: begin lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var unitID string
	err = tx.QueryRow(ctx, `
		SELECT u.id
		FROM applications a
		JOIN units u ON u.id = a.unit_id
		WHERE a.id = $1 AND a.tenant_id = $2
		FOR UPDATE OF u
	`, applicationID, tenantID).Scan(&unitID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockResult{}, ErrApplicationNotFound
		}
		return LockResult{}, fmt.Errorf("unit: resolve unit for application: %w", err)
	}

	result := LockResult{UnitID: unitID}

	// Idempotency: already holding an active lock is success.
	var existingLockID string
	err = tx.QueryRow(ctx, `
		SELECT id FROM unit_locks
		WHERE unit_id=$1 AND application_id=$2 AND status='active'
	`, unitID, applicationID).Scan(&existingLockID)
	switch {
	case err == nil:
		result.LockID = existingLockID
		result.AlreadyHeld = true
		if err := tx.Commit(ctx); err != nil {
			return LockResult{}, fmt.Errorf("unit: commit idempotent lock: %w", err)
		}
		return result, nil
	case errors.Is(err, pgx.ErrNoRows):
		// continue with claim
	default:
		return LockResult{}, fmt.Errorf("unit: check existing lock: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE unit_locks
		SET status='superseded', superseded_at=now()
		WHERE unit_id=$1 AND status='active'
		RETURNING application_id
	`, unitID)
	if err != nil {
		return LockResult{}, fmt.Errorf("unit: supersede locks: %w", err)
	}
	for rows.Next() {
		var appID string
		if err := rows.Scan(&appID); err != nil {
			rows.Close()
			return LockResult{}, fmt.Errorf("unit: scan superseded lock: %w", err)
		}
		result.SupersededApplicationIDs = append(result.SupersededApplicationIDs, appID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return LockResult{}, fmt.Errorf("unit: iterate superseded locks: %w", err)
	}
	result.SupersededCount = len(result.SupersededApplicationIDs)

	var actor any
	if actorID != "" {
		actor = actorID
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO unit_locks (tenant_id, unit_id, application_id, locked_by, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING id
	`, tenantID, unitID, applicationID, actor).Scan(&result.LockID)
	if err != nil {
		return LockResult{}, fmt.Errorf("unit: insert lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE units SET status='reserved' WHERE id=$1 AND status='available'
	`, unitID); err != nil {
		return LockResult{}, fmt.Errorf("unit: reserve unit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return LockResult{}, fmt.Errorf("unit: commit lock: %w", err)
	}
	return result, nil
}

// Release frees the application's active lock, if any.
func (l *Locker) Release(ctx context.Context, tenantID, applicationID string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE unit_locks
		SET status='released', superseded_at=now()
		WHERE tenant_id=$1 AND application_id=$2 AND status='active'
	`, tenantID, applicationID)
	if err != nil {
		return fmt.Errorf("unit: release lock: %w", err)
	}
	return nil
}
