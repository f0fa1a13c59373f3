package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("approval: not found")
	// ErrInvalidState is returned when deciding a request that is no
	// longer pending.
	ErrInvalidState = errors.New("approval: request already decided")
	ErrValidation   = errors.New("approval: invalid input")
)

const requestColumns = `
id, tenant_id, type::text, entity_id, payload, status::text,
requester_user_id, decider_user_id, reason, created_at, updated_at, decided_at
`

// Repository persists approval requests. Writes happen in caller-owned
// transactions so the decide path can bundle the executor's changes with
// the status flip; reads go straight to the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	err := row.Scan(
		&req.ID, &req.TenantID, &req.Type, &req.EntityID, &req.Payload, &req.Status,
		&req.RequesterUserID, &req.DeciderUserID, &req.Reason,
		&req.CreatedAt, &req.UpdatedAt, &req.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("approval: scan request: %w", err)
	}
	return req, nil
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	return scanRequest(tx.QueryRow(ctx, `
		INSERT INTO approval_requests (tenant_id, type, entity_id, payload, requester_user_id, status)
		VALUES ($1, $2::approval_type, $3, $4::jsonb, $5, 'pending')
		RETURNING `+requestColumns+`
	`, req.TenantID, req.Type, req.EntityID, req.Payload, req.RequesterUserID))
}

// GetForUpdate locks the request row for the decide transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, requestID string) (Request, error) {
	return scanRequest(tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE id=$1 AND tenant_id=$2
		FOR UPDATE
	`, requestID, tenantID))
}

func (r *Repository) Get(ctx context.Context, tenantID, requestID string) (Request, error) {
	return scanRequest(r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM approval_requests WHERE id=$1 AND tenant_id=$2
	`, requestID, tenantID))
}

// ListPending returns undecided requests for the tenant, oldest first.
func (r *Repository) ListPending(ctx context.Context, tenantID string) ([]Request, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE tenant_id=$1 AND status='pending'
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate pending: %w", err)
	}
	return out, nil
}

// MarkDecided flips a pending request to its final status. Zero rows
// affected means a concurrent decision won the race.
func (r *Repository) MarkDecided(ctx context.Context, tx pgx.Tx, requestID string, status Status, deciderID, reason string) (Request, error) {
	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	req, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE approval_requests
		SET status=$2::approval_status, decider_user_id=$3, reason=$4,
		    decided_at=now(), updated_at=now()
		WHERE id=$1 AND status='pending'
		RETURNING `+requestColumns+`
	`, requestID, status, deciderID, reasonArg))
	if errors.Is(err, ErrNotFound) {
		return Request{}, ErrInvalidState
	}
	return req, err
}
