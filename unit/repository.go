package unit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested unit does not exist for the tenant.
var ErrNotFound = errors.New("unit: not found")

// Repository provides read access to property units.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a unit scoped to its tenant.
func (r *Repository) GetByID(ctx context.Context, tenantID, id string) (Unit, error) {
	const query = `
		SELECT id, tenant_id, project_name, unit_number, price::text, status::text, created_at
		FROM units
		WHERE id = $1 AND tenant_id = $2
	`

	u, err := scanUnit(r.pool.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, ErrNotFound
		}
		return Unit{}, fmt.Errorf("unit: query by id: %w", err)
	}
	return u, nil
}

// List fetches up to limit units for a tenant ordered by project and number.
func (r *Repository) List(ctx context.Context, tenantID string, limit int) ([]Unit, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, tenant_id, project_name, unit_number, price::text, status::text, created_at
		FROM units
		WHERE tenant_id = $1
		ORDER BY project_name ASC, unit_number ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("unit: list: %w", err)
	}
	defer rows.Close()

	units := make([]Unit, 0, limit)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("unit: scan: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unit: iterate: %w", err)
	}

	return units, nil
}

func scanUnit(row pgx.Row) (Unit, error) {
	var (
		u     Unit
		price string
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.ProjectName, &u.UnitNumber, &price, &u.Status, &u.CreatedAt); err != nil {
		return Unit{}, err
	}
	if err := u.Price.Scan(price); err != nil {
		return Unit{}, fmt.Errorf("parse price: %w", err)
	}
	return u, nil
}
