package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the database while actors are
// hammering it. Each query must return zero rows on a healthy system.
//
// Overpayment is not checked: the provider settles whatever was initiated, so
// racing payers can push paid_amount past amount. What must never drift is
// conservation, the ledger matching the sum of settled payments exactly.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_installment_conservation",
			SQL: `SELECT i.id, i.paid_amount FROM installments i
                  WHERE i.paid_amount <> COALESCE((
                      SELECT SUM(pm.amount) FROM payments pm
                      WHERE pm.installment_id = i.id AND pm.status = 'completed'
                  ), 0)`,
		},
		{
			Name: "O2_phase_ledger_conservation",
			SQL: `SELECT d.phase_id, d.paid_amount FROM phase_payment_details d
                  WHERE d.paid_amount <> COALESCE((
                      SELECT SUM(pm.amount) FROM payments pm
                      WHERE pm.phase_id = d.phase_id AND pm.status = 'completed'
                  ), 0)`,
		},
		{
			Name: "O3_completed_phase_has_no_balance",
			SQL: `SELECT p.id FROM phases p
                  JOIN phase_payment_details d ON d.phase_id = p.id
                  WHERE p.status = 'completed'
                    AND d.collect_funds
                    AND d.paid_amount < d.total_amount`,
		},
		{
			Name: "O4_installment_status_matches_ledger",
			SQL: `SELECT id, status, amount, paid_amount FROM installments
                  WHERE (status = 'paid' AND paid_amount < amount)
                     OR (status = 'pending' AND paid_amount > 0)`,
		},
		{
			Name: "O5_single_active_hold_per_unit",
			SQL: `SELECT unit_id, COUNT(*) FROM unit_locks
                  WHERE status = 'active'
                  GROUP BY unit_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_single_phase_in_progress",
			SQL: `SELECT application_id, COUNT(*) FROM phases
                  WHERE status = 'in_progress'
                  GROUP BY application_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_terminal_phases_stamped",
			SQL: `SELECT id, status FROM phases
                  WHERE (status = 'completed' AND completed_at IS NULL)
                     OR (status = 'skipped' AND skip_reason IS NULL)`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
