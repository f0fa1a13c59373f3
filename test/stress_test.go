package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Valentine-Efagene/real-estate-sub005/outbox"
	"github.com/Valentine-Efagene/real-estate-sub005/payment"
	"github.com/Valentine-Efagene/real-estate-sub005/phase"
	"github.com/Valentine-Efagene/real-estate-sub005/test/actors"
	"github.com/Valentine-Efagene/real-estate-sub005/test/chaos"
	"github.com/Valentine-Efagene/real-estate-sub005/test/infra"
	"github.com/Valentine-Efagene/real-estate-sub005/test/oracles"
	"github.com/Valentine-Efagene/real-estate-sub005/unit"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestOrchestratorConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// real services under test
	logger := zap.NewNop()
	machine := phase.NewMachine(pool, logger)
	proc := payment.NewProcessor(pool, payment.NewRepository(), machine, logger)
	locker := unit.NewLocker(pool)
	writer := &actors.FlakyWriter{}
	relay := outbox.NewRelay(pool, writer, logger)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// payers and lump payers battling over the same schedule
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Payer(ctx2, proc, pool, seedData.tenantID, seedData.appID, seedData.payPhaseID, stop)
		})
		g.Go(func() error {
			return actors.LumpPayer(ctx2, proc, seedData.tenantID, seedData.appID, seedData.buyerID, stop)
		})
	}

	// callback replays of settled references
	g.Go(func() error { return actors.Replayer(ctx2, proc, pool, seedData.payPhaseID, stop) })
	// completion attempts racing the payment cascade
	g.Go(func() error { return actors.Completer(ctx2, machine, seedData.payPhaseID, seedData.buyerID, stop) })
	// two applications fighting over the same unit hold
	g.Go(func() error {
		return actors.LockContender(ctx2, locker, seedData.tenantID, seedData.appID, seedData.buyerID, stop)
	})
	g.Go(func() error {
		return actors.LockContender(ctx2, locker, seedData.tenantID, seedData.rivalAppID, seedData.buyerID, stop)
	})
	// outbox drain through the flaky writer
	g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	// overdue sweeps
	g.Go(func() error { return actors.OverdueSweeper(ctx2, proc, stop) })
	// chaos: kill random backends
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	tenantID   string
	buyerID    string
	unitID     string
	appID      string
	rivalAppID string
	payPhaseID string
}

// mustSeed builds the smallest world the actors need: one unit, two
// applications contending for it, and an active ten-installment payment phase
// on the first application with half the schedule already past due.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	if err := pool.QueryRow(ctx, `INSERT INTO tenants (name) VALUES ($1) RETURNING id`,
		fmt.Sprintf("Stress Estates %d", rand.Int63())).Scan(&s.tenantID); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (tenant_id, email, full_name, password_hash)
		VALUES ($1, $2, 'Stress Buyer', 'x') RETURNING id`,
		s.tenantID, fmt.Sprintf("buyer%d@example.com", rand.Int63())).Scan(&s.buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO units (tenant_id, project_name, unit_number, price)
		VALUES ($1, 'Stress Gardens', $2, 1000) RETURNING id`,
		s.tenantID, fmt.Sprintf("U-%d", rand.Int63())).Scan(&s.unitID); err != nil {
		t.Fatalf("seed unit: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO applications (tenant_id, buyer_user_id, unit_id, status, total_amount)
		VALUES ($1, $2, $3, 'active', 1000) RETURNING id`,
		s.tenantID, s.buyerID, s.unitID).Scan(&s.appID); err != nil {
		t.Fatalf("seed application: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO applications (tenant_id, buyer_user_id, unit_id, status, total_amount)
		VALUES ($1, $2, $3, 'pending', 1000) RETURNING id`,
		s.tenantID, s.buyerID, s.unitID).Scan(&s.rivalAppID); err != nil {
		t.Fatalf("seed rival application: %v", err)
	}

	// active payment phase with a ten-part schedule
	if err := pool.QueryRow(ctx, `INSERT INTO phases (tenant_id, application_id, order_index, category, status, activated_at)
		VALUES ($1, $2, 1, 'payment', 'in_progress', now()) RETURNING id`,
		s.tenantID, s.appID).Scan(&s.payPhaseID); err != nil {
		t.Fatalf("seed payment phase: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO phase_payment_details (phase_id, total_amount, term_months)
		VALUES ($1, 1000, 10)`, s.payPhaseID); err != nil {
		t.Fatalf("seed phase ledger: %v", err)
	}
	for seq := 1; seq <= 10; seq++ {
		due := time.Now().AddDate(0, seq-6, 0) // first five already past due
		if _, err := pool.Exec(ctx, `INSERT INTO installments (tenant_id, phase_id, seq, amount, due_date)
			VALUES ($1, $2, $3, 100, $4)`, s.tenantID, s.payPhaseID, seq, due); err != nil {
			t.Fatalf("seed installment %d: %v", seq, err)
		}
	}
	if _, err := pool.Exec(ctx, `UPDATE applications SET current_phase_id = $2 WHERE id = $1`,
		s.appID, s.payPhaseID); err != nil {
		t.Fatalf("point application at phase: %v", err)
	}

	// a follow-up phase for the cascade to activate once the schedule drains
	var docPhaseID string
	if err := pool.QueryRow(ctx, `INSERT INTO phases (tenant_id, application_id, order_index, category)
		VALUES ($1, $2, 2, 'documentation') RETURNING id`,
		s.tenantID, s.appID).Scan(&docPhaseID); err != nil {
		t.Fatalf("seed documentation phase: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO phase_documentation_details (phase_id, required_approved)
		VALUES ($1, 0)`, docPhaseID); err != nil {
		t.Fatalf("seed documentation details: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"phases", `SELECT id, application_id, order_index, status, completed_at FROM phases ORDER BY updated_at DESC LIMIT 20`},
		{"installments", `SELECT id, seq, amount, paid_amount, status FROM installments ORDER BY seq LIMIT 20`},
		{"payments", `SELECT id, reference, amount, status, created_at FROM payments ORDER BY created_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, application_id, type, created_at FROM timeline_events ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
