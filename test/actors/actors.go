package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/Valentine-Efagene/real-estate-sub005/outbox"
	"github.com/Valentine-Efagene/real-estate-sub005/payment"
	"github.com/Valentine-Efagene/real-estate-sub005/phase"
	"github.com/Valentine-Efagene/real-estate-sub005/unit"
)

// Payer initiates payments against open installments of a collecting phase and
// settles them, mostly successfully. Contention over the same installment is
// expected; the ledger must never over-apply.
func Payer(ctx context.Context, proc *payment.Processor, pool *pgxpool.Pool, tenantID, appID, phaseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var instID string
		var amount string
		err := pool.QueryRow(ctx, `
			SELECT id, (amount - paid_amount)::text
			FROM installments
			WHERE phase_id = $1 AND status IN ('pending','partially_paid','overdue')
			ORDER BY seq
			LIMIT 1
		`, phaseID).Scan(&instID, &amount)
		if err != nil {
			// nothing left to pay
			time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
			continue
		}
		due, err := decimal.NewFromString(amount)
		if err != nil || !due.IsPositive() {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		ref := fmt.Sprintf("stress-%d-%d", time.Now().UnixNano(), rand.Int63())
		pay, err := proc.Create(ctx, payment.CreateParams{
			TenantID:      tenantID,
			ApplicationID: appID,
			PhaseID:       phaseID,
			InstallmentID: instID,
			Amount:        due,
			Method:        "transfer",
			Reference:     ref,
		})
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("payer create: %w", err)
		}

		outcome := payment.OutcomeSuccess
		if rand.Intn(10) == 0 {
			outcome = payment.OutcomeFailure
		}
		if _, err := proc.Process(ctx, pay.Reference, outcome); err != nil && !tolerable(err) {
			return fmt.Errorf("payer process: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Replayer re-delivers provider callbacks for already settled references. Every
// replay must be a no-op.
func Replayer(ctx context.Context, proc *payment.Processor, pool *pgxpool.Pool, phaseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var ref string
		err := pool.QueryRow(ctx, `
			SELECT reference FROM payments
			WHERE phase_id = $1 AND status = 'completed'
			ORDER BY random() LIMIT 1
		`, phaseID).Scan(&ref)
		if err == nil {
			if _, err := proc.Process(ctx, ref, payment.OutcomeSuccess); err != nil && !tolerable(err) {
				return fmt.Errorf("replayer: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// LumpPayer pushes lump sums at the application, spreading them oldest due
// first. Amounts are small so the schedule drains gradually.
func LumpPayer(ctx context.Context, proc *payment.Processor, tenantID, appID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := decimal.NewFromInt(int64(5 + rand.Intn(40)))
		if _, err := proc.PayAhead(ctx, tenantID, appID, amount, actorID); err != nil && !tolerable(err) {
			return fmt.Errorf("lump payer: %w", err)
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// Completer hammers Complete on the same phase. Exactly one call may flip it;
// the rest must observe a terminal phase and back off.
func Completer(ctx context.Context, machine *phase.Machine, phaseID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := machine.Complete(ctx, phaseID, actorID); err != nil && !tolerable(err) {
			return fmt.Errorf("completer: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// LockContender acquires the unit hold for its application over and over,
// racing the contender of a sibling application on the same unit. The oracle
// checks that at most one hold is ever active.
func LockContender(ctx context.Context, locker *unit.Locker, tenantID, appID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := locker.LockForApplication(ctx, tenantID, appID, actorID); err != nil && !tolerable(err) {
			return fmt.Errorf("lock contender: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// OverdueSweeper periodically flags past-due installments.
func OverdueSweeper(ctx context.Context, proc *payment.Processor, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := proc.MarkOverdue(ctx, time.Now()); err != nil && !tolerable(err) {
			return fmt.Errorf("overdue sweeper: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// FlakyWriter drops roughly one publish in ten so the relay's retry and
// dead-letter paths get exercised.
type FlakyWriter struct {
	mu       sync.Mutex
	Written  int
	Rejected int
}

func (w *FlakyWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rand.Intn(10) == 0 {
		w.Rejected += len(msgs)
		return errors.New("flaky writer: simulated broker outage")
	}
	w.Written += len(msgs)
	return nil
}

// OutboxWorker drains the outbox through the real relay against the flaky
// writer.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := relay.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// tolerable reports whether an error is expected under contention or chaos
// rather than an invariant breach.
func tolerable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", // unique violation, racing initiations
			"40001", // serialization failure
			"40P01", // deadlock detected
			"57P01": // backend terminated by chaos
			return true
		}
	}
	if strings.Contains(err.Error(), "conn closed") ||
		strings.Contains(err.Error(), "unexpected EOF") ||
		strings.Contains(err.Error(), "broken pipe") {
		return true
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, payment.ErrValidation),
		errors.Is(err, payment.ErrInvalidState),
		errors.Is(err, payment.ErrInvalidOperation),
		errors.Is(err, payment.ErrDuplicateReference):
		return true
	case errors.Is(err, phase.ErrNotFound),
		errors.Is(err, phase.ErrInvalidState),
		errors.Is(err, phase.ErrPreconditionFailed):
		return true
	case errors.Is(err, unit.ErrApplicationNotFound):
		return true
	}
	return false
}
