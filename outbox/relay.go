package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is one pending outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Writer publishes drained messages. *kafka.Writer satisfies it when its
// Topic field is left empty so the per-message topic applies.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay drains the transactional outbox into Kafka. Multiple relay
// instances can run concurrently; SKIP LOCKED keeps them off each other's
// rows.
type Relay struct {
	pool        *pgxpool.Pool
	writer      Writer
	log         *zap.Logger
	batchSize   int
	interval    time.Duration
	maxAttempts int
}

func NewRelay(pool *pgxpool.Pool, writer Writer, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		pool:        pool,
		writer:      writer,
		log:         log,
		batchSize:   100,
		interval:    time.Second,
		maxAttempts: 10,
	}
}

// WithInterval overrides the polling interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce claims one batch of pending rows, publishes them, and marks
// each processed or failed. Returns the number published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}

	batch := make([]Message, 0, r.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}
	if len(batch) == 0 {
		return 0, tx.Commit(ctx)
	}

	published := 0
	for _, m := range batch {
		err := r.writer.WriteMessages(ctx, kafka.Message{
			Topic: m.Topic,
			Key:   []byte(m.ID),
			Value: m.Payload,
		})
		if err != nil {
			if markErr := r.markFailed(ctx, tx, m); markErr != nil {
				return published, markErr
			}
			r.log.Warn("outbox publish failed",
				zap.String("message_id", m.ID),
				zap.String("topic", m.Topic),
				zap.Int("attempts", m.Attempts+1),
				zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status='processed', processed_at=now() WHERE id=$1
		`, m.ID); err != nil {
			return published, fmt.Errorf("outbox: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return published, nil
}

// markFailed bumps the attempt counter and parks the row as dead once it
// runs out of retries.
func (r *Relay) markFailed(ctx context.Context, tx pgx.Tx, m Message) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
		WHERE id = $1
	`, m.ID, r.maxAttempts); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
