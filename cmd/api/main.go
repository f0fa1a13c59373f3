package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Valentine-Efagene/real-estate-sub005/approval"
	"github.com/Valentine-Efagene/real-estate-sub005/config"
	"github.com/Valentine-Efagene/real-estate-sub005/db"
	"github.com/Valentine-Efagene/real-estate-sub005/notify"
	"github.com/Valentine-Efagene/real-estate-sub005/outbox"
	"github.com/Valentine-Efagene/real-estate-sub005/payment"
	"github.com/Valentine-Efagene/real-estate-sub005/phase"
	"github.com/Valentine-Efagene/real-estate-sub005/trigger"
	"github.com/Valentine-Efagene/real-estate-sub005/unit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	var notifier trigger.Notifier
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("dial amqp: %v", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			log.Fatalf("open amqp channel: %v", err)
		}
		if err := notify.DeclareExchange(ch, cfg.AMQPExchange); err != nil {
			log.Fatalf("declare exchange: %v", err)
		}
		notifier = notify.NewAMQPPublisher(ch, cfg.AMQPExchange)
	}

	locker := unit.NewLocker(pool)

	dispatcher := trigger.NewDispatcher(pool, logger).
		Register(trigger.KindLockUnit, trigger.NewLockUnitHandler(locker)).
		Register(trigger.KindCallWebhook, trigger.NewWebhookHandler(http.DefaultClient, cfg.WebhookTimeout))
	if notifier != nil {
		dispatcher.
			Register(trigger.KindSendEmail, trigger.NewSendEmailHandler(pool, notifier)).
			Register(trigger.KindSendSMS, trigger.NewSendSMSHandler(pool, notifier))
	}

	machine := phase.NewMachine(pool, logger).WithDispatcher(dispatcher)
	processor := payment.NewProcessor(pool, payment.NewRepository(), machine, logger)
	if notifier != nil {
		processor = processor.WithNotifier(notifier)
	}
	if limit, err := decimal.NewFromString(cfg.RefundLimit); err != nil {
		logger.Fatal("invalid REFUND_LIMIT", zap.String("value", cfg.RefundLimit), zap.Error(err))
	} else if limit.IsPositive() {
		processor = processor.WithRefundLimit(limit)
	}

	approvals := approval.NewService(pool, approval.NewRepository(pool), logger)
	approvals.RegisterExecutor(approval.TypeRefund, approval.ExecutorFunc(
		func(ctx context.Context, tx pgx.Tx, req approval.Request) (approval.PostCommit, error) {
			_, err := processor.RefundInTx(ctx, tx, req.EntityID, req.RequesterUserID)
			return nil, err
		}))
	approvals.RegisterExecutor(approval.TypePhaseOverride, approval.ExecutorFunc(
		func(ctx context.Context, tx pgx.Tx, req approval.Request) (approval.PostCommit, error) {
			var payload struct {
				Action string `json:"action"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode override payload: %w", err)
			}
			var pending []phase.PendingDispatch
			var err error
			switch payload.Action {
			case "skip":
				_, pending, err = machine.SkipInTx(ctx, tx, req.EntityID, req.RequesterUserID, payload.Reason)
			case "complete":
				_, pending, err = machine.CompleteInTx(ctx, tx, req.EntityID, req.RequesterUserID)
			default:
				return nil, fmt.Errorf("unknown override action %q", payload.Action)
			}
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) {
				machine.FireDispatches(ctx, pending)
			}, nil
		}))

	if len(cfg.KafkaBrokers) > 0 {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		}
		defer writer.Close()

		relay := outbox.NewRelay(pool, writer, logger).WithInterval(cfg.OutboxInterval)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("outbox relay stopped", zap.Error(err))
			}
		}()
	}

	if cfg.OverdueSweepInterval > 0 {
		go runOverdueSweep(ctx, processor, cfg.OverdueSweepInterval, logger)
	}

	logger.Info("orchestration engine ready",
		zap.Bool("notifications", notifier != nil),
		zap.Bool("outbox_relay", len(cfg.KafkaBrokers) > 0))

	<-ctx.Done()
	logger.Info("shutting down")
}

func runOverdueSweep(ctx context.Context, processor *payment.Processor, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := processor.MarkOverdue(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("overdue sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("installments marked overdue", zap.Int64("count", n))
			}
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}
