package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment lifecycle. A payment reaches a terminal status
// exactly once; refunded is only reachable from completed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment is a single financial event against an application, optionally
// tied to one phase and one installment. The external reference is the
// idempotency key: the ledger applies a reference at most once.
type Payment struct {
	ID            string
	TenantID      string
	ApplicationID string
	PhaseID       *string
	InstallmentID *string
	Amount        decimal.Decimal
	Method        string
	Status        Status
	Reference     string
	FailureReason *string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	RefundedAt    *time.Time
}

// Outcome is the provider's verdict delivered to Process.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// CreateParams describes a payment initiation.
type CreateParams struct {
	TenantID      string
	ApplicationID string
	PhaseID       string
	InstallmentID string
	Amount        decimal.Decimal
	Method        string
	Reference     string
}

// PayAheadResult reports how a lump sum was spread across the schedule.
type PayAheadResult struct {
	TotalApplied     decimal.Decimal
	InstallmentsPaid int
	RemainingCredit  decimal.Decimal
}
