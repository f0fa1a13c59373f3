package phase

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a single phase.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusCancelled
}

// Category selects which extension record applies to a phase.
type Category string

const (
	CategoryQuestionnaire Category = "questionnaire"
	CategoryDocumentation Category = "documentation"
	CategoryPayment       Category = "payment"
)

// Phase mirrors the phases table plus the extension row for its category.
// Exactly one of Questionnaire, Documentation or Payment is non-nil.
type Phase struct {
	ID               string
	TenantID         string
	ApplicationID    string
	TemplateID       string
	OrderIndex       int
	Category         Category
	Status           Status
	RequiresPrevious bool
	SkipReason       *string
	ActivatedAt      *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Questionnaire *QuestionnaireExtension
	Documentation *DocumentationExtension
	Payment       *PaymentExtension
}

// QuestionnaireExtension tracks progress through the qualification form.
type QuestionnaireExtension struct {
	RequiredFields int
	AnsweredFields int
}

// DocumentationExtension tracks document approval counts for the phase.
type DocumentationExtension struct {
	RequiredApproved int
	ApprovedCount    int
}

// PaymentExtension carries the ledger totals for a payment phase. Phases
// with CollectFunds false are reconciled outside the ledger and accept no
// direct payments.
type PaymentExtension struct {
	TotalAmount  decimal.Decimal
	PaidAmount   decimal.Decimal
	InterestRate decimal.Decimal
	TermMonths   int
	CollectFunds bool
}

// FullyPaid reports whether the outstanding balance is zero or negative.
// The comparison tolerates sub-cent drift from proportional splits.
func (e *PaymentExtension) FullyPaid() bool {
	return e.TotalAmount.Sub(e.PaidAmount).LessThanOrEqual(decimal.Zero)
}

// InstallmentStatus is a pure function of paid amount vs amount, except for
// cancellation and the overdue sweep.
type InstallmentStatus string

const (
	InstallmentPending       InstallmentStatus = "pending"
	InstallmentPartiallyPaid InstallmentStatus = "partially_paid"
	InstallmentPaid          InstallmentStatus = "paid"
	InstallmentOverdue       InstallmentStatus = "overdue"
	InstallmentCancelled     InstallmentStatus = "cancelled"
)

// Installment is one scheduled obligation within a payment phase.
type Installment struct {
	ID         string
	TenantID   string
	PhaseID    string
	Seq        int
	Amount     decimal.Decimal
	PaidAmount decimal.Decimal
	DueDate    time.Time
	Status     InstallmentStatus
}

// StatusFor derives the installment status from the applied amounts.
func StatusFor(amount, paid decimal.Decimal, dueDate time.Time, now time.Time) InstallmentStatus {
	switch {
	case paid.GreaterThanOrEqual(amount):
		return InstallmentPaid
	case paid.IsPositive():
		return InstallmentPartiallyPaid
	case dueDate.Before(now):
		return InstallmentOverdue
	default:
		return InstallmentPending
	}
}

// DocumentationStepStatus tracks one requested document inside a
// documentation phase.
type DocumentationStepStatus string

const (
	StepPending          DocumentationStepStatus = "pending"
	StepSubmitted        DocumentationStepStatus = "submitted"
	StepApproved         DocumentationStepStatus = "approved"
	StepRejected         DocumentationStepStatus = "rejected"
	StepChangesRequested DocumentationStepStatus = "changes_requested"
)

// DocumentationStep mirrors the documentation_steps table.
type DocumentationStep struct {
	ID        string
	PhaseID   string
	Name      string
	Status    DocumentationStepStatus
	Note      *string
	UpdatedAt time.Time
}
