package application

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the application lifecycle. Applications are never physically
// deleted, only status-transitioned.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusTransferred Status = "transferred"
	StatusCancelled   Status = "cancelled"
	StatusCompleted   Status = "completed"
)

// Application is the aggregate root for one buyer's acquisition contract.
type Application struct {
	ID               string
	TenantID         string
	BuyerUserID      string
	UnitID           string
	Status           Status
	TotalAmount      decimal.Decimal
	CurrentPhaseID   *string
	NextPaymentDueAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// validTransitions is the full transition table, kept in Go rather than a
// database constraint so every caller enforces the same rules.
var validTransitions = map[Status][]Status{
	StatusDraft:   {StatusPending, StatusCancelled},
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusTransferred, StatusCancelled},
}

// CanTransition reports whether from -> to is an allowed application
// transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
