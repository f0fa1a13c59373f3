package unit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Unit captures the subset of property-unit data the engine reads.
type Unit struct {
	ID          string
	TenantID    string
	ProjectName string
	UnitNumber  string
	Price       decimal.Decimal
	Status      string
	CreatedAt   time.Time
}

// LockResult reports the outcome of claiming a unit for an application,
// including the competing claims that were superseded by the new lock.
type LockResult struct {
	UnitID                   string
	LockID                   string
	AlreadyHeld              bool
	SupersededCount          int
	SupersededApplicationIDs []string
}
