package approval

import (
	"encoding/json"
	"time"
)

// RequestType identifies which domain executor an approved request runs.
type RequestType string

const (
	TypeRefund        RequestType = "refund"
	TypeTransfer      RequestType = "transfer"
	TypePhaseOverride RequestType = "phase_override"
)

// Status represents the lifecycle of an approval request. Decided requests
// are immutable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Request mirrors the approval_requests table.
type Request struct {
	ID              string
	TenantID        string
	Type            RequestType
	EntityID        string
	Payload         json.RawMessage
	Status          Status
	RequesterUserID string
	DeciderUserID   *string
	Reason          *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DecidedAt       *time.Time
}
