package trigger

import "time"

// Trigger names a phase-lifecycle event that causes attached handlers to run.
type Trigger string

const (
	OnActivate      Trigger = "on_activate"
	OnComplete      Trigger = "on_complete"
	OnSkip          Trigger = "on_skip"
	OnPaymentFailed Trigger = "on_payment_failed"
)

// Kind identifies a configured handler implementation.
type Kind string

const (
	KindLockUnit         Kind = "lock_unit"
	KindSendEmail        Kind = "send_email"
	KindSendSMS          Kind = "send_sms"
	KindCallWebhook      Kind = "call_webhook"
	KindPush             Kind = "push"
	KindCustomAutomation Kind = "custom_automation"
	KindWorkflowAdvance  Kind = "workflow_advance"
)

// Attachment binds a handler kind to a (phase template, trigger) pair.
// Attachments are authored out-of-band and read-only at dispatch time.
type Attachment struct {
	ID         string
	TenantID   string
	TemplateID string
	Trigger    Trigger
	Kind       Kind
	Priority   int
	Enabled    bool
	Condition  string
	Config     map[string]any

	// parsed is populated when the attachment row is loaded; a non-nil
	// parseErr marks the condition as malformed and disables the handler.
	parsed   *Condition
	parseErr error
}

// ExecutionContext is the ephemeral value handed to every handler. It is
// rebuilt per dispatch and never persisted.
type ExecutionContext struct {
	TenantID      string
	ApplicationID string
	PhaseID       string
	Trigger       Trigger
	ActorID       string
	Event         map[string]any
}

// doc flattens the context for condition path resolution.
func (ec ExecutionContext) doc() map[string]any {
	return map[string]any{
		"tenant_id":      ec.TenantID,
		"application_id": ec.ApplicationID,
		"phase_id":       ec.PhaseID,
		"trigger":        string(ec.Trigger),
		"actor_id":       ec.ActorID,
		"event":          ec.Event,
	}
}

// ExecutionResult is the audited outcome of one handler run.
type ExecutionResult struct {
	AttachmentID string
	Kind         Kind
	Success      bool
	Skipped      bool
	Output       map[string]any
	Error        string
	Duration     time.Duration
}
