package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrPhaseNotFound is returned when the dispatch target does not exist.
var ErrPhaseNotFound = errors.New("trigger: phase not found")

// Handler is a configured side-effect. Implementations must be pure
// functions of (config, context): no state transition may depend on their
// outcome.
type Handler interface {
	Execute(ctx context.Context, config map[string]any, ec ExecutionContext) (map[string]any, error)
}

// Pool is the slice of pgxpool.Pool the dispatcher loads attachments and
// records executions through.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Dispatcher loads the handlers attached to a phase's template for a
// trigger and executes them strictly sequentially in ascending priority.
// It is best-effort for side effects and strict for state: a handler
// failure is audited and the loop continues, and the already-committed
// transition is never affected.
type Dispatcher struct {
	pool     Pool
	handlers map[Kind]Handler
	log      *zap.Logger
	now      func() time.Time
}

func NewDispatcher(pool Pool, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		pool:     pool,
		handlers: make(map[Kind]Handler),
		log:      log,
		now:      time.Now,
	}
}

// Register binds a handler implementation to a kind. Unregistered kinds
// resolve to a skip marker so templates referencing not-yet-built handlers
// never break phase progression.
func (d *Dispatcher) Register(kind Kind, h Handler) *Dispatcher {
	d.handlers[kind] = h
	return d
}

// Dispatch runs the configured handlers for (phase, trigger) and returns
// every execution result. It never returns handler errors; the returned
// error covers only the inability to load the phase or its attachments.
func (d *Dispatcher) Dispatch(ctx context.Context, phaseID string, trig Trigger, actorID string, eventData map[string]any) ([]ExecutionResult, error) {
	ec, templateID, err := d.buildContext(ctx, phaseID, trig, actorID, eventData)
	if err != nil {
		return nil, err
	}
	if templateID == "" {
		// ad hoc phases carry no template, nothing can be attached to them
		return nil, nil
	}

	attachments, err := d.loadAttachments(ctx, ec.TenantID, templateID, trig)
	if err != nil {
		return nil, err
	}

	return d.Run(ctx, attachments, ec), nil
}

// Run executes a prepared attachment list against a context. Exposed so
// dispatches can be replayed directly from stored attachments.
func (d *Dispatcher) Run(ctx context.Context, attachments []Attachment, ec ExecutionContext) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(attachments))
	doc := ec.doc()
	for _, att := range attachments {
		res := d.executeOne(ctx, att, ec, doc)
		d.audit(ctx, att, ec, res)
		results = append(results, res)
	}
	return results
}

func (d *Dispatcher) executeOne(ctx context.Context, att Attachment, ec ExecutionContext, doc map[string]any) (res ExecutionResult) {
	res = ExecutionResult{AttachmentID: att.ID, Kind: att.Kind}
	started := d.now()
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("handler panic: %v", r)
		}
		res.Duration = d.now().Sub(started)
	}()

	// Malformed conditions fail closed: the handler is skipped and the
	// configuration error is surfaced in the audit trail.
	if att.parseErr != nil {
		d.log.Warn("skipping handler with malformed condition",
			zap.String("attachment_id", att.ID),
			zap.String("condition", att.Condition),
			zap.Error(att.parseErr))
		res.Skipped = true
		res.Success = false
		res.Error = fmt.Sprintf("config_error: %v", att.parseErr)
		return res
	}

	if att.parsed != nil {
		match, err := att.parsed.Eval(doc)
		if err != nil {
			res.Skipped = true
			res.Success = true
			res.Output = map[string]any{"condition_error": err.Error()}
			return res
		}
		if !match {
			res.Skipped = true
			res.Success = true
			res.Output = map[string]any{"condition_matched": false}
			return res
		}
	}

	h, ok := d.handlers[att.Kind]
	if !ok {
		res.Success = true
		res.Skipped = true
		res.Output = map[string]any{"skipped": true, "reason": "handler kind not implemented"}
		return res
	}

	out, err := h.Execute(ctx, att.Config, ec)
	res.Output = out
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func (d *Dispatcher) buildContext(ctx context.Context, phaseID string, trig Trigger, actorID string, eventData map[string]any) (ExecutionContext, string, error) {
	var (
		ec         ExecutionContext
		templateID *string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT tenant_id, application_id, template_id FROM phases WHERE id=$1
	`, phaseID).Scan(&ec.TenantID, &ec.ApplicationID, &templateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExecutionContext{}, "", ErrPhaseNotFound
		}
		return ExecutionContext{}, "", fmt.Errorf("trigger: load phase: %w", err)
	}
	ec.PhaseID = phaseID
	ec.Trigger = trig
	ec.ActorID = actorID
	ec.Event = eventData
	if templateID == nil {
		return ec, "", nil
	}
	return ec, *templateID, nil
}

func (d *Dispatcher) loadAttachments(ctx context.Context, tenantID, templateID string, trig Trigger) ([]Attachment, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, tenant_id, template_id, trigger_event::text, kind::text, priority, enabled, COALESCE(condition, ''), config
		FROM handler_attachments
		WHERE tenant_id=$1 AND template_id=$2 AND trigger_event=$3 AND enabled
		ORDER BY priority ASC, id ASC
	`, tenantID, templateID, trig)
	if err != nil {
		return nil, fmt.Errorf("trigger: load attachments: %w", err)
	}
	defer rows.Close()

	out := make([]Attachment, 0, 4)
	for rows.Next() {
		var (
			att       Attachment
			rawConfig []byte
		)
		if err := rows.Scan(&att.ID, &att.TenantID, &att.TemplateID, &att.Trigger, &att.Kind, &att.Priority, &att.Enabled, &att.Condition, &rawConfig); err != nil {
			return nil, fmt.Errorf("trigger: scan attachment: %w", err)
		}
		if len(rawConfig) > 0 {
			if err := json.Unmarshal(rawConfig, &att.Config); err != nil {
				return nil, fmt.Errorf("trigger: decode attachment config: %w", err)
			}
		}
		att.parsed, att.parseErr = ParseCondition(att.Condition)
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger: iterate attachments: %w", err)
	}
	return out, nil
}

func (d *Dispatcher) audit(ctx context.Context, att Attachment, ec ExecutionContext, res ExecutionResult) {
	if d.pool == nil {
		return
	}
	var output []byte
	if res.Output != nil {
		output, _ = json.Marshal(res.Output)
	}
	var errMsg any
	if res.Error != "" {
		errMsg = res.Error
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO handler_executions (attachment_id, phase_id, trigger_event, success, skipped, duration_ms, error, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	`, att.ID, ec.PhaseID, ec.Trigger, res.Success, res.Skipped, res.Duration.Milliseconds(), errMsg, output)
	if err != nil {
		d.log.Error("record handler execution",
			zap.String("attachment_id", att.ID),
			zap.String("phase_id", ec.PhaseID),
			zap.Error(err))
	}
	if !res.Success && !res.Skipped {
		d.log.Warn("handler execution failed",
			zap.String("attachment_id", att.ID),
			zap.String("kind", string(att.Kind)),
			zap.String("phase_id", ec.PhaseID),
			zap.String("trigger", string(ec.Trigger)),
			zap.Duration("duration", res.Duration),
			zap.String("error", res.Error))
	}
}
