package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Valentine-Efagene/real-estate-sub005/unit"
)

// UnitLocker is the slice of the unit-locking service the lock handler
// needs.
type UnitLocker interface {
	LockForApplication(ctx context.Context, tenantID, applicationID, actorID string) (unit.LockResult, error)
}

// Notifier publishes templated notifications. Delivery is fire-and-forget:
// failures surface only as handler errors.
type Notifier interface {
	PublishEmail(ctx context.Context, notificationType string, data map[string]any) error
	PublishSMS(ctx context.Context, notificationType string, data map[string]any) error
}

// LockUnitHandler claims the application's unit exclusively, superseding
// competing claims. Already holding the lock is success, not failure.
type LockUnitHandler struct {
	locker UnitLocker
}

func NewLockUnitHandler(locker UnitLocker) *LockUnitHandler {
	return &LockUnitHandler{locker: locker}
}

func (h *LockUnitHandler) Execute(ctx context.Context, _ map[string]any, ec ExecutionContext) (map[string]any, error) {
	res, err := h.locker.LockForApplication(ctx, ec.TenantID, ec.ApplicationID, ec.ActorID)
	if err != nil {
		return nil, fmt.Errorf("trigger: lock unit: %w", err)
	}
	return map[string]any{
		"unit_id":                    res.UnitID,
		"lock_id":                    res.LockID,
		"already_held":               res.AlreadyHeld,
		"superseded_count":           res.SupersededCount,
		"superseded_application_ids": res.SupersededApplicationIDs,
	}, nil
}

// notificationChannel distinguishes the two notification handler variants.
type notificationChannel string

const (
	channelEmail notificationChannel = "email"
	channelSMS   notificationChannel = "sms"
)

// NotificationHandler resolves recipients from the configured enum and
// publishes a templated notification.
type NotificationHandler struct {
	pool     *pgxpool.Pool
	notifier Notifier
	channel  notificationChannel
}

func NewSendEmailHandler(pool *pgxpool.Pool, notifier Notifier) *NotificationHandler {
	return &NotificationHandler{pool: pool, notifier: notifier, channel: channelEmail}
}

func NewSendSMSHandler(pool *pgxpool.Pool, notifier Notifier) *NotificationHandler {
	return &NotificationHandler{pool: pool, notifier: notifier, channel: channelSMS}
}

var errNoRecipient = errors.New("trigger: no resolvable recipient")

func (h *NotificationHandler) Execute(ctx context.Context, config map[string]any, ec ExecutionContext) (map[string]any, error) {
	recipientKind, _ := config["recipient"].(string)
	if recipientKind == "" {
		recipientKind = "buyer"
	}
	notificationType, _ := config["type"].(string)
	if notificationType == "" {
		notificationType = fmt.Sprintf("phase_%s", ec.Trigger)
	}

	recipients, err := h.resolveRecipients(ctx, recipientKind, config, ec)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, errNoRecipient
	}

	data := map[string]any{
		"application_id": ec.ApplicationID,
		"phase_id":       ec.PhaseID,
		"trigger":        string(ec.Trigger),
		"recipients":     recipients,
		"event":          ec.Event,
	}

	switch h.channel {
	case channelSMS:
		err = h.notifier.PublishSMS(ctx, notificationType, data)
	default:
		err = h.notifier.PublishEmail(ctx, notificationType, data)
	}
	if err != nil {
		return nil, fmt.Errorf("trigger: publish %s: %w", h.channel, err)
	}
	return map[string]any{"type": notificationType, "recipients": len(recipients)}, nil
}

func (h *NotificationHandler) resolveRecipients(ctx context.Context, kind string, config map[string]any, ec ExecutionContext) ([]string, error) {
	switch kind {
	case "custom":
		raw, _ := config["addresses"].([]any)
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case "buyer":
		return h.queryRecipients(ctx, `
			SELECT `+h.contactColumn()+`
			FROM applications a
			JOIN users u ON u.id = a.buyer_user_id
			WHERE a.id = $1 AND a.tenant_id = $2
		`, ec.ApplicationID, ec.TenantID)
	case "admin":
		return h.queryRecipients(ctx, `
			SELECT `+h.contactColumn()+`
			FROM users u
			WHERE u.tenant_id = $1 AND u.role = 'admin'
		`, ec.TenantID)
	case "all_parties":
		buyers, err := h.resolveRecipients(ctx, "buyer", config, ec)
		if err != nil {
			return nil, err
		}
		admins, err := h.resolveRecipients(ctx, "admin", config, ec)
		if err != nil {
			return nil, err
		}
		return append(buyers, admins...), nil
	default:
		return nil, fmt.Errorf("trigger: unknown recipient kind %q", kind)
	}
}

func (h *NotificationHandler) contactColumn() string {
	if h.channel == channelSMS {
		return "COALESCE(u.phone, '')"
	}
	return "u.email"
}

func (h *NotificationHandler) queryRecipients(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := h.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trigger: resolve recipients: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 2)
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, fmt.Errorf("trigger: scan recipient: %w", err)
		}
		if contact != "" {
			out = append(out, contact)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger: iterate recipients: %w", err)
	}
	return out, nil
}

// WebhookHandler performs an outbound call with a bounded timeout and
// placeholder substitution. Non-2xx and timeouts fail the handler; any
// retry policy belongs to the template author, not the dispatcher.
type WebhookHandler struct {
	client  *http.Client
	timeout time.Duration
}

func NewWebhookHandler(client *http.Client, timeout time.Duration) *WebhookHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{client: client, timeout: timeout}
}

func (h *WebhookHandler) Execute(ctx context.Context, config map[string]any, ec ExecutionContext) (map[string]any, error) {
	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, errors.New("trigger: webhook url missing")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	body, _ := config["body"].(string)
	if body == "" {
		body = `{"application_id":"{{application_id}}","phase_id":"{{phase_id}}","trigger":"{{trigger}}"}`
	}

	url := substitutePlaceholders(rawURL, ec)
	payload := substitutePlaceholders(body, ec)

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, url, strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("trigger: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trigger: webhook call: %w", err)
	}
	defer resp.Body.Close()

	snippet := new(bytes.Buffer)
	_, _ = io.CopyN(snippet, resp.Body, 1024)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return map[string]any{"status": resp.StatusCode}, fmt.Errorf("trigger: webhook returned %d", resp.StatusCode)
	}
	return map[string]any{"status": resp.StatusCode, "body": snippet.String()}, nil
}

func substitutePlaceholders(template string, ec ExecutionContext) string {
	replacer := strings.NewReplacer(
		"{{tenant_id}}", ec.TenantID,
		"{{application_id}}", ec.ApplicationID,
		"{{phase_id}}", ec.PhaseID,
		"{{trigger}}", string(ec.Trigger),
		"{{actor_id}}", ec.ActorID,
	)
	return replacer.Replace(template)
}
