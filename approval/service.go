package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostCommit runs after the decide transaction commits. Executors use it
// to fire trigger dispatches and other side effects that must not run on
// an uncommitted state.
type PostCommit func(ctx context.Context)

// Executor performs the domain side effect of an approved request inside
// the decide transaction. A non-nil error aborts the decision entirely.
// The returned hook, if any, runs once the transaction has committed.
type Executor interface {
	Execute(ctx context.Context, tx pgx.Tx, req Request) (PostCommit, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, tx pgx.Tx, req Request) (PostCommit, error)

func (f ExecutorFunc) Execute(ctx context.Context, tx pgx.Tx, req Request) (PostCommit, error) {
	return f(ctx, tx, req)
}

// TxBeginner abstracts pgxpool.Pool for transaction starts.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the request persistence the service needs. *Repository is
// the production implementation.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, requestID string) (Request, error)
	MarkDecided(ctx context.Context, tx pgx.Tx, requestID string, status Status, deciderID, reason string) (Request, error)
	Get(ctx context.Context, tenantID, requestID string) (Request, error)
	ListPending(ctx context.Context, tenantID string) ([]Request, error)
}

// Service is the approval bridge. Sensitive operations are requested here
// and only run once an admin approves; the side effect and the approval
// record commit atomically.
type Service struct {
	pool      TxBeginner
	repo      Store
	executors map[RequestType]Executor
	log       *zap.Logger
}

func NewService(pool TxBeginner, repo Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		executors: make(map[RequestType]Executor),
		log:       log,
	}
}

// RegisterExecutor binds the executor for a request type. Registration
// happens at startup, before any Decide call; later registrations for the
// same type replace the earlier one.
func (s *Service) RegisterExecutor(t RequestType, ex Executor) {
	s.executors[t] = ex
}

// RequestParams captures a new approval request.
type RequestParams struct {
	TenantID        string
	Type            RequestType
	EntityID        string
	Payload         map[string]any
	RequesterUserID string
}

// Request files a pending approval request.
func (s *Service) Request(ctx context.Context, params RequestParams) (Request, error) {
	if params.TenantID == "" || params.EntityID == "" || params.RequesterUserID == "" {
		return Request{}, fmt.Errorf("%w: tenant, entity and requester ids required", ErrValidation)
	}
	switch params.Type {
	case TypeRefund, TypeTransfer, TypePhaseOverride:
	default:
		return Request{}, fmt.Errorf("%w: unknown request type %q", ErrValidation, params.Type)
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return Request{}, fmt.Errorf("approval: marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("approval: begin request tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Insert(ctx, tx, Request{
		TenantID:        params.TenantID,
		Type:            params.Type,
		EntityID:        params.EntityID,
		Payload:         payload,
		RequesterUserID: params.RequesterUserID,
	})
	if err != nil {
		return Request{}, fmt.Errorf("approval: insert request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("approval: commit request: %w", err)
	}

	s.log.Info("approval request filed",
		zap.String("request_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.String("entity_id", req.EntityID))
	return req, nil
}

// Decide approves or rejects a pending request. Approval runs the
// registered executor and the status update in the same transaction, so a
// failing side effect leaves the request pending for retry. Rejection only
// records the verdict.
func (s *Service) Decide(ctx context.Context, tenantID, requestID string, decision Decision, deciderID, reason string) (Request, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return Request{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("approval: begin decide tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, tenantID, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, ErrInvalidState
	}

	status := StatusRejected
	var postCommit PostCommit
	if decision == DecisionApprove {
		status = StatusApproved
		ex, ok := s.executors[req.Type]
		if !ok {
			return Request{}, fmt.Errorf("approval: no executor registered for type %q", req.Type)
		}
		if postCommit, err = ex.Execute(ctx, tx, req); err != nil {
			return Request{}, fmt.Errorf("approval: execute %s: %w", req.Type, err)
		}
	}

	decided, err := s.repo.MarkDecided(ctx, tx, req.ID, status, deciderID, reason)
	if err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("approval: commit decide: %w", err)
	}

	if postCommit != nil {
		postCommit(ctx)
	}

	s.log.Info("approval request decided",
		zap.String("request_id", decided.ID),
		zap.String("type", string(decided.Type)),
		zap.String("status", string(decided.Status)),
		zap.String("decider", deciderID))
	return decided, nil
}

// Get fetches one request scoped to its tenant.
func (s *Service) Get(ctx context.Context, tenantID, requestID string) (Request, error) {
	return s.repo.Get(ctx, tenantID, requestID)
}

// ListPending returns the tenant's undecided requests.
func (s *Service) ListPending(ctx context.Context, tenantID string) ([]Request, error) {
	return s.repo.ListPending(ctx, tenantID)
}
