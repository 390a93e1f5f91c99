// Package workflow drives matrix-based multi-level approvals. Every
// transition goes through the domain state machine on a cloned instance, is
// saved with an optimistic version check under a per-instance lock, and only
// then publishes its event.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// Store persists matrix rules and approval instances with their steps.
type Store interface {
	CreateRule(ctx context.Context, rule *domain.MatrixRule) error
	ListRules(ctx context.Context) ([]*domain.MatrixRule, error)
	ListActiveRules(ctx context.Context, entityType string) ([]*domain.MatrixRule, error)

	CreateInstance(ctx context.Context, inst *domain.ApprovalInstance) error
	GetInstance(ctx context.Context, id string) (*domain.ApprovalInstance, error)
	GetLatestByEntity(ctx context.Context, entityType, entityID string) (*domain.ApprovalInstance, error)
	// SaveTransition writes inst and its steps if the stored version is still
	// expectedVersion, and fails with CONFLICT otherwise.
	SaveTransition(ctx context.Context, inst *domain.ApprovalInstance, expectedVersion int) error
	ListPending(ctx context.Context, role string) ([]*domain.ApprovalInstance, error)
}

// Publisher is the part of the bus the engine emits events through.
type Publisher interface {
	Publish(ctx context.Context, source string, payload domain.Payload) (domain.Event, error)
}

// Subscriber is the part of the bus the engine registers with.
type Subscriber interface {
	Subscribe(topic domain.Topic, name string, h eventbus.Handler) error
}

// MissingScorePolicy decides what auto-approval does when a step allows it
// but no confidence score was supplied.
type MissingScorePolicy string

const (
	// PolicyRequireHuman leaves the step for a human approver.
	PolicyRequireHuman MissingScorePolicy = "require_human"
	// PolicyBlock rejects the request as the system actor.
	PolicyBlock MissingScorePolicy = "block"
)

// ParseMissingScorePolicy validates a configured policy. There is no default.
func ParseMissingScorePolicy(s string) (MissingScorePolicy, error) {
	switch p := MissingScorePolicy(s); p {
	case PolicyRequireHuman, PolicyBlock:
		return p, nil
	}
	return "", errors.Newf(errors.ErrCodeConfiguration,
		"missing confidence policy must be %q or %q, got %q", PolicyRequireHuman, PolicyBlock, s)
}

type Options struct {
	MissingScorePolicy MissingScorePolicy
	Now                func() time.Time
}

// Request is the input to CreateRequest.
type Request struct {
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Amount      int64  `json:"amount"`
	Department  string `json:"department,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// Engine is the approval workflow state machine driver.
type Engine struct {
	store Store
	pub   Publisher
	log   *logger.Logger
	opts  Options
	locks *keyedMutex
}

// NewEngine validates the options and creates an Engine.
func NewEngine(store Store, pub Publisher, opts Options, log *logger.Logger) (*Engine, error) {
	if _, err := ParseMissingScorePolicy(string(opts.MissingScorePolicy)); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store: store,
		pub:   pub,
		log:   log.Component("workflow"),
		opts:  opts,
		locks: newKeyedMutex(),
	}, nil
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

// ── Create ───────────────────────────────────────────────────────────────────

// CreateRequest resolves the approval ladder for the request and opens a
// PENDING instance at level 1. No matching rule is a NO_APPROVAL_RULE error.
func (e *Engine) CreateRequest(ctx context.Context, req Request) (*domain.ApprovalInstance, error) {
	if _, err := domain.ParseApprovalEntityType(req.EntityType); err != nil {
		return nil, err
	}
	if req.EntityID == "" {
		return nil, errors.InvalidInput("entity_id", "entity_id is required")
	}
	if req.Amount < 0 {
		return nil, errors.InvalidInput("amount", "amount must not be negative")
	}

	rules, err := e.store.ListActiveRules(ctx, req.EntityType)
	if err != nil {
		return nil, err
	}
	ladder := ResolveLadder(rules, req.EntityType, req.Department, req.Amount)
	if len(ladder) == 0 {
		return nil, errors.NoApprovalRule("no approval rule for %s amount %d department %q",
			req.EntityType, req.Amount, req.Department)
	}

	inst := domain.NewApprovalInstance(req.EntityType, req.EntityID, req.Amount, req.Department, req.RequestedBy, ladder, e.now())
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("entity_type", inst.EntityType).
		Str("entity_id", inst.EntityID).
		Int64("amount", inst.Amount).
		Int("total_levels", inst.TotalLevels).
		Msg("Approval requested")

	e.publish(ctx, domain.ApprovalRequested{
		InstanceID:   inst.ID,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		Amount:       inst.Amount,
		Department:   inst.Department,
		TotalLevels:  inst.TotalLevels,
		ApproverRole: inst.CurrentStep().ApproverRole,
		RequestedBy:  inst.RequestedBy,
	})
	return inst, nil
}

// ── Transitions ──────────────────────────────────────────────────────────────

// ApproveStep approves the current step. A second call on a decided step
// fails with INVALID_STATE.
func (e *Engine) ApproveStep(ctx context.Context, instanceID, approver, comments string) (*domain.ApprovalInstance, error) {
	return e.transition(ctx, instanceID, func(inst *domain.ApprovalInstance) ([]domain.Payload, error) {
		p, err := e.approve(inst, approver, comments, false)
		if err != nil {
			return nil, err
		}
		return []domain.Payload{p}, nil
	})
}

// RejectStep rejects the current step, ends the instance and skips every
// later level.
func (e *Engine) RejectStep(ctx context.Context, instanceID, approver, comments string) (*domain.ApprovalInstance, error) {
	return e.transition(ctx, instanceID, func(inst *domain.ApprovalInstance) ([]domain.Payload, error) {
		p, err := e.reject(inst, approver, comments)
		if err != nil {
			return nil, err
		}
		return []domain.Payload{p}, nil
	})
}

// Cancel withdraws a PENDING instance.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (*domain.ApprovalInstance, error) {
	if actor == "" {
		return nil, errors.InvalidInput("cancelled_by", "cancelled_by is required")
	}
	return e.transition(ctx, instanceID, func(inst *domain.ApprovalInstance) ([]domain.Payload, error) {
		if err := inst.Cancel(e.now()); err != nil {
			return nil, err
		}
		return []domain.Payload{domain.ApprovalCancelled{
			InstanceID:  inst.ID,
			EntityType:  inst.EntityType,
			EntityID:    inst.EntityID,
			CancelledBy: actor,
			Reason:      reason,
		}}, nil
	})
}

// TryAutoApprove approves, as the system actor, every consecutive step whose
// rule allows auto-approval and whose threshold score meets. A nil score on
// an auto-approvable step is handled by the configured MissingScorePolicy.
// It returns the instance unchanged when nothing applies.
func (e *Engine) TryAutoApprove(ctx context.Context, instanceID string, score *float64) (*domain.ApprovalInstance, error) {
	return e.transition(ctx, instanceID, func(inst *domain.ApprovalInstance) ([]domain.Payload, error) {
		var out []domain.Payload
		for inst.Status == domain.InstanceStatusPending {
			step := inst.CurrentStep()
			if step == nil || !step.AutoApprove || step.ConfidenceThreshold == nil {
				break
			}

			if score == nil {
				if e.opts.MissingScorePolicy != PolicyBlock {
					e.log.Warn().
						Str("instance_id", inst.ID).
						Int("level", step.Level).
						Msg("No confidence score for auto-approvable step; leaving for a human approver")
					break
				}
				p, err := e.reject(inst, domain.ActorSystem, "blocked: confidence score missing for auto-approval")
				if err != nil {
					return nil, err
				}
				out = append(out, p)
				break
			}

			if *score < *step.ConfidenceThreshold {
				break
			}
			comment := fmt.Sprintf("auto-approved: confidence %.2f >= %.2f", *score, *step.ConfidenceThreshold)
			p, err := e.approve(inst, domain.ActorSystem, comment, true)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	})
}

func (e *Engine) approve(inst *domain.ApprovalInstance, approver, comments string, auto bool) (domain.Payload, error) {
	step, err := inst.Approve(approver, comments, e.now())
	if err != nil {
		return nil, err
	}
	p := domain.ApprovalApproved{
		InstanceID:   inst.ID,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		DecidedLevel: step.Level,
		CurrentLevel: inst.CurrentLevel,
		Status:       inst.Status,
		Terminal:     inst.Status.Terminal(),
		Approver:     approver,
		AutoApproved: auto,
		Comments:     comments,
	}
	if !p.Terminal {
		p.NextRole = inst.CurrentStep().ApproverRole
	}
	return p, nil
}

func (e *Engine) reject(inst *domain.ApprovalInstance, approver, comments string) (domain.Payload, error) {
	step, skipped, err := inst.Reject(approver, comments, e.now())
	if err != nil {
		return nil, err
	}
	return domain.ApprovalRejected{
		InstanceID:   inst.ID,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		DecidedLevel: step.Level,
		SkippedSteps: skipped,
		Approver:     approver,
		Comments:     comments,
	}, nil
}

// transition runs fn against a copy of the stored instance under the
// instance lock. The copy is saved only if fn succeeds, the invariants hold
// and something changed; events are published after the save.
func (e *Engine) transition(
	ctx context.Context,
	instanceID string,
	fn func(inst *domain.ApprovalInstance) ([]domain.Payload, error),
) (*domain.ApprovalInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	current, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	payloads, err := fn(next)
	if err != nil {
		return nil, err
	}
	if next.Version == current.Version {
		return current, nil
	}
	if err := next.CheckInvariants(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "approval transition broke step invariants")
	}
	if err := e.store.SaveTransition(ctx, next, current.Version); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", next.ID).
		Str("status", string(next.Status)).
		Int("current_level", next.CurrentLevel).
		Int("total_levels", next.TotalLevels).
		Int("events", len(payloads)).
		Msg("Approval transitioned")

	for _, p := range payloads {
		e.publish(ctx, p)
	}
	return next, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// ListPending returns PENDING instances awaiting role, or all when role is
// empty.
func (e *Engine) ListPending(ctx context.Context, role string) ([]*domain.ApprovalInstance, error) {
	return e.store.ListPending(ctx, role)
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*domain.ApprovalInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// GetByEntity returns the latest instance for an entity.
func (e *Engine) GetByEntity(ctx context.Context, entityType, entityID string) (*domain.ApprovalInstance, error) {
	if _, err := domain.ParseApprovalEntityType(entityType); err != nil {
		return nil, err
	}
	if entityID == "" {
		return nil, errors.InvalidInput("entity_id", "entity_id is required")
	}
	return e.store.GetLatestByEntity(ctx, entityType, entityID)
}

func (e *Engine) ListRules(ctx context.Context) ([]*domain.MatrixRule, error) {
	return e.store.ListRules(ctx)
}

// CreateRule validates and stores a matrix rule.
func (e *Engine) CreateRule(ctx context.Context, rule *domain.MatrixRule) error {
	if rule.ID == "" {
		rule.ID = domain.NewID()
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.store.CreateRule(ctx, rule)
}

// SeedRules stores rules that are not present yet, keyed by id. It returns
// how many were added.
func (e *Engine) SeedRules(ctx context.Context, rules []*domain.MatrixRule) (int, error) {
	existing, err := e.store.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		have[r.ID] = struct{}{}
	}

	added := 0
	for _, r := range rules {
		if _, ok := have[r.ID]; ok {
			continue
		}
		if err := e.CreateRule(ctx, r); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		e.log.Info().Int("added", added).Int("total", len(existing)+added).Msg("Approval matrix seeded")
	}
	return added, nil
}

func (e *Engine) publish(ctx context.Context, payload domain.Payload) {
	if _, err := e.pub.Publish(ctx, domain.SourceWorkflow, payload); err != nil {
		e.log.Error().
			Err(err).
			Str("topic", string(payload.Topic())).
			Msg("Failed to publish workflow event")
	}
}
