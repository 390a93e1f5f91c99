package domain

import (
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// ParseApprovalEntityType validates the entity types an approval can target.
func ParseApprovalEntityType(s string) (string, error) {
	switch s {
	case EntityTypePR, EntityTypePO, EntityTypeInvoice:
		return s, nil
	}
	return "", errors.InvalidInput("entity_type", "entity type must be PR, PO or INVOICE")
}

type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "PENDING"
	InstanceStatusApproved  InstanceStatus = "APPROVED"
	InstanceStatusRejected  InstanceStatus = "REJECTED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s InstanceStatus) Terminal() bool { return s != InstanceStatusPending }

// StepStatus. WAITING marks levels above current_level that have not been
// reached yet, so that exactly one step is PENDING at a time.
type StepStatus string

const (
	StepStatusWaiting  StepStatus = "WAITING"
	StepStatusPending  StepStatus = "PENDING"
	StepStatusApproved StepStatus = "APPROVED"
	StepStatusRejected StepStatus = "REJECTED"
	StepStatusSkipped  StepStatus = "SKIPPED"
)

// MatrixRule is one rung of an approval ladder.
type MatrixRule struct {
	ID                  string   `json:"id" yaml:"id"`
	EntityType          string   `json:"entity_type" yaml:"entity_type"`
	Department          *string  `json:"department,omitempty" yaml:"department"`
	MinAmount           *int64   `json:"min_amount,omitempty" yaml:"min_amount"`
	MaxAmount           *int64   `json:"max_amount,omitempty" yaml:"max_amount"`
	Level               int      `json:"level" yaml:"level"`
	ApproverRole        string   `json:"approver_role" yaml:"approver_role"`
	AutoApprove         bool     `json:"auto_approve" yaml:"auto_approve"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold"`
	IsActive            bool     `json:"is_active" yaml:"is_active"`
}

// Matches reports whether the rule applies to the request attributes.
// Amount bounds are inclusive; a nil bound is open.
func (r *MatrixRule) Matches(entityType, department string, amount int64) bool {
	if !r.IsActive || r.EntityType != entityType {
		return false
	}
	if r.Department != nil && *r.Department != department {
		return false
	}
	if r.MinAmount != nil && amount < *r.MinAmount {
		return false
	}
	if r.MaxAmount != nil && amount > *r.MaxAmount {
		return false
	}
	return true
}

// Validate checks a rule before it is stored.
func (r *MatrixRule) Validate() error {
	if _, err := ParseApprovalEntityType(r.EntityType); err != nil {
		return err
	}
	if r.Level < 1 {
		return errors.InvalidInput("level", "level must be at least 1")
	}
	if r.ApproverRole == "" {
		return errors.InvalidInput("approver_role", "approver_role is required")
	}
	if r.MinAmount != nil && r.MaxAmount != nil && *r.MinAmount > *r.MaxAmount {
		return errors.InvalidInput("max_amount", "max_amount must not be below min_amount")
	}
	if r.AutoApprove && r.ConfidenceThreshold == nil {
		return errors.InvalidInput("confidence_threshold", "auto_approve rules need a confidence_threshold")
	}
	return nil
}

// ApprovalStep is one level of an instance.
type ApprovalStep struct {
	ID                  string     `json:"id"`
	InstanceID          string     `json:"instance_id"`
	Level               int        `json:"level"`
	RuleID              string     `json:"rule_id"`
	ApproverRole        string     `json:"approver_role"`
	AutoApprove         bool       `json:"auto_approve"`
	ConfidenceThreshold *float64   `json:"confidence_threshold,omitempty"`
	Status              StepStatus `json:"status"`
	ApproverName        *string    `json:"approver_name,omitempty"`
	Comments            *string    `json:"comments,omitempty"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`
}

// ApprovalInstance is one approval request and its ladder of steps. Version
// increments on every saved transition and backs optimistic concurrency.
type ApprovalInstance struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Amount       int64           `json:"amount"`
	Department   string          `json:"department,omitempty"`
	TotalLevels  int             `json:"total_levels"`
	CurrentLevel int             `json:"current_level"`
	Status       InstanceStatus  `json:"status"`
	RequestedBy  string          `json:"requested_by,omitempty"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Steps        []*ApprovalStep `json:"steps"`
}

// NewApprovalInstance builds a PENDING instance with one step per rule. The
// rules must already be ordered by level.
func NewApprovalInstance(entityType, entityID string, amount int64, department, requestedBy string, rules []*MatrixRule, now time.Time) *ApprovalInstance {
	inst := &ApprovalInstance{
		ID:           NewID(),
		EntityType:   entityType,
		EntityID:     entityID,
		Amount:       amount,
		Department:   department,
		TotalLevels:  len(rules),
		CurrentLevel: 1,
		Status:       InstanceStatusPending,
		RequestedBy:  requestedBy,
		Version:      1,
		CreatedAt:    now,
	}

	for i, rule := range rules {
		status := StepStatusWaiting
		if i == 0 {
			status = StepStatusPending
		}
		inst.Steps = append(inst.Steps, &ApprovalStep{
			ID:                  NewID(),
			InstanceID:          inst.ID,
			Level:               i + 1,
			RuleID:              rule.ID,
			ApproverRole:        rule.ApproverRole,
			AutoApprove:         rule.AutoApprove,
			ConfidenceThreshold: rule.ConfidenceThreshold,
			Status:              status,
		})
	}
	return inst
}

// CurrentStep returns the step at CurrentLevel.
func (i *ApprovalInstance) CurrentStep() *ApprovalStep {
	for _, s := range i.Steps {
		if s.Level == i.CurrentLevel {
			return s
		}
	}
	return nil
}

// decidable returns the current step if the instance may transition.
func (i *ApprovalInstance) decidable() (*ApprovalStep, error) {
	if i.Status != InstanceStatusPending {
		return nil, errors.InvalidState("approval %s is %s, not PENDING", i.ID, i.Status)
	}
	step := i.CurrentStep()
	if step == nil {
		return nil, errors.InvalidState("approval %s has no step at level %d", i.ID, i.CurrentLevel)
	}
	if step.Status != StepStatusPending {
		return nil, errors.InvalidState("step %d of approval %s is %s, not PENDING", step.Level, i.ID, step.Status)
	}
	return step, nil
}

// Approve decides the current step. On the last level the instance becomes
// APPROVED; otherwise the next level becomes the pending one.
func (i *ApprovalInstance) Approve(approver, comments string, at time.Time) (*ApprovalStep, error) {
	if approver == "" {
		return nil, errors.InvalidInput("approver_name", "approver_name is required")
	}
	step, err := i.decidable()
	if err != nil {
		return nil, err
	}

	step.decide(StepStatusApproved, approver, comments, at)

	if i.CurrentLevel == i.TotalLevels {
		i.Status = InstanceStatusApproved
		i.CompletedAt = &at
	} else {
		i.CurrentLevel++
		if next := i.CurrentStep(); next != nil {
			next.Status = StepStatusPending
		}
	}
	i.Version++
	return step, nil
}

// Reject decides the current step negatively and skips every later level.
// It returns the decided step and the number of skipped steps.
func (i *ApprovalInstance) Reject(approver, comments string, at time.Time) (*ApprovalStep, int, error) {
	if approver == "" {
		return nil, 0, errors.InvalidInput("approver_name", "approver_name is required")
	}
	step, err := i.decidable()
	if err != nil {
		return nil, 0, err
	}

	step.decide(StepStatusRejected, approver, comments, at)
	skipped := i.skipAbove(i.CurrentLevel)

	i.Status = InstanceStatusRejected
	i.CompletedAt = &at
	i.Version++
	return step, skipped, nil
}

// Cancel withdraws a PENDING instance. Undecided steps become SKIPPED.
func (i *ApprovalInstance) Cancel(at time.Time) error {
	if i.Status != InstanceStatusPending {
		return errors.InvalidState("approval %s is %s, not PENDING", i.ID, i.Status)
	}
	i.skipAbove(i.CurrentLevel - 1)
	i.Status = InstanceStatusCancelled
	i.CompletedAt = &at
	i.Version++
	return nil
}

func (i *ApprovalInstance) skipAbove(level int) int {
	n := 0
	for _, s := range i.Steps {
		if s.Level > level && (s.Status == StepStatusPending || s.Status == StepStatusWaiting) {
			s.Status = StepStatusSkipped
			n++
		}
	}
	return n
}

// CheckInvariants verifies that exactly the current step is PENDING while
// the instance is PENDING, and none is once it is terminal.
func (i *ApprovalInstance) CheckInvariants() error {
	pending := 0
	for _, s := range i.Steps {
		if s.Status != StepStatusPending {
			continue
		}
		pending++
		if s.Level != i.CurrentLevel {
			return errors.InvalidState("step %d is PENDING but current level is %d", s.Level, i.CurrentLevel)
		}
	}
	if i.Status.Terminal() && pending != 0 {
		return errors.InvalidState("terminal approval %s has %d pending steps", i.ID, pending)
	}
	if !i.Status.Terminal() && pending != 1 {
		return errors.InvalidState("pending approval %s has %d pending steps", i.ID, pending)
	}
	return nil
}

// Clone returns a deep copy so a transition can be attempted without
// touching the stored value.
func (i *ApprovalInstance) Clone() *ApprovalInstance {
	c := *i
	c.Steps = make([]*ApprovalStep, len(i.Steps))
	for n, s := range i.Steps {
		sc := *s
		c.Steps[n] = &sc
	}
	return &c
}

func (s *ApprovalStep) decide(status StepStatus, approver, comments string, at time.Time) {
	s.Status = status
	s.ApproverName = &approver
	if comments != "" {
		s.Comments = &comments
	}
	s.DecidedAt = &at
}
