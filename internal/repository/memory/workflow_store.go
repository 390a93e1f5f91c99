package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// WorkflowStore keeps matrix rules and approval instances. Instances are
// cloned on the way in and out so callers never share state with the store.
type WorkflowStore struct {
	mu        sync.RWMutex
	rules     []*domain.MatrixRule
	instances map[string]*domain.ApprovalInstance
	order     []string
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{instances: make(map[string]*domain.ApprovalInstance)}
}

// ── Matrix rules ─────────────────────────────────────────────────────────────

func (s *WorkflowStore) CreateRule(_ context.Context, rule *domain.MatrixRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if r.ID == rule.ID {
			return errors.Newf(errors.ErrCodeConflict, "matrix rule %s already exists", rule.ID)
		}
	}
	cp := *rule
	s.rules = append(s.rules, &cp)
	return nil
}

func (s *WorkflowStore) ListRules(_ context.Context) ([]*domain.MatrixRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.MatrixRule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Level < out[j].Level
	})
	return out, nil
}

func (s *WorkflowStore) ListActiveRules(ctx context.Context, entityType string) ([]*domain.MatrixRule, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.IsActive && r.EntityType == entityType {
			out = append(out, r)
		}
	}
	return out, nil
}

// ── Instances ────────────────────────────────────────────────────────────────

func (s *WorkflowStore) CreateInstance(_ context.Context, inst *domain.ApprovalInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "approval %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	s.order = append(s.order, inst.ID)
	return nil
}

func (s *WorkflowStore) GetInstance(_ context.Context, id string) (*domain.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst.Clone(), nil
}

// GetLatestByEntity returns the most recently created instance for an entity.
func (s *WorkflowStore) GetLatestByEntity(_ context.Context, entityType, entityID string) (*domain.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		inst := s.instances[s.order[i]]
		if inst.EntityType == entityType && inst.EntityID == entityID {
			return inst.Clone(), nil
		}
	}
	return nil, errors.NotFound("approval_instance", entityType+"/"+entityID)
}

// SaveTransition replaces the stored instance if its version still equals
// expectedVersion.
func (s *WorkflowStore) SaveTransition(_ context.Context, inst *domain.ApprovalInstance, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return errors.NotFound("approval_instance", inst.ID)
	}
	if stored.Version != expectedVersion {
		return errors.Newf(errors.ErrCodeConflict,
			"approval %s was modified concurrently (version %d, expected %d)", inst.ID, stored.Version, expectedVersion)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// ListPending returns PENDING instances whose current step waits on role, or
// all PENDING instances when role is empty. Oldest first.
func (s *WorkflowStore) ListPending(_ context.Context, role string) ([]*domain.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ApprovalInstance
	for _, id := range s.order {
		inst := s.instances[id]
		if inst.Status != domain.InstanceStatusPending {
			continue
		}
		if role != "" {
			step := inst.CurrentStep()
			if step == nil || step.ApproverRole != role {
				continue
			}
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}
