package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

func ptrStr(s string) *string { return &s }
func ptrInt64(n int64) *int64 { return &n }

func ladder(n int) []*MatrixRule {
	rules := make([]*MatrixRule, n)
	for i := range rules {
		rules[i] = &MatrixRule{
			ID:           NewID(),
			EntityType:   EntityTypePR,
			Level:        i + 1,
			ApproverRole: "ROLE_" + string(rune('A'+i)),
			IsActive:     true,
		}
	}
	return rules
}

func TestNewApprovalInstance(t *testing.T) {
	inst := NewApprovalInstance(EntityTypePR, "PR2024-099", 1_000_000, "TECH", "alice", ladder(3), time.Now())

	assert.Equal(t, 3, inst.TotalLevels)
	assert.Equal(t, 1, inst.CurrentLevel)
	assert.Equal(t, InstanceStatusPending, inst.Status)
	require.Len(t, inst.Steps, 3)
	assert.Equal(t, StepStatusPending, inst.Steps[0].Status)
	assert.Equal(t, StepStatusWaiting, inst.Steps[1].Status)
	assert.Equal(t, StepStatusWaiting, inst.Steps[2].Status)
	require.NoError(t, inst.CheckInvariants())
}

func TestApprove_AdvancesThenCompletes(t *testing.T) {
	now := time.Now()
	inst := NewApprovalInstance(EntityTypePR, "PR-1", 1_000_000, "TECH", "", ladder(2), now)

	step, err := inst.Approve("fm", "ok", now)
	require.NoError(t, err)
	assert.Equal(t, 1, step.Level)
	assert.Equal(t, 2, inst.CurrentLevel)
	assert.Equal(t, InstanceStatusPending, inst.Status)
	assert.Equal(t, StepStatusPending, inst.Steps[1].Status)
	require.NoError(t, inst.CheckInvariants())

	_, err = inst.Approve("fh", "", now)
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusApproved, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	require.NoError(t, inst.CheckInvariants())
	assert.Equal(t, 3, inst.Version)
}

func TestReject_SkipsRemainingLevels(t *testing.T) {
	for k := 1; k <= 4; k++ {
		inst := NewApprovalInstance(EntityTypePO, "PO-1", 10, "", "", ladder(4), time.Now())
		for l := 1; l < k; l++ {
			_, err := inst.Approve("approver", "", time.Now())
			require.NoError(t, err)
		}

		step, skipped, err := inst.Reject("approver", "no budget", time.Now())
		require.NoError(t, err)
		assert.Equal(t, k, step.Level)
		assert.Equal(t, 4-k, skipped)
		assert.Equal(t, InstanceStatusRejected, inst.Status)
		for _, s := range inst.Steps {
			switch {
			case s.Level < k:
				assert.Equal(t, StepStatusApproved, s.Status)
			case s.Level == k:
				assert.Equal(t, StepStatusRejected, s.Status)
			default:
				assert.Equal(t, StepStatusSkipped, s.Status)
			}
		}
		require.NoError(t, inst.CheckInvariants())
	}
}

func TestTerminalInstanceRejectsFurtherTransitions(t *testing.T) {
	inst := NewApprovalInstance(EntityTypeInvoice, "INV-1", 10, "", "", ladder(1), time.Now())
	_, err := inst.Approve("a", "", time.Now())
	require.NoError(t, err)
	version := inst.Version

	for i := 0; i < 2; i++ {
		_, err = inst.Approve("a", "", time.Now())
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidState))
		_, _, err = inst.Reject("a", "", time.Now())
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidState))
		err = inst.Cancel(time.Now())
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidState))
	}
	assert.Equal(t, version, inst.Version)
	assert.Equal(t, InstanceStatusApproved, inst.Status)
}

func TestCancel_SkipsUndecidedSteps(t *testing.T) {
	inst := NewApprovalInstance(EntityTypePR, "PR-9", 10, "", "", ladder(3), time.Now())
	_, err := inst.Approve("a", "", time.Now())
	require.NoError(t, err)

	require.NoError(t, inst.Cancel(time.Now()))
	assert.Equal(t, InstanceStatusCancelled, inst.Status)
	assert.Equal(t, StepStatusApproved, inst.Steps[0].Status)
	assert.Equal(t, StepStatusSkipped, inst.Steps[1].Status)
	assert.Equal(t, StepStatusSkipped, inst.Steps[2].Status)
	require.NoError(t, inst.CheckInvariants())
}

func TestApprove_RequiresApprover(t *testing.T) {
	inst := NewApprovalInstance(EntityTypePR, "PR-1", 10, "", "", ladder(1), time.Now())
	_, err := inst.Approve("", "", time.Now())
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
	assert.Equal(t, InstanceStatusPending, inst.Status)
}

func TestClone_IsDeep(t *testing.T) {
	inst := NewApprovalInstance(EntityTypePR, "PR-1", 10, "", "", ladder(2), time.Now())
	c := inst.Clone()
	_, err := c.Approve("a", "", time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, inst.CurrentLevel)
	assert.Equal(t, StepStatusPending, inst.Steps[0].Status)
	assert.Equal(t, 2, c.CurrentLevel)
}

func TestMatrixRule_Matches(t *testing.T) {
	rule := &MatrixRule{
		EntityType: EntityTypePR,
		Department: ptrStr("TECH"),
		MinAmount:  ptrInt64(500_000),
		MaxAmount:  ptrInt64(2_000_000),
		IsActive:   true,
	}

	tests := []struct {
		name       string
		entityType string
		department string
		amount     int64
		want       bool
	}{
		{"inside", EntityTypePR, "TECH", 1_000_000, true},
		{"lower bound inclusive", EntityTypePR, "TECH", 500_000, true},
		{"upper bound inclusive", EntityTypePR, "TECH", 2_000_000, true},
		{"below", EntityTypePR, "TECH", 499_999, false},
		{"above", EntityTypePR, "TECH", 2_000_001, false},
		{"other department", EntityTypePR, "OPS", 1_000_000, false},
		{"other entity", EntityTypePO, "TECH", 1_000_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rule.Matches(tt.entityType, tt.department, tt.amount))
		})
	}

	open := &MatrixRule{EntityType: EntityTypePR, IsActive: true}
	assert.True(t, open.Matches(EntityTypePR, "", 1<<40))

	open.IsActive = false
	assert.False(t, open.Matches(EntityTypePR, "", 1))
}

func TestMatrixRule_Validate(t *testing.T) {
	valid := MatrixRule{EntityType: EntityTypeInvoice, Level: 1, ApproverRole: "AP_CLERK"}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.AutoApprove = true
	assert.Error(t, bad.Validate())

	bad = valid
	bad.MinAmount, bad.MaxAmount = ptrInt64(10), ptrInt64(5)
	assert.Error(t, bad.Validate())

	bad = valid
	bad.EntityType = "PAYMENT"
	assert.Error(t, bad.Validate())
}
