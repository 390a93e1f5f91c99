package workflow

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// ResolveLadder picks the rules that apply to a request and orders them by
// level. When several rules match at one level, a department-specific rule
// beats a generic one, then the lowest min_amount wins, then the lowest id.
func ResolveLadder(rules []*domain.MatrixRule, entityType, department string, amount int64) []*domain.MatrixRule {
	best := make(map[int]*domain.MatrixRule)
	for _, r := range rules {
		if !r.Matches(entityType, department, amount) {
			continue
		}
		if cur, ok := best[r.Level]; !ok || preferRule(r, cur) {
			best[r.Level] = r
		}
	}

	ladder := make([]*domain.MatrixRule, 0, len(best))
	for _, r := range best {
		ladder = append(ladder, r)
	}
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].Level < ladder[j].Level })
	return ladder
}

// preferRule reports whether a should replace b at the same level.
func preferRule(a, b *domain.MatrixRule) bool {
	aDept, bDept := a.Department != nil, b.Department != nil
	if aDept != bDept {
		return aDept
	}
	aMin, bMin := minOf(a), minOf(b)
	if aMin != bMin {
		return aMin < bMin
	}
	return a.ID < b.ID
}

func minOf(r *domain.MatrixRule) int64 {
	if r.MinAmount == nil {
		return 0
	}
	return *r.MinAmount
}

// ── Seed file ────────────────────────────────────────────────────────────────

type matrixFile struct {
	Rules []matrixFileRule `yaml:"rules"`
}

type matrixFileRule struct {
	ID                  string   `yaml:"id"`
	EntityType          string   `yaml:"entity_type"`
	Department          *string  `yaml:"department"`
	MinAmount           *int64   `yaml:"min_amount"`
	MaxAmount           *int64   `yaml:"max_amount"`
	Level               int      `yaml:"level"`
	ApproverRole        string   `yaml:"approver_role"`
	AutoApprove         bool     `yaml:"auto_approve"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	IsActive            *bool    `yaml:"is_active"`
}

// LoadMatrixFile reads approval matrix rules from a YAML file of the form
//
//	rules:
//	  - entity_type: PR
//	    min_amount: 500000
//	    max_amount: 2000000
//	    level: 1
//	    approver_role: FINANCE_MANAGER
//
// Rules are active unless is_active is false. A rule without an id gets one
// derived from its entity type, department, amount range, level and role, so
// seeding the same file again finds the rules already stored.
func LoadMatrixFile(path string) ([]*domain.MatrixRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "read approval matrix file")
	}
	return ParseMatrix(data)
}

// ParseMatrix decodes and validates YAML matrix rules.
func ParseMatrix(data []byte) ([]*domain.MatrixRule, error) {
	var f matrixFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "parse approval matrix")
	}

	rules := make([]*domain.MatrixRule, 0, len(f.Rules))
	for i, fr := range f.Rules {
		rule := &domain.MatrixRule{
			ID:                  fr.ID,
			EntityType:          fr.EntityType,
			Department:          fr.Department,
			MinAmount:           fr.MinAmount,
			MaxAmount:           fr.MaxAmount,
			Level:               fr.Level,
			ApproverRole:        fr.ApproverRole,
			AutoApprove:         fr.AutoApprove,
			ConfidenceThreshold: fr.ConfidenceThreshold,
			IsActive:            fr.IsActive == nil || *fr.IsActive,
		}
		if rule.ID == "" {
			rule.ID = derivedRuleID(rule)
		}
		if err := rule.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfiguration,
				fmt.Sprintf("approval matrix rule %d is invalid", i+1))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// matrixRuleNamespace scopes derived rule ids.
var matrixRuleNamespace = uuid.MustParse("6f1c1c52-3f0e-4b7a-9a53-2f4f0d1e8b21")

func derivedRuleID(r *domain.MatrixRule) string {
	bound := func(v *int64) string {
		if v == nil {
			return "-"
		}
		return strconv.FormatInt(*v, 10)
	}
	dept := "-"
	if r.Department != nil {
		dept = *r.Department
	}
	key := strings.Join([]string{
		r.EntityType, dept, bound(r.MinAmount), bound(r.MaxAmount),
		strconv.Itoa(r.Level), r.ApproverRole,
	}, "|")
	return uuid.NewSHA1(matrixRuleNamespace, []byte(key)).String()
}
