package config

import (
	"context"
	"fmt"
	"time"

	"github.com/tollgatehq/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// Subnet rules
// ---------------------------------------------------------------------------

// CreateSubnetRule stores a rule. The CIDR is stored as given; callers
// normalise it first.
func (s *Store) CreateSubnetRule(ctx context.Context, rule *model.SubnetRule) error {
	if rule.Sense != model.SenseAllow && rule.Sense != model.SenseDeny {
		return fmt.Errorf("invalid subnet sense %q", rule.Sense)
	}
	rule.CreatedAt = time.Now().UTC()
	result, err := s.db.NamedExecContext(ctx,
		`INSERT INTO subnet_rules (organization_id, cidr, sense, created_at)
		 VALUES (:organization_id, :cidr, :sense, :created_at)`, rule)
	if err != nil {
		return wrapConflict(err, "insert subnet rule")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get subnet rule id: %w", err)
	}
	rule.ID = id
	return nil
}

// ListSubnetRules returns all rules of an organization.
func (s *Store) ListSubnetRules(ctx context.Context, orgID int64) ([]model.SubnetRule, error) {
	var rules []model.SubnetRule
	if err := s.db.SelectContext(ctx, &rules,
		"SELECT * FROM subnet_rules WHERE organization_id = ? ORDER BY id", orgID); err != nil {
		return nil, fmt.Errorf("list subnet rules: %w", err)
	}
	return rules, nil
}

// DeleteSubnetRule removes one of an organization's rules.
func (s *Store) DeleteSubnetRule(ctx context.Context, orgID, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM subnet_rules WHERE id = ? AND organization_id = ?", id, orgID)
	if err != nil {
		return fmt.Errorf("delete subnet rule: %w", err)
	}
	return checkAffected(result, "delete subnet rule")
}
