package policy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"

	"github.com/tollgatehq/tollgate/internal/model"
)

// ErrSubnetDenied is returned when the caller's address is not permitted
// for the principal's tenant.
var ErrSubnetDenied = errors.New("subnet denied")

// RuleSource supplies the subnet rules configured for an organization.
type RuleSource interface {
	ListSubnetRules(ctx context.Context, organizationID int64) ([]model.SubnetRule, error)
}

// Subnets evaluates tenant subnet rules.
type Subnets struct {
	source RuleSource
}

// NewSubnets creates a subnet policy reading rules from source.
func NewSubnets(source RuleSource) *Subnets {
	return &Subnets{source: source}
}

type compiledRule struct {
	prefix netip.Prefix
	allow  bool
}

// ParsePrefix accepts a CIDR or a bare address (treated as a host prefix)
// and returns the masked prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %q", s)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Check decides whether addr may act for tenantID.
//
// Rules are evaluated most-specific first (longest prefix, deny before allow
// on equal length) and the first rule containing addr decides. When no rule
// contains addr, the tenant is treated as an allowlist if it has any allow
// rule, otherwise access is open. A tenant without rules is unrestricted.
func (s *Subnets) Check(ctx context.Context, tenantID string, addr netip.Addr) error {
	if tenantID == "" || s.source == nil {
		return nil
	}
	orgID, err := strconv.ParseInt(tenantID, 10, 64)
	if err != nil {
		return fmt.Errorf("subnet policy: tenant %q: %w", tenantID, err)
	}
	rules, err := s.source.ListSubnetRules(ctx, orgID)
	if err != nil {
		return fmt.Errorf("subnet policy: loading rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	compiled := make([]compiledRule, 0, len(rules))
	hasAllow := false
	for _, r := range rules {
		p, err := ParsePrefix(r.CIDR)
		if err != nil {
			// An unreadable rule cannot be honoured; fail closed.
			return fmt.Errorf("%w: %v", ErrSubnetDenied, err)
		}
		allow := r.Sense != model.SenseDeny
		hasAllow = hasAllow || allow
		compiled = append(compiled, compiledRule{prefix: p, allow: allow})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		bi, bj := compiled[i].prefix.Bits(), compiled[j].prefix.Bits()
		if bi != bj {
			return bi > bj
		}
		return !compiled[i].allow && compiled[j].allow
	})

	if !addr.IsValid() {
		return fmt.Errorf("%w: unknown caller address", ErrSubnetDenied)
	}
	addr = addr.Unmap()
	for _, r := range compiled {
		if r.prefix.Contains(addr) {
			if r.allow {
				return nil
			}
			return fmt.Errorf("%w: %s matches deny rule %s", ErrSubnetDenied, addr, r.prefix)
		}
	}
	if hasAllow {
		return fmt.Errorf("%w: %s is outside the allowed subnets", ErrSubnetDenied, addr)
	}
	return nil
}
