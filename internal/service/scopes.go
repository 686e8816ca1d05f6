package service

import (
	"fmt"
	"strconv"

	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/scope"
)

// Organization actions granted per membership role.
var roleActions = map[string][]string{
	model.RoleOwner: {"*"},
	model.RoleAdmin: {
		"read-info", "write-info",
		"read-members", "write-members",
		"read-api-keys", "write-api-keys", "delete-api-keys",
		"read-subnets", "write-subnets", "delete-subnets",
		"read-audit-logs",
	},
	model.RoleMember: {"read-info", "read-members"},
}

// SessionScopes derives a session principal's scope set: full control over
// the user's own account plus the role actions of the membership in the
// session's active organization. Other memberships grant nothing until the
// user logs in to that organization, so a session's organization scopes and
// its tenant (whose subnet rules apply) are always the same organization.
func SessionScopes(userID, activeOrgID int64, memberships []model.Membership) []string {
	scopes := []string{"user-" + strconv.FormatInt(userID, 10) + ":*"}
	for _, m := range memberships {
		if activeOrgID == 0 || m.OrganizationID != activeOrgID {
			continue
		}
		scopes = append(scopes, RoleScopes(m.OrganizationID, m.Role)...)
	}
	return scopes
}

// RoleScopes returns the organization scopes a membership role grants.
func RoleScopes(orgID int64, role string) []string {
	org := "organization-" + strconv.FormatInt(orgID, 10) + ":"
	actions := roleActions[role]
	scopes := make([]string, 0, len(actions))
	for _, action := range actions {
		scopes = append(scopes, org+action)
	}
	return scopes
}

// CheckRoleGrant returns ErrScopeEscalation unless caller already holds every
// scope role carries in the organization. It guards both granting a role and
// changing the membership of someone who holds it.
func CheckRoleGrant(caller model.Principal, orgID int64, role string) error {
	for _, sc := range RoleScopes(orgID, role) {
		if !scope.Satisfies(caller.Scopes, sc, caller.TenantID) {
			return fmt.Errorf("%w: role %s carries %s", ErrScopeEscalation, role, sc)
		}
	}
	return nil
}
