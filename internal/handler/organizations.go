package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tollgatehq/tollgate/internal/authz"
	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/policy"
	"github.com/tollgatehq/tollgate/internal/service"
)

// OrganizationHandler serves organization details, membership and the
// organization's approved subnets.
type OrganizationHandler struct {
	store *config.Store
}

// NewOrganizationHandler creates a new OrganizationHandler.
func NewOrganizationHandler(store *config.Store) *OrganizationHandler {
	return &OrganizationHandler{store: store}
}

// GetOrganization returns one organization.
// GET /api/v1/organizations/{orgId}
func (h *OrganizationHandler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	org, err := h.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, err, "Organization")
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// ListMembers returns the organization's memberships.
// GET /api/v1/organizations/{orgId}/members
func (h *OrganizationHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	members, err := h.store.ListOrganizationMembers(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, err, "Organization")
		return
	}
	if members == nil {
		members = []model.Membership{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: members,
		Meta:     &model.ResponseMeta{Count: len(members)},
	})
}

type addMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AddMember adds an existing user to the organization, or changes the role
// of a current member. Callers may only hand out a role they could act as
// themselves, and may only change the membership of someone whose current
// role they also hold, so admins can neither promote to owner nor demote an
// owner.
// POST /api/v1/organizations/{orgId}/members
func (h *OrganizationHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	var req addMemberRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.Role = strings.ToUpper(strings.TrimSpace(req.Role))
	if req.Email == "" || !model.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "A user email and a role of OWNER, ADMIN or MEMBER are required")
		return
	}
	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, err, "User")
		return
	}
	caller := authz.PrincipalFromContext(r.Context())
	if err := service.CheckRoleGrant(caller, orgID, req.Role); err != nil {
		writeServiceError(w, r, err, "Membership")
		return
	}
	current, err := h.currentRole(r, user.ID, orgID)
	if err != nil {
		writeServiceError(w, r, err, "Membership")
		return
	}
	if current != "" {
		if err := service.CheckRoleGrant(caller, orgID, current); err != nil {
			writeServiceError(w, r, err, "Membership")
			return
		}
	}
	m := &model.Membership{UserID: user.ID, OrganizationID: orgID, Role: req.Role}
	if err := h.store.AddMembership(r.Context(), m); err != nil {
		writeServiceError(w, r, err, "Membership")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// currentRole returns the user's role in the organization, or "" when the
// user is not a member.
func (h *OrganizationHandler) currentRole(r *http.Request, userID, orgID int64) (string, error) {
	memberships, err := h.store.ListMemberships(r.Context(), userID)
	if err != nil {
		return "", err
	}
	for _, m := range memberships {
		if m.OrganizationID == orgID {
			return m.Role, nil
		}
	}
	return "", nil
}

// ListSubnets returns the organization's subnet rules.
// GET /api/v1/organizations/{orgId}/subnets
func (h *OrganizationHandler) ListSubnets(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	rules, err := h.store.ListSubnetRules(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, err, "Subnet rule")
		return
	}
	if rules == nil {
		rules = []model.SubnetRule{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: rules,
		Meta:     &model.ResponseMeta{Count: len(rules)},
	})
}

type subnetRequest struct {
	CIDR  string `json:"cidr"`
	Sense string `json:"sense"`
}

// CreateSubnet adds an allow or deny rule. A bare address is stored as a
// single-host prefix.
// POST /api/v1/organizations/{orgId}/subnets
func (h *OrganizationHandler) CreateSubnet(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	var req subnetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Sense == "" {
		req.Sense = model.SenseAllow
	}
	if req.Sense != model.SenseAllow && req.Sense != model.SenseDeny {
		writeError(w, http.StatusBadRequest, "Sense must be allow or deny")
		return
	}
	prefix, err := policy.ParsePrefix(req.CIDR)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid CIDR: "+err.Error())
		return
	}
	rule := &model.SubnetRule{OrganizationID: orgID, CIDR: prefix.String(), Sense: req.Sense}
	if err := h.store.CreateSubnetRule(r.Context(), rule); err != nil {
		writeServiceError(w, r, err, "Subnet rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteSubnet removes a rule.
// DELETE /api/v1/organizations/{orgId}/subnets/{subnetId}
func (h *OrganizationHandler) DeleteSubnet(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgId")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "subnetId")
	if !ok {
		return
	}
	if err := h.store.DeleteSubnetRule(r.Context(), orgID, id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Subnet rule not found")
			return
		}
		writeServiceError(w, r, err, "Subnet rule")
		return
	}
	success(w)
}
