package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
	"github.com/tollgatehq/tollgate/internal/scope"
)

const apiKeyPrefix = "tg_"

// keyResourceType is the only resource type an API key may be scoped to.
const keyResourceType = "organization"

// ErrScopeEscalation is returned when a caller asks for a key with scopes it
// does not hold itself.
var ErrScopeEscalation = errors.New("requested scopes exceed the creator's scopes")

// ErrInvalidInput marks a request that can never succeed as given.
var ErrInvalidInput = errors.New("invalid input")

// GenerateAPIKey returns a new raw key and its display prefix.
func GenerateAPIKey() (raw, prefix string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = apiKeyPrefix + hex.EncodeToString(randomBytes)
	// tg_ + first 8 hex chars
	return raw, raw[:len(apiKeyPrefix)+8], nil
}

// CreateKeyInput describes a key to mint.
type CreateKeyInput struct {
	OrganizationID int64
	Label          string
	Scopes         []string
	ExpiresAt      *time.Time
}

// KeyService manages an organization's API keys.
type KeyService struct {
	store *config.Store
}

// NewKeyService creates a KeyService.
func NewKeyService(store *config.Store) *KeyService {
	return &KeyService{store: store}
}

// Create mints a key. A key acts only inside the organization that owns it:
// every requested scope must name that organization, either by id or
// id-less. Each scope must also be satisfied by the creator's own scopes, so
// a key can never carry more authority than the principal that made it. The
// raw key is returned once and never stored.
func (s *KeyService) Create(ctx context.Context, creator model.Principal, in CreateKeyInput) (*model.APIKey, string, error) {
	if in.OrganizationID <= 0 {
		return nil, "", fmt.Errorf("%w: an owning organization is required", ErrInvalidInput)
	}
	if len(in.Scopes) == 0 {
		return nil, "", fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	org := strconv.FormatInt(in.OrganizationID, 10)
	for _, raw := range in.Scopes {
		sc, err := scope.Parse(raw)
		if err != nil {
			return nil, "", err
		}
		if sc.ResourceType != keyResourceType || (sc.HasID() && sc.ResourceID != org) {
			return nil, "", fmt.Errorf("%w: scope %s is outside organization %s", ErrInvalidInput, raw, org)
		}
		// An id-less key scope is bound to the owning organization when the
		// key resolves, so check the creator against that concrete form.
		effective := scope.Scope{ResourceType: keyResourceType, ResourceID: org, Action: sc.Action}.String()
		if !scope.Satisfies(creator.Scopes, effective, creator.TenantID) {
			return nil, "", fmt.Errorf("%w: %s", ErrScopeEscalation, raw)
		}
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, "", fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}

	raw, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	key := &model.APIKey{
		KeyHash:        config.HashAPIKey(raw),
		KeyPrefix:      prefix,
		OrganizationID: in.OrganizationID,
		Label:          in.Label,
		Scopes:         append([]string(nil), in.Scopes...),
		ExpiresAt:      in.ExpiresAt,
	}
	if creator.Kind == model.KindSession && creator.UserID != 0 {
		uid := creator.UserID
		key.CreatedBy = &uid
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// List returns an organization's keys.
func (s *KeyService) List(ctx context.Context, orgID int64) ([]model.APIKey, error) {
	return s.store.ListAPIKeys(ctx, orgID)
}

// Revoke permanently disables a key. Resolution of the key fails from the
// moment this returns.
func (s *KeyService) Revoke(ctx context.Context, orgID, keyID int64) error {
	return s.store.RevokeAPIKey(ctx, orgID, keyID)
}

// ParseID parses a path parameter holding a numeric id.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
