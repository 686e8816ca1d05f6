// Package scope parses and matches permission scopes of the form
// <resourceType>[-<resourceId>]:<action>, e.g. "organization-42:write-members",
// "organization-42:*" or "*:*".
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard matches any concrete value in the position it occupies.
const Wildcard = "*"

// ErrMalformed is returned for strings that do not follow the scope grammar.
var ErrMalformed = errors.New("malformed scope")

// Scope is a parsed scope string. ResourceID is empty when the scope carries
// no id segment.
type Scope struct {
	ResourceType string
	ResourceID   string
	Action       string
}

// HasID reports whether the scope names a resource id (possibly "*").
func (s Scope) HasID() bool { return s.ResourceID != "" }

func (s Scope) String() string {
	if s.ResourceID == "" {
		return s.ResourceType + ":" + s.Action
	}
	return s.ResourceType + "-" + s.ResourceID + ":" + s.Action
}

// Parse splits a scope string into its parts. Resource types never contain
// "-", so the first "-" before the colon starts the id.
func Parse(raw string) (Scope, error) {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return Scope{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	resource, action, ok := strings.Cut(raw, ":")
	if !ok || action == "" || strings.Contains(action, ":") {
		return Scope{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	typ, id, hasID := strings.Cut(resource, "-")
	if typ == "" || (hasID && id == "") {
		return Scope{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	return Scope{ResourceType: typ, ResourceID: id, Action: action}, nil
}

// MustParse is like Parse but panics on error. Intended for route tables and
// tests.
func MustParse(raw string) Scope {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks every scope in the list and returns the first problem.
func Validate(scopes []string) error {
	for _, s := range scopes {
		if _, err := Parse(s); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether a single granted scope covers the required one.
//
// A granted scope without an id covers the principal's own tenant: it matches
// a required id equal to tenantID, or a required scope without an id. When
// tenantID is empty the id-less grant is global.
func Matches(granted, required Scope, tenantID string) bool {
	if !segmentMatches(granted.ResourceType, required.ResourceType) {
		return false
	}
	if !segmentMatches(granted.Action, required.Action) {
		return false
	}
	switch {
	case !granted.HasID():
		if tenantID == "" || !required.HasID() {
			return true
		}
		return required.ResourceID == tenantID
	case granted.ResourceID == Wildcard:
		return required.HasID()
	default:
		return granted.ResourceID == required.ResourceID
	}
}

func segmentMatches(granted, required string) bool {
	return granted == Wildcard || granted == required
}

// Satisfies reports whether any granted scope covers required. Evaluation
// stops at the first match. Malformed entries are skipped, an empty granted
// list never satisfies anything, and a malformed required scope is never
// satisfied.
func Satisfies(granted []string, required, tenantID string) bool {
	if len(granted) == 0 {
		return false
	}
	req, err := Parse(required)
	if err != nil {
		return false
	}
	for _, g := range granted {
		gs, err := Parse(g)
		if err != nil {
			continue
		}
		if Matches(gs, req, tenantID) {
			return true
		}
	}
	return false
}

// Expand fills {name} placeholders in a scope template using lookup, which
// typically reads URL parameters. Missing or empty values are an error so a
// route can never fall back to an id-less (broader) scope by accident.
func Expand(template string, lookup func(string) string) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated placeholder in %q", ErrMalformed, template)
		}
		name := rest[open+1 : open+end]
		val := ""
		if lookup != nil {
			val = lookup(name)
		}
		if val == "" || strings.ContainsAny(val, ":{} ") {
			return "", fmt.Errorf("%w: placeholder %q has no usable value", ErrMalformed, name)
		}
		b.WriteString(rest[:open])
		b.WriteString(val)
		rest = rest[open+end+1:]
	}
	out := b.String()
	if _, err := Parse(out); err != nil {
		return "", err
	}
	return out, nil
}
