// Package openapi builds the service's OpenAPI document from the route
// table, so the published contract always matches what the authorization
// pipeline enforces.
package openapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tollgatehq/tollgate/internal/authz"
)

// Extension keys carried on every operation.
const (
	ExtRequiredScope = "x-required-scope"
	ExtSensitive     = "x-sensitive"
	ExtRateCost      = "x-rate-cost"
)

// Info describes the document header.
type Info struct {
	Title        string
	Version      string
	BaseURL      string
	APIKeyHeader string
}

// Generate returns an OpenAPI 3.1 document with one operation per route.
// Each operation lists the error responses the pipeline can produce for it.
func Generate(routes []authz.Route, info Info) *openapi3.T {
	if info.Title == "" {
		info.Title = "Tollgate API"
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	if info.APIKeyHeader == "" {
		info.APIKeyHeader = authz.DefaultAPIKeyHeader
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       info.Title,
			Description: "Organization, credential and audit management. Every operation states the scope it requires.",
			Version:     info.Version,
		},
	}
	if info.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: info.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{"ErrorResponse": errorSchema()}
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: info.APIKeyHeader},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		},
	}
	doc.Components = &components
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
		{"bearerAuth": {}},
	}
	doc.Paths = openapi3.NewPaths()

	for _, rt := range routes {
		doc.AddOperation(rt.Pattern, rt.Method, operation(rt))
	}
	return doc
}

func operation(rt authz.Route) *openapi3.Operation {
	op := &openapi3.Operation{
		Summary:     rt.Summary,
		OperationID: operationID(rt),
		Responses:   responses(rt),
		Extensions:  map[string]interface{}{},
	}
	if rt.Tag != "" {
		op.Tags = []string{rt.Tag}
	}
	for _, name := range pathParams(rt.Pattern) {
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()),
		})
	}
	if rt.Method == http.MethodPost || rt.Method == http.MethodPut || rt.Method == http.MethodPatch {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithJSONSchema(openapi3.NewObjectSchema()),
		}
	}
	if rt.Public() {
		// An empty list overrides the document-wide requirement.
		op.Security = &openapi3.SecurityRequirements{}
	}
	if rt.Scope != "" {
		op.Extensions[ExtRequiredScope] = rt.Scope
	}
	if rt.Sensitive {
		op.Extensions[ExtSensitive] = true
	}
	cost := rt.Cost
	if cost < 1 {
		cost = 1
	}
	op.Extensions[ExtRateCost] = cost
	return op
}

func responses(rt authz.Route) *openapi3.Responses {
	okDesc := "Success"
	resp := openapi3.NewResponses(openapi3.WithName("2XX", &openapi3.Response{
		Description: &okDesc,
		Content:     openapi3.NewContentWithJSONSchema(openapi3.NewObjectSchema()),
	}))

	codes := []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError}
	if !rt.Public() {
		codes = append(codes, http.StatusUnauthorized, http.StatusForbidden)
	}
	if rt.Sensitive {
		codes = append(codes, http.StatusPreconditionRequired)
	}
	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	for _, code := range codes {
		desc := describe(code)
		resp.Set(strconv.Itoa(code), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return resp
}

func describe(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "Missing, invalid, expired or revoked credential"
	case http.StatusForbidden:
		return "Scope or network origin not permitted"
	case http.StatusPreconditionRequired:
		return "Second-factor verification is missing or stale"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded; see Retry-After"
	default:
		return http.StatusText(code)
	}
}

// pathParams lists the {name} placeholders of a chi pattern in order.
func pathParams(pattern string) []string {
	var names []string
	for {
		open := strings.IndexByte(pattern, '{')
		if open < 0 {
			return names
		}
		end := strings.IndexByte(pattern[open:], '}')
		if end < 0 {
			return names
		}
		name := pattern[open+1 : open+end]
		// chi allows {name:regex}
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}
		names = append(names, name)
		pattern = pattern[open+end+1:]
	}
}

// operationID turns "DELETE /api/v1/organizations/{orgId}/api-keys/{keyId}"
// into "delete_organizations_orgId_api_keys_keyId".
func operationID(rt authz.Route) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(rt.Method))
	path := strings.TrimPrefix(rt.Pattern, "/api/v1")
	for _, seg := range strings.Split(path, "/") {
		seg = strings.Trim(seg, "{}")
		if seg == "" {
			continue
		}
		b.WriteByte('_')
		for _, r := range seg {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

func errorSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
}
