package model

import "time"

// Outcome is the terminal result recorded for a request.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// AuditEntry is an append-only record of one authorization decision and,
// for admitted requests, the handler's result. Entries are never updated or
// deleted. ID is a ULID, so lexical order matches the order in which entries
// were stamped.
type AuditEntry struct {
	Seq          int64     `json:"seq" db:"seq"`
	ID           string    `json:"id" db:"id"`
	ActorID      string    `json:"actor_id" db:"actor_id"`
	ActorKind    string    `json:"actor_kind" db:"actor_kind"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	ResourceType string    `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty" db:"resource_id"`
	Action       string    `json:"action" db:"action"`
	Outcome      Outcome   `json:"outcome" db:"outcome"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	Status       int       `json:"status" db:"status"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Method       string    `json:"method" db:"method"`
	Path         string    `json:"path" db:"path"`
	OccurredAt   time.Time `json:"occurred_at" db:"occurred_at"`
}
