package audit

import (
	"context"
	"log/slog"

	"github.com/tollgatehq/tollgate/internal/model"
)

// LogSink writes each entry as one structured log line. Pair it with a JSON
// slog handler to ship the trail to a log store.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Append implements Sink.
func (s *LogSink) Append(ctx context.Context, e *model.AuditEntry) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("type", "audit"),
		slog.String("id", e.ID),
		slog.Time("occurred_at", e.OccurredAt),
		slog.String("actor_id", e.ActorID),
		slog.String("actor_kind", e.ActorKind),
		slog.String("tenant_id", e.TenantID),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.String("action", e.Action),
		slog.String("outcome", string(e.Outcome)),
		slog.String("reason", e.Reason),
		slog.Int("status", e.Status),
		slog.String("ip", e.IPAddress),
		slog.String("user_agent", e.UserAgent),
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("path", e.Path),
	)
	return nil
}

// MultiSink appends to every sink in order and fails if any of them does.
// Retries re-append to all sinks, so each must tolerate duplicates.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(ctx context.Context, e *model.AuditEntry) error {
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
