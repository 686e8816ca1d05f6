package audit

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/tollgatehq/tollgate/internal/model"
)

func newSQLiteSink(t *testing.T) *SQLSink {
	t.Helper()
	s, err := OpenSQLSink(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLSink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDriverName(t *testing.T) {
	tests := map[string]string{
		"":         "sqlite",
		"sqlite":   "sqlite",
		"postgres": "pgx",
		"pgx":      "pgx",
		"MySQL":    "mysql",
		"mariadb":  "mysql",
	}
	for in, want := range tests {
		got, err := DriverName(in)
		if err != nil || got != want {
			t.Errorf("DriverName(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := DriverName("oracle"); err == nil {
		t.Error("expected unsupported driver error")
	}
}

func TestSQLSinkAppendAndList(t *testing.T) {
	sink := newSQLiteSink(t)
	rec := NewRecorder(sink, Options{Logger: quietLogger()})
	ctx := context.Background()

	for i, tenant := range []string{"1", "2", "1", "1"} {
		e := &model.AuditEntry{
			ActorID:   "user:7",
			ActorKind: string(model.KindSession),
			TenantID:  tenant,
			Action:    "organization-" + tenant + ":read-info",
			Outcome:   model.OutcomeAllowed,
			Status:    200,
			Method:    "GET",
			Path:      "/api/v1/organizations/" + tenant,
		}
		if i == 3 {
			e.Outcome = model.OutcomeDenied
			e.Reason = "forbidden"
			e.Status = 403
		}
		if err := rec.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if e.Seq == 0 {
			t.Error("Seq not populated")
		}
	}

	all, err := sink.List(ctx, Filter{TenantID: "1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("tenant 1 entries = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID || all[i].Seq <= all[i-1].Seq {
			t.Fatal("entries not in append order")
		}
	}
	if all[2].Outcome != model.OutcomeDenied || all[2].OccurredAt.IsZero() {
		t.Errorf("last entry = %+v", all[2])
	}

	page, _ := sink.List(ctx, Filter{TenantID: "1", After: all[0].ID, Limit: 1})
	if len(page) != 1 || page[0].ID != all[1].ID {
		t.Errorf("cursor page = %+v", page)
	}
	desc, _ := sink.List(ctx, Filter{Descending: true, Limit: 2})
	if len(desc) != 2 || desc[0].ID < desc[1].ID {
		t.Errorf("descending = %+v", desc)
	}
	denied, _ := sink.List(ctx, Filter{Outcome: model.OutcomeDenied})
	if len(denied) != 1 {
		t.Errorf("denied entries = %d, want 1", len(denied))
	}
}

func TestSQLSinkAppendIsIdempotent(t *testing.T) {
	sink := newSQLiteSink(t)
	ctx := context.Background()
	e := &model.AuditEntry{ID: "01J0000000000000000000000A", ActorID: "a", ActorKind: "session", Action: "x", Outcome: model.OutcomeAllowed, OccurredAt: time.Now()}
	if err := sink.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Append(ctx, e); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	all, _ := sink.List(ctx, Filter{})
	if len(all) != 1 {
		t.Errorf("entries = %d, want 1", len(all))
	}
}

func TestIsDuplicate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"postgres unique", &pgconn.PgError{Code: "23505"}, true},
		{"postgres other", &pgconn.PgError{Code: "23503"}, false},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, true},
		{"mysql wrapped", fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1062}), true},
		{"mysql other", &mysql.MySQLError{Number: 1213}, false},
		{"lookalike text", errors.New("Error 1062: SQLSTATE 23505 UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDuplicate(tt.err); got != tt.want {
				t.Errorf("isDuplicate(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSQLSinkPostgresDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	sink := NewSQLSink(sqlx.NewDb(db, "pgx"))
	if sink.Dialect() != DialectPostgres {
		t.Fatalf("dialect = %q", sink.Dialect())
	}

	e := &model.AuditEntry{ID: "01J0000000000000000000000B", ActorID: "api-key:3", ActorKind: "api-key", Action: "x", Outcome: model.OutcomeDenied, OccurredAt: time.Now()}
	args := []driver.Value{e.ID, e.ActorID}
	for i := 0; i < 14; i++ {
		args = append(args, sqlmock.AnyArg())
	}

	mock.ExpectQuery(`(?s)INSERT INTO audit_log .* VALUES .*\$1.*\$16.* RETURNING seq`).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(42))
	if err := sink.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Seq != 42 {
		t.Errorf("Seq = %d, want 42", e.Seq)
	}

	mock.ExpectQuery(`INSERT INTO audit_log`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: `duplicate key value violates unique constraint "audit_log_id_key"`})
	if err := sink.Append(context.Background(), e); err != nil {
		t.Errorf("duplicate append err = %v, want nil", err)
	}

	mock.ExpectQuery(`INSERT INTO audit_log`).WillReturnError(errors.New("connection refused"))
	if err := sink.Append(context.Background(), e); err == nil {
		t.Error("expected connection error to surface")
	}

	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE tenant_id = \$1 ORDER BY id DESC LIMIT 100`).
		WithArgs("9").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "actor_id", "outcome"}).AddRow(1, "01J", "user:1", "allowed"))
	got, err := sink.List(context.Background(), Filter{TenantID: "9", Descending: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != model.OutcomeAllowed {
		t.Errorf("List = %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
