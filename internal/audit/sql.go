package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tollgatehq/tollgate/internal/model"
)

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

var ddl = map[string][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			actor_id TEXT NOT NULL,
			actor_kind TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_tenant ON audit_log(tenant_id, id)`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			actor_id TEXT NOT NULL,
			actor_kind TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_tenant ON audit_log(tenant_id, id)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id CHAR(26) NOT NULL UNIQUE,
			actor_id VARCHAR(255) NOT NULL,
			actor_kind VARCHAR(32) NOT NULL,
			tenant_id VARCHAR(64) NOT NULL DEFAULT '',
			resource_type VARCHAR(64) NOT NULL DEFAULT '',
			resource_id VARCHAR(255) NOT NULL DEFAULT '',
			action VARCHAR(255) NOT NULL,
			outcome VARCHAR(16) NOT NULL,
			reason VARCHAR(64) NOT NULL DEFAULT '',
			status INT NOT NULL DEFAULT 0,
			ip_address VARCHAR(64) NOT NULL DEFAULT '',
			user_agent VARCHAR(512) NOT NULL DEFAULT '',
			request_id VARCHAR(128) NOT NULL DEFAULT '',
			method VARCHAR(16) NOT NULL DEFAULT '',
			path VARCHAR(1024) NOT NULL DEFAULT '',
			occurred_at DATETIME(6) NOT NULL,
			INDEX idx_audit_log_tenant (tenant_id, id)
		)`,
	},
}

const insertEntry = `INSERT INTO audit_log
	(id, actor_id, actor_kind, tenant_id, resource_type, resource_id, action, outcome, reason,
	 status, ip_address, user_agent, request_id, method, path, occurred_at)
	VALUES
	(:id, :actor_id, :actor_kind, :tenant_id, :resource_type, :resource_id, :action, :outcome, :reason,
	 :status, :ip_address, :user_agent, :request_id, :method, :path, :occurred_at)`

// SQLSink appends entries to an audit_log table in SQLite, PostgreSQL or
// MySQL. The table is append-only: no code path updates or deletes rows.
type SQLSink struct {
	db      *sqlx.DB
	dialect string
}

// DriverName maps a configured driver to a database/sql driver name.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "mysql", "mariadb":
		return "mysql", nil
	}
	return "", fmt.Errorf("unsupported audit driver %q", driver)
}

func dialectOf(driverName string) string {
	switch driverName {
	case "pgx", "postgres":
		return DialectPostgres
	case "mysql":
		return DialectMySQL
	default:
		return DialectSQLite
	}
}

// OpenSQLSink connects to dsn with the given driver and creates the table.
func OpenSQLSink(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	name, err := DriverName(driver)
	if err != nil {
		return nil, err
	}
	if name == "mysql" {
		// Timestamps must scan into time.Time.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}
	db, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if name == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLSink(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSink wraps an existing connection. Call Migrate before use unless
// the table already exists.
func NewSQLSink(db *sqlx.DB) *SQLSink {
	return &SQLSink{db: db, dialect: dialectOf(db.DriverName())}
}

// Dialect returns the SQL dialect in use.
func (s *SQLSink) Dialect() string { return s.dialect }

// Migrate creates the audit table and indexes if they do not exist.
func (s *SQLSink) Migrate(ctx context.Context) error {
	for _, stmt := range ddl[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit log: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *SQLSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

// Append implements Sink. Seq is populated from the store. Re-appending an
// entry whose ID is already stored succeeds without a second row, which makes
// retries after an ambiguous failure safe.
func (s *SQLSink) Append(ctx context.Context, e *model.AuditEntry) error {
	query, args, err := sqlx.Named(insertEntry, e)
	if err != nil {
		return fmt.Errorf("bind audit entry: %w", err)
	}
	query = s.db.Rebind(query)

	if s.dialect == DialectPostgres {
		err = s.db.QueryRowxContext(ctx, query+" RETURNING seq", args...).Scan(&e.Seq)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			e.Seq, _ = res.LastInsertId()
		}
	}
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Driver codes for a unique-key violation.
const (
	pgUniqueViolation   = "23505"
	mysqlDuplicateEntry = 1062
)

// isDuplicate reports whether err is a unique-key violation from any of
// the supported drivers.
func isDuplicate(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}

// Filter narrows a List query. After is an entry ID cursor.
type Filter struct {
	TenantID   string
	ActorID    string
	Outcome    model.Outcome
	After      string
	Limit      int
	Descending bool
}

// List returns entries in ID order (oldest first unless Descending).
func (s *SQLSink) List(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	order := "ASC"
	if f.After != "" {
		if f.Descending {
			where = append(where, "id < ?")
		} else {
			where = append(where, "id > ?")
		}
		args = append(args, f.After)
	}
	if f.Descending {
		order = "DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	q := "SELECT * FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY id %s LIMIT %d", order, limit)

	var entries []model.AuditEntry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
