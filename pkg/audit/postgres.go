package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-delegation/pkg/audit"

// DefaultTable is the audit table used when none is configured.
const DefaultTable = "audit_log"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// Secret redacts connection credentials when printed or serialized.
type Secret string

func (s Secret) String() string               { return "[REDACTED]" }
func (s Secret) GoString() string             { return "[REDACTED]" }
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// Execer is the subset of a pgx pool the Postgres sink writes through.
// *pgxpool.Pool and pgxmock pools satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Execer = (*pgxpool.Pool)(nil)

// PostgresConfig configures [OpenPostgres].
type PostgresConfig struct {
	URI             Secret        `yaml:"uri" json:"-" env:"URI"`
	Table           string        `yaml:"table" json:"table" env:"TABLE" envDefault:"audit_log"`
	MaxConns        int32         `yaml:"max_conns" json:"max_conns" env:"MAX_CONNS" envDefault:"4"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	CreateTable     bool          `yaml:"create_table" json:"create_table" env:"CREATE_TABLE" envDefault:"false"`
}

// PostgresSink inserts one row per entry.
type PostgresSink struct {
	db     Execer
	table  string
	insert string
	tracer trace.Tracer
}

// NewPostgresSink writes to table through db. An empty table means
// DefaultTable.
func NewPostgresSink(db Execer, table string) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, sserr.Newf(sserr.CodeValidationFormat, "audit: invalid table name %q", table)
	}
	return &PostgresSink{
		db:    db,
		table: table,
		insert: fmt.Sprintf(`INSERT INTO %s (id, occurred_at, source, subject, action, resource, success, error_code, error, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, table),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// OpenPostgres connects a pool and returns a sink over it, plus the pool so
// the caller can close it at shutdown.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresSink, *pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI.Value())
	if err != nil {
		// The parse error can echo the DSN, so it is not attached as the cause.
		return nil, nil, sserr.New(sserr.CodeInternalConfiguration, "audit: invalid postgres URI")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, sserr.Wrap(err, sserr.CodeUnavailable, "audit: failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, sserr.Wrap(err, sserr.CodeUnavailable, "audit: postgres is unreachable")
	}
	sink, err := NewPostgresSink(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if cfg.CreateTable {
		if err := sink.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return sink, pool, nil
}

// EnsureTable creates the audit table if it does not exist.
func (s *PostgresSink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL,
	subject     TEXT,
	action      TEXT NOT NULL,
	resource    TEXT,
	success     BOOLEAN NOT NULL,
	error_code  TEXT,
	error       TEXT,
	metadata    JSONB
)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "audit: failed to create audit table")
	}
	return nil
}

// Append implements [Sink].
func (s *PostgresSink) Append(ctx context.Context, e Entry) (retErr error) {
	ctx, span := s.tracer.Start(ctx, "audit.PostgresAppend", trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", s.table),
	)

	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return sserr.Wrap(err, sserr.CodeInternal, "audit: metadata is not serializable")
		}
	}
	_, err := s.db.Exec(ctx, s.insert,
		e.ID.String(), e.Timestamp, e.Source, nullable(e.Subject), e.Action,
		nullable(e.Resource), e.Success, nullable(e.ErrorCode), nullable(e.Error), metadata,
	)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "audit: postgres insert failed")
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
