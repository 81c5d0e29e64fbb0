package knowledgegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
)

// DBPool abstracts the pgxpool.Pool methods the sink needs so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var _ DBPool = (*pgxpool.Pool)(nil)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS stix_objects (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		spec_version TEXT NOT NULL,
		modified     TIMESTAMPTZ NOT NULL,
		payload      JSONB NOT NULL
	);`

const upsertObjectSQL = `
	INSERT INTO stix_objects (id, type, name, spec_version, modified, payload)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		type = EXCLUDED.type,
		name = EXCLUDED.name,
		spec_version = EXCLUDED.spec_version,
		modified = EXCLUDED.modified,
		payload = EXCLUDED.payload;`

// PostgresSink upserts graph objects into the stix_objects table. Rows are
// keyed by STIX id, so rerunning against the same feeds updates reports in place.
type PostgresSink struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresSink verifies the connection before handing out a sink.
func NewPostgresSink(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresSink{pool: pool, log: logger.Named("postgres_sink")}, nil
}

// EnsureSchema creates the table when it does not exist yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create stix_objects table: %w", err)
	}
	return nil
}

// Persist writes every object in one transaction.
func (s *PostgresSink) Persist(ctx context.Context, objects []schemas.Object) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, obj := range objects {
		payload, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", obj.GetID(), err)
		}
		if _, err := tx.Exec(ctx, upsertObjectSQL,
			obj.GetID(), string(obj.GetType()), objectName(obj), schemas.SpecVersion, obj.GetModified(), payload,
		); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", obj.GetID(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Graph persisted", zap.Int("objects", len(objects)))
	return nil
}

func objectName(obj schemas.Object) string {
	switch o := obj.(type) {
	case schemas.Malware:
		return o.Name
	case schemas.IntrusionSet:
		return o.Name
	case schemas.Report:
		return o.Name
	case schemas.Identity:
		return o.Name
	case schemas.Relationship:
		return o.RelationshipType
	default:
		return ""
	}
}
