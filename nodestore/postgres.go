package nodestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTable = "echohub_nodes"

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTableName sets the PostgreSQL table name. Default: "echohub_nodes".
func WithTableName(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.tableName = name
	}
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
	ownsPool  bool
}

// NewPostgresStore creates a PostgreSQL-backed store on an existing pool.
// The table and indexes are created if missing. The caller keeps ownership
// of the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:      pool,
		tableName: defaultPostgresTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validIdentifier.MatchString(s.tableName) {
		return nil, fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.tableName)
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return s, nil
}

// OpenPostgres dials dsn and returns a store that closes the pool on Close.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			host        TEXT NOT NULL UNIQUE,
			occupancy   INTEGER NOT NULL DEFAULT 0 CHECK (occupancy >= 0),
			online      BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_online_last_seen
			ON %s (online, last_seen);
	`, s.tableName, s.tableName, s.tableName)
	_, err := s.pool.Exec(ctx, query)
	return err
}

const nodeColumns = `id, name, description, host, occupancy, online, last_seen, created_at`

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	if err := row.Scan(&n.ID, &n.Name, &n.Description, &n.Host,
		&n.Occupancy, &n.Online, &n.LastSeen, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.LastSeen = n.LastSeen.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

func (s *PostgresStore) getOne(ctx context.Context, column, value string) (*Node, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, nodeColumns, s.tableName, column)
	node, err := scanNode(s.pool.QueryRow(ctx, query, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node by %s: %w", column, err)
	}
	return node, nil
}

// GetByHost returns the node registered for host.
func (s *PostgresStore) GetByHost(ctx context.Context, host string) (*Node, error) {
	return s.getOne(ctx, "host", host)
}

// GetByID returns the node with the given ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Node, error) {
	return s.getOne(ctx, "id", id)
}

// List returns all nodes ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Node, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY name, host`, nodeColumns, s.tableName)
	return s.query(ctx, "list nodes", query)
}

// Upsert creates or replaces a node.
func (s *PostgresStore) Upsert(ctx context.Context, node Node) (*Node, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	node = normalize(node, time.Now().UTC())

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			host = EXCLUDED.host,
			occupancy = EXCLUDED.occupancy,
			online = EXCLUDED.online,
			last_seen = EXCLUDED.last_seen
		RETURNING %s
	`, s.tableName, nodeColumns, nodeColumns)

	stored, err := scanNode(s.pool.QueryRow(ctx, query,
		node.ID, node.Name, node.Description, node.Host,
		node.Occupancy, node.Online, node.LastSeen, node.CreatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("upsert node: %w", err)
	}
	return stored, nil
}

// Delete removes a node by ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOnlineStaleSince returns online nodes last seen at or before cutoff.
func (s *PostgresStore) ListOnlineStaleSince(ctx context.Context, cutoff time.Time) ([]Node, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE online AND last_seen <= $1 ORDER BY name, host`,
		nodeColumns, s.tableName)
	return s.query(ctx, "list stale nodes", query, cutoff.UTC())
}

// ListOfflineOlderThan returns offline nodes last seen at or before cutoff.
func (s *PostgresStore) ListOfflineOlderThan(ctx context.Context, cutoff time.Time) ([]Node, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE NOT online AND last_seen <= $1 ORDER BY name, host`,
		nodeColumns, s.tableName)
	return s.query(ctx, "list expired nodes", query, cutoff.UTC())
}

func (s *PostgresStore) query(ctx context.Context, op, query string, args ...interface{}) ([]Node, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	nodes := make([]Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// Close releases the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
