// Package postgres provides a Postgres-backed entity store that mirrors the
// in-memory semantics and writes the state snapshot inside each commit.
package postgres

import (
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/internal/infra/persistence/migrations"
	"cascadecore/pkg/domain"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/cascadecore?sslmode=disable"
	// commitLockKey serialises transactions from every process sharing the
	// database; it is held from the state reload through the commit.
	commitLockKey int64 = 0x63617363
)

var (
	sqlOpen         = sql.Open
	applyMigrations = migrations.Apply
	openMu          sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It applies the embedded migrations and hydrates the in-memory store from
// any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	migrate := applyMigrations
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, db, migrations.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	s.Store = memory.NewStore(engine, append(opts, memory.WithSession(s.begin))...)
	s.ImportState(snapshot)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSnapshot(ctx context.Context, q queryer) (memory.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT bucket, payload FROM entity_state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	targets := make(map[string]domain.EntityType, len(domain.EntityTypes))
	for _, t := range domain.EntityTypes {
		targets[memory.BucketName(t)] = t
	}
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		t, ok := targets[bucket]
		if !ok {
			continue
		}
		entities, err := memory.DecodeBucket(t, payload)
		if err != nil {
			return nil, err
		}
		snapshot[t] = entities
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

// begin opens a transaction and takes the advisory lock before anything is
// read, so the state loaded by the session is the state it commits over.
func (s *Store) begin(ctx context.Context) (memory.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, commitLockKey); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("acquire commit lock: %w", err)
	}
	return &session{tx: tx}, nil
}

type session struct {
	tx *sql.Tx
}

func (ss *session) Load(ctx context.Context) (memory.Snapshot, error) {
	return loadSnapshot(ctx, ss.tx)
}

func (ss *session) Commit(ctx context.Context, next memory.Snapshot, changes []domain.Change) error {
	for _, t := range domain.EntityTypes {
		data, err := memory.EncodeBucket(next[t])
		if err != nil {
			return fmt.Errorf("encode %s: %w", memory.BucketName(t), err)
		}
		if _, err := ss.tx.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, memory.BucketName(t), data); err != nil {
			return fmt.Errorf("upsert %s: %w", memory.BucketName(t), err)
		}
	}
	now := time.Now().UTC()
	for _, change := range changes {
		if _, err := ss.tx.ExecContext(ctx, `INSERT INTO change_log(entity_type,entity_id,action,bypass,recorded_at) VALUES($1,$2,$3,$4,$5)`,
			string(change.Entity), change.EntityID, string(change.Action), change.Bypass, now); err != nil {
			return fmt.Errorf("append change log: %w", err)
		}
	}
	if err := ss.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (ss *session) Rollback() error { return ss.tx.Rollback() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// OverrideMigrations swaps the migration runner for tests and returns a restore function.
func OverrideMigrations(fn func(ctx context.Context, db *sql.DB, dialect migrations.Dialect) error) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := applyMigrations
	applyMigrations = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		applyMigrations = prev
	}
}
