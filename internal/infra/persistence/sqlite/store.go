// Package sqlite persists the entity store to an embedded SQLite database.
package sqlite

import (
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/internal/infra/persistence/migrations"
	"cascadecore/pkg/domain"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "cascadecore.db"

// busyTimeoutMillis bounds how long a session waits for another process
// holding the write lock.
const busyTimeoutMillis = 5000

// Store keeps the working set in memory and writes one JSON payload per
// entity bucket, plus the change log, inside the commit of every transaction.
// Each transaction holds the database write lock from the moment it starts
// and reloads the state under it, so processes sharing the file never commit
// over each other.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path, migrates it, and
// hydrates the in-memory state.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps sqlite writers from contending for the file lock
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if err := migrations.Apply(ctx, db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, append(opts, memory.WithSession(s.begin))...)
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ImportState(snapshot)
	return s, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSnapshot(ctx context.Context, q queryer) (memory.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT bucket, payload FROM entity_state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byBucket := make(map[string]domain.EntityType, len(domain.EntityTypes))
	for _, t := range domain.EntityTypes {
		byBucket[memory.BucketName(t)] = t
	}
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		t, ok := byBucket[bucket]
		if !ok || len(payload) == 0 {
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

// begin pins a connection and takes the write lock with BEGIN IMMEDIATE.
// database/sql has no option for the immediate form, so the transaction is
// driven with plain statements on the pinned connection.
func (s *Store) begin(ctx context.Context) (memory.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout = %d`, busyTimeoutMillis)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &session{conn: conn}, nil
}

type session struct {
	conn *sql.Conn
}

func (ss *session) Load(ctx context.Context) (memory.Snapshot, error) {
	return loadSnapshot(ctx, ss.conn)
}

func (ss *session) Commit(ctx context.Context, next memory.Snapshot, changes []domain.Change) error {
	for _, t := range domain.EntityTypes {
		data, err := memory.EncodeBucket(next[t])
		if err != nil {
			return fmt.Errorf("encode %s: %w", memory.BucketName(t), err)
		}
		if _, err := ss.conn.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, memory.BucketName(t), data); err != nil {
			return fmt.Errorf("upsert %s: %w", memory.BucketName(t), err)
		}
	}
	now := time.Now().UTC()
	for _, change := range changes {
		if _, err := ss.conn.ExecContext(ctx, `INSERT INTO change_log(entity_type,entity_id,action,bypass,recorded_at) VALUES(?,?,?,?,?)`,
			string(change.Entity), change.EntityID, string(change.Action), change.Bypass, now); err != nil {
			return fmt.Errorf("append change log: %w", err)
		}
	}
	if _, err := ss.conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	_ = ss.conn.Close()
	return nil
}

// Rollback runs on a fresh context so a cancelled caller still releases the lock.
func (ss *session) Rollback() error {
	_, err := ss.conn.ExecContext(context.Background(), `ROLLBACK`)
	if cerr := ss.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
