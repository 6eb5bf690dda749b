package bucket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	bucket      TEXT NOT NULL,
	request_key TEXT NOT NULL,
	payload     BLOB NOT NULL,
	stored_at   INTEGER NOT NULL,
	PRIMARY KEY (bucket, request_key)
);
`

type sqliteStorage struct {
	db    *sql.DB
	codec *Codec
}

// NewSQLite opens a file-backed Storage and applies the schema. The storage
// owns codec and closes it on Close.
func NewSQLite(path string, codec *Codec) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bucket: sqlite path required")
	}
	if codec == nil {
		return nil, errors.New("bucket: codec required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("bucket: open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bucket: ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bucket: apply sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db, codec: codec}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("bucket: sqlite open %s: %w", name, err)
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Bucket, bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bucket: sqlite lookup %s: %w", name, err)
	}
	return &sqliteBucket{storage: s, name: name}, true, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("bucket: sqlite names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("bucket: sqlite scan name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: sqlite names: %w", err)
	}
	return names, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("bucket: sqlite delete %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, fmt.Errorf("bucket: sqlite delete entries %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("bucket: sqlite delete %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bucket: sqlite delete %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("bucket: sqlite delete %s: commit: %w", name, err)
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close(context.Context) error {
	s.codec.Close()
	return s.db.Close()
}

type sqliteBucket struct {
	storage *sqliteStorage
	name    string
}

func (b *sqliteBucket) Name() string { return b.name }

func (b *sqliteBucket) Match(ctx context.Context, key RequestKey) (Snapshot, bool, error) {
	var payload []byte
	err := b.storage.db.QueryRowContext(ctx,
		`SELECT e.payload FROM entries e JOIN buckets b ON b.name = e.bucket
		 WHERE e.bucket = ? AND e.request_key = ?`,
		b.name, string(key)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("bucket: sqlite get: %w", err)
	}
	snapshot, err := b.storage.codec.Decode(payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key RequestKey, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	payload, err := b.storage.codec.Encode(snapshot)
	if err != nil {
		return err
	}
	res, err := b.storage.db.ExecContext(ctx,
		`INSERT INTO entries (bucket, request_key, payload, stored_at)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)
		 ON CONFLICT (bucket, request_key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		b.name, string(key), payload, snapshot.StoredAt.UnixMilli(), b.name)
	if err != nil {
		return fmt.Errorf("bucket: sqlite put: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bucket: sqlite put: %w", err)
	}
	if affected == 0 {
		return ErrBucketGone
	}
	return nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := b.storage.db.QueryContext(ctx,
		`SELECT request_key FROM entries WHERE bucket = ? ORDER BY request_key`, b.name)
	if err != nil {
		return nil, fmt.Errorf("bucket: sqlite keys: %w", err)
	}
	defer rows.Close()
	var keys []RequestKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("bucket: sqlite scan key: %w", err)
		}
		keys = append(keys, RequestKey(key))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket: sqlite keys: %w", err)
	}
	return keys, nil
}
