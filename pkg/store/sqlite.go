package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store with a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createTables = `
CREATE TABLE IF NOT EXISTS zsets (
	ns TEXT NOT NULL,
	member TEXT NOT NULL,
	score INTEGER NOT NULL,
	PRIMARY KEY (ns, member)
);
CREATE INDEX IF NOT EXISTS idx_zsets_score ON zsets(ns, score);

CREATE TABLE IF NOT EXISTS hashes (
	ns TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (ns, field)
);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS sets (
	ns TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (ns, member)
);
`

// New opens (or creates) the store database and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// keeps pops atomic without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ZAdd inserts or updates a sorted-set member.
func (s *SQLiteStore) ZAdd(ctx context.Context, ns, member string, score int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zsets (ns, member, score) VALUES (?, ?, ?)
		 ON CONFLICT(ns, member) DO UPDATE SET score = excluded.score`,
		ns, member, score,
	)
	if err != nil {
		return fmt.Errorf("zadd %s: %w", ns, err)
	}
	return nil
}

// ZPopMax atomically removes and returns the member with the highest score.
func (s *SQLiteStore) ZPopMax(ctx context.Context, ns string) (ScoredMember, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ScoredMember{}, false, fmt.Errorf("zpopmax %s: %w", ns, err)
	}
	defer tx.Rollback()

	var m ScoredMember
	err = tx.QueryRowContext(ctx,
		`SELECT member, score FROM zsets WHERE ns = ? ORDER BY score DESC, member ASC LIMIT 1`,
		ns,
	).Scan(&m.Member, &m.Score)
	if err == sql.ErrNoRows {
		return ScoredMember{}, false, nil
	}
	if err != nil {
		return ScoredMember{}, false, fmt.Errorf("zpopmax %s: %w", ns, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM zsets WHERE ns = ? AND member = ?`, ns, m.Member); err != nil {
		return ScoredMember{}, false, fmt.Errorf("zpopmax %s: %w", ns, err)
	}
	if err := tx.Commit(); err != nil {
		return ScoredMember{}, false, fmt.Errorf("zpopmax %s: %w", ns, err)
	}
	return m, true, nil
}

// ZCard returns the number of members in a sorted set.
func (s *SQLiteStore) ZCard(ctx context.Context, ns string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zsets WHERE ns = ?`, ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", ns, err)
	}
	return n, nil
}

// ZRange returns up to limit members, highest score first, without removal.
func (s *SQLiteStore) ZRange(ctx context.Context, ns string, limit int) ([]ScoredMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member, score FROM zsets WHERE ns = ? ORDER BY score DESC, member ASC LIMIT ?`,
		ns, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", ns, err)
	}
	defer rows.Close()

	var members []ScoredMember
	for rows.Next() {
		var m ScoredMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("scan zrange %s: %w", ns, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ZRem removes a member from a sorted set.
func (s *SQLiteStore) ZRem(ctx context.Context, ns, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM zsets WHERE ns = ? AND member = ?`, ns, member)
	if err != nil {
		return fmt.Errorf("zrem %s: %w", ns, err)
	}
	return nil
}

// HSet stores a hash field.
func (s *SQLiteStore) HSet(ctx context.Context, ns, field, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hashes (ns, field, value) VALUES (?, ?, ?)
		 ON CONFLICT(ns, field) DO UPDATE SET value = excluded.value`,
		ns, field, value,
	)
	if err != nil {
		return fmt.Errorf("hset %s: %w", ns, err)
	}
	return nil
}

// HGet retrieves a hash field.
func (s *SQLiteStore) HGet(ctx context.Context, ns, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM hashes WHERE ns = ? AND field = ?`, ns, field,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", ns, err)
	}
	return value, true, nil
}

// HDel removes a hash field.
func (s *SQLiteStore) HDel(ctx context.Context, ns, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hashes WHERE ns = ? AND field = ?`, ns, field)
	if err != nil {
		return fmt.Errorf("hdel %s: %w", ns, err)
	}
	return nil
}

// HGetAll returns every field in a hash.
func (s *SQLiteStore) HGetAll(ctx context.Context, ns string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM hashes WHERE ns = ?`, ns)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", ns, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan hgetall %s: %w", ns, err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

// HLen returns the number of fields in a hash.
func (s *SQLiteStore) HLen(ctx context.Context, ns string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hashes WHERE ns = ?`, ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("hlen %s: %w", ns, err)
	}
	return n, nil
}

// HIncrBy atomically adds delta to an integer hash field and returns the result.
func (s *SQLiteStore) HIncrBy(ctx context.Context, ns, field string, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO hashes (ns, field, value) VALUES (?, ?, ?)
		 ON CONFLICT(ns, field) DO UPDATE SET value = CAST(value AS INTEGER) + excluded.value
		 RETURNING CAST(value AS INTEGER)`,
		ns, field, delta,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("hincrby %s.%s: %w", ns, field, err)
	}
	return value, nil
}

// SetEx stores a key with a TTL.
func (s *SQLiteStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("setex %s: %w", key, err)
	}
	return nil
}

// Get retrieves a key, dropping it lazily if expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}

	if expires.Valid && time.Now().UnixMilli() >= expires.Int64 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

// Expire refreshes a key's TTL. Returns false if the key does not exist.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	expires := time.Now().Add(ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, `UPDATE kv SET expires_at = ? WHERE key = ?`, expires, key)
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of a key.
func (s *SQLiteStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ttl %s: %w", key, err)
	}
	if !expires.Valid {
		return 0, true, nil
	}
	remaining := time.Duration(expires.Int64-time.Now().UnixMilli()) * time.Millisecond
	if remaining < 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Del removes keys.
func (s *SQLiteStore) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
	}
	return nil
}

// SAdd inserts a set member.
func (s *SQLiteStore) SAdd(ctx context.Context, ns, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sets (ns, member) VALUES (?, ?) ON CONFLICT(ns, member) DO NOTHING`,
		ns, member,
	)
	if err != nil {
		return fmt.Errorf("sadd %s: %w", ns, err)
	}
	return nil
}

// SRem removes a set member.
func (s *SQLiteStore) SRem(ctx context.Context, ns, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sets WHERE ns = ? AND member = ?`, ns, member)
	if err != nil {
		return fmt.Errorf("srem %s: %w", ns, err)
	}
	return nil
}

// SMembers returns every member of a set.
func (s *SQLiteStore) SMembers(ctx context.Context, ns string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM sets WHERE ns = ?`, ns)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", ns, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan smembers %s: %w", ns, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SCard returns the number of members in a set.
func (s *SQLiteStore) SCard(ctx context.Context, ns string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sets WHERE ns = ?`, ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", ns, err)
	}
	return n, nil
}

// Ping verifies the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
