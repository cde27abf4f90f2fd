package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/streamharness/internal/model"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as Unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pool_users (
    id             TEXT PRIMARY KEY,
    pool           TEXT NOT NULL,
    credentials    TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    reservation_id TEXT,
    lease_expires  INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_pool_users_pool ON pool_users (pool)`,
	`CREATE TABLE IF NOT EXISTS reservations (
    id          TEXT PRIMARY KEY,
    pool        TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    holder      TEXT NOT NULL,
    reserved_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    released_at INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS cache_bundles (
    id             TEXT PRIMARY KEY,
    pool           TEXT NOT NULL,
    suite          TEXT NOT NULL,
    reservation_id TEXT NOT NULL,
    size_bytes     INTEGER NOT NULL,
    data           BLOB NOT NULL,
    created_at     INTEGER NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddUser registers a credential set in its pool.
func (s *SQLiteStore) AddUser(ctx context.Context, u *model.PoolUser) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_users (id, pool, credentials, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Pool, string(u.Credentials), u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert pool user: %w", err)
	}
	return nil
}

// Reserve grants the oldest free user of pool with a single UPDATE, so two
// concurrent callers can never be handed the same user.
func (s *SQLiteStore) Reserve(ctx context.Context, pool, holder string, now time.Time, ttl time.Duration) (*model.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	// Expired leases are ended first so their reservations stop resolving.
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET released_at = ?
		WHERE pool = ? AND released_at IS NULL AND expires_at <= ?`,
		now.UnixMilli(), pool, now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}

	res := &model.Reservation{
		ID:         model.NewID(),
		Pool:       pool,
		Holder:     holder,
		ReservedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		ExpiresAt:  time.UnixMilli(now.Add(ttl).UnixMilli()).UTC(),
	}

	var creds string
	err = tx.QueryRowContext(ctx,
		`UPDATE pool_users SET reservation_id = ?, lease_expires = ?
		WHERE id = (
			SELECT id FROM pool_users
			WHERE pool = ? AND (reservation_id IS NULL OR lease_expires <= ?)
			ORDER BY created_at, id LIMIT 1
		)
		RETURNING id, credentials`,
		res.ID, res.ExpiresAt.UnixMilli(), pool, now.UnixMilli(),
	).Scan(&res.UserID, &creds)
	if errors.Is(err, sql.ErrNoRows) {
		var total int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM pool_users WHERE pool = ?", pool).Scan(&total); err != nil {
			return nil, fmt.Errorf("count pool users: %w", err)
		}
		if total == 0 {
			return nil, ErrPoolNotFound
		}
		return nil, ErrPoolExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("grant pool user: %w", err)
	}
	res.Credentials = []byte(creds)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, pool, user_id, holder, reserved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.Pool, res.UserID, res.Holder, res.ReservedAt.UnixMilli(), res.ExpiresAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}
	return res, nil
}

// GetReservation returns a reservation whose lease is still live at now.
func (s *SQLiteStore) GetReservation(ctx context.Context, id string, now time.Time) (*model.Reservation, error) {
	res := &model.Reservation{}
	var creds string
	var reservedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.pool, r.user_id, r.holder, u.credentials, r.reserved_at, r.expires_at
		FROM reservations r JOIN pool_users u ON u.id = r.user_id
		WHERE r.id = ? AND r.released_at IS NULL AND r.expires_at > ?`, id, now.UnixMilli(),
	).Scan(&res.ID, &res.Pool, &res.UserID, &res.Holder, &creds, &reservedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	res.Credentials = []byte(creds)
	res.ReservedAt = time.UnixMilli(reservedAt).UTC()
	res.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return res, nil
}

// Release ends a reservation and frees its user unless the lease already
// passed to a newer reservation.
func (s *SQLiteStore) Release(ctx context.Context, id string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE reservations SET released_at = ? WHERE id = ? AND released_at IS NULL",
		now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE pool_users SET reservation_id = NULL, lease_expires = 0 WHERE reservation_id = ?", id,
	); err != nil {
		return fmt.Errorf("free pool user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release tx: %w", err)
	}
	return nil
}

// PoolStats counts the users of pool and how many hold a live lease.
func (s *SQLiteStore) PoolStats(ctx context.Context, pool string, now time.Time) (*model.PoolStats, error) {
	stats := &model.PoolStats{Pool: pool}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN reservation_id IS NOT NULL AND lease_expires > ? THEN 1 ELSE 0 END), 0)
		FROM pool_users WHERE pool = ?`, now.UnixMilli(), pool,
	).Scan(&stats.Total, &stats.Reserved)
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	if stats.Total == 0 {
		return nil, ErrPoolNotFound
	}
	stats.Available = stats.Total - stats.Reserved
	return stats, nil
}

// ListPools returns the names of all pools with at least one user.
func (s *SQLiteStore) ListPools(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT pool FROM pool_users ORDER BY pool")
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	pools := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return pools, nil
}

// SaveBundle stores an uploaded diagnostics archive.
func (s *SQLiteStore) SaveBundle(ctx context.Context, b *model.CacheBundle, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_bundles (id, pool, suite, reservation_id, size_bytes, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Pool, b.Suite, b.ReservationID, b.SizeBytes, data, b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert cache bundle: %w", err)
	}
	return nil
}

// GetBundle returns a stored archive and its metadata.
func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*model.CacheBundle, []byte, error) {
	b := &model.CacheBundle{}
	var data []byte
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pool, suite, reservation_id, size_bytes, data, created_at
		FROM cache_bundles WHERE id = ?`, id,
	).Scan(&b.ID, &b.Pool, &b.Suite, &b.ReservationID, &b.SizeBytes, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get cache bundle: %w", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	return b, data, nil
}
