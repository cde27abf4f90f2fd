package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/streamharness/internal/model"
)

var (
	// ErrNotFound is returned when a reservation or bundle does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPoolNotFound is returned for a pool with no registered users.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrPoolExhausted is returned when every user of a pool is leased.
	ErrPoolExhausted = errors.New("pool exhausted")
)

// Store defines the persistence operations of the fixture pool service.
type Store interface {
	AddUser(ctx context.Context, u *model.PoolUser) error
	// Reserve leases one free user of pool until now+ttl. A user whose lease
	// has expired counts as free.
	Reserve(ctx context.Context, pool, holder string, now time.Time, ttl time.Duration) (*model.Reservation, error)
	// GetReservation returns a reservation that is neither released nor
	// expired at now.
	GetReservation(ctx context.Context, id string, now time.Time) (*model.Reservation, error)
	Release(ctx context.Context, id string, now time.Time) error
	PoolStats(ctx context.Context, pool string, now time.Time) (*model.PoolStats, error)
	ListPools(ctx context.Context) ([]string, error)
	SaveBundle(ctx context.Context, b *model.CacheBundle, data []byte) error
	GetBundle(ctx context.Context, id string) (*model.CacheBundle, []byte, error)
	Close() error
}
