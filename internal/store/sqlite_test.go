package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/streamharness/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func addUsers(t *testing.T, s *SQLiteStore, pool string, n int) []*model.PoolUser {
	t.Helper()
	users := make([]*model.PoolUser, n)
	for i := range n {
		u := &model.PoolUser{
			ID:          model.NewID(),
			Pool:        pool,
			Credentials: json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
			CreatedAt:   epoch.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddUser(context.Background(), u); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
		users[i] = u
	}
	return users
}

func TestReserveGrantsOldestFreeUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	users := addUsers(t, s, "streaming", 2)

	res, err := s.Reserve(ctx, "streaming", "suite-a", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.UserID != users[0].ID {
		t.Errorf("UserID = %q, want %q", res.UserID, users[0].ID)
	}
	if string(res.Credentials) != `{"n":0}` {
		t.Errorf("Credentials = %s", res.Credentials)
	}
	if res.Holder != "suite-a" {
		t.Errorf("Holder = %q, want suite-a", res.Holder)
	}
	if !res.ExpiresAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, epoch.Add(time.Minute))
	}

	second, err := s.Reserve(ctx, "streaming", "suite-b", epoch, time.Minute)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if second.UserID != users[1].ID {
		t.Errorf("second UserID = %q, want %q", second.UserID, users[1].ID)
	}

	if _, err := s.Reserve(ctx, "streaming", "suite-c", epoch, time.Minute); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("third Reserve err = %v, want ErrPoolExhausted", err)
	}
}

func TestReserveUnknownPool(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Reserve(context.Background(), "nope", "", epoch, time.Minute); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("err = %v, want ErrPoolNotFound", err)
	}
}

func TestReleaseFreesUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addUsers(t, s, "streaming", 1)

	res, err := s.Reserve(ctx, "streaming", "", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Release(ctx, res.ID, epoch); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, res.ID, epoch); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Release err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetReservation(ctx, res.ID, epoch); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReservation after release err = %v, want ErrNotFound", err)
	}

	if _, err := s.Reserve(ctx, "streaming", "", epoch, time.Minute); err != nil {
		t.Errorf("Reserve after release: %v", err)
	}
}

func TestExpiredLeaseIsRegranted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addUsers(t, s, "streaming", 1)

	old, err := s.Reserve(ctx, "streaming", "crashed", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	later := epoch.Add(2 * time.Minute)
	res, err := s.Reserve(ctx, "streaming", "next", later, time.Minute)
	if err != nil {
		t.Fatalf("Reserve after expiry: %v", err)
	}
	if res.UserID != old.UserID {
		t.Errorf("UserID = %q, want %q", res.UserID, old.UserID)
	}

	if _, err := s.GetReservation(ctx, old.ID, later); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired reservation err = %v, want ErrNotFound", err)
	}
	// Releasing the stale reservation must not free the new holder's user.
	if err := s.Release(ctx, old.ID, later); !errors.Is(err, ErrNotFound) {
		t.Errorf("Release stale err = %v, want ErrNotFound", err)
	}
	stats, err := s.PoolStats(ctx, "streaming", later)
	if err != nil {
		t.Fatalf("PoolStats: %v", err)
	}
	if stats.Reserved != 1 {
		t.Errorf("Reserved = %d, want 1", stats.Reserved)
	}
}

func TestGetReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addUsers(t, s, "streaming", 1)

	res, err := s.Reserve(ctx, "streaming", "suite", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	got, err := s.GetReservation(ctx, res.ID, epoch)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.UserID != res.UserID || got.Holder != "suite" || string(got.Credentials) != string(res.Credentials) {
		t.Errorf("got %+v, want %+v", got, res)
	}
	if !got.ReservedAt.Equal(epoch) {
		t.Errorf("ReservedAt = %v, want %v", got.ReservedAt, epoch)
	}

	if _, err := s.GetReservation(ctx, "missing", epoch); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetReservationHidesExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addUsers(t, s, "streaming", 1)

	res, err := s.Reserve(ctx, "streaming", "", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := s.GetReservation(ctx, res.ID, epoch.Add(59*time.Second)); err != nil {
		t.Errorf("GetReservation before expiry: %v", err)
	}
	if _, err := s.GetReservation(ctx, res.ID, epoch.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReservation at expiry err = %v, want ErrNotFound", err)
	}
}

func TestPoolStatsAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addUsers(t, s, "streaming", 3)
	addUsers(t, s, "autoconfig", 1)

	if _, err := s.Reserve(ctx, "streaming", "", epoch, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	stats, err := s.PoolStats(ctx, "streaming", epoch)
	if err != nil {
		t.Fatalf("PoolStats: %v", err)
	}
	want := model.PoolStats{Pool: "streaming", Total: 3, Reserved: 1, Available: 2}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}

	if _, err := s.PoolStats(ctx, "nope", epoch); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("err = %v, want ErrPoolNotFound", err)
	}

	pools, err := s.ListPools(ctx)
	if err != nil {
		t.Fatalf("ListPools: %v", err)
	}
	if len(pools) != 2 || pools[0] != "autoconfig" || pools[1] != "streaming" {
		t.Errorf("pools = %v", pools)
	}
}

func TestConcurrentReserveNeverSharesUsers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	addUsers(t, s, "streaming", 4)

	var mu sync.Mutex
	granted := make(map[string]string)
	exhausted := 0

	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			res, err := s.Reserve(context.Background(), "streaming", "", epoch, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrPoolExhausted) {
				exhausted++
				return nil
			}
			if err != nil {
				return err
			}
			if prev, ok := granted[res.UserID]; ok {
				t.Errorf("user %s granted to both %s and %s", res.UserID, prev, res.ID)
			}
			granted[res.UserID] = res.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if len(granted) != 4 {
		t.Errorf("granted %d users, want 4", len(granted))
	}
	if exhausted != 12 {
		t.Errorf("exhausted = %d, want 12", exhausted)
	}
}

func TestBundles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &model.CacheBundle{
		ID:            model.NewID(),
		Pool:          "streaming",
		Suite:         "recording",
		ReservationID: "res-1",
		SizeBytes:     3,
		CreatedAt:     epoch,
	}
	if err := s.SaveBundle(ctx, b, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	got, data, err := s.GetBundle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if got.Pool != b.Pool || got.Suite != b.Suite || got.ReservationID != b.ReservationID || got.SizeBytes != b.SizeBytes {
		t.Errorf("bundle = %+v, want %+v", got, b)
	}
	if !got.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, b.CreatedAt)
	}
	if len(data) != 3 || data[2] != 3 {
		t.Errorf("data = %v", data)
	}

	if _, _, err := s.GetBundle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := "pools:\n  streaming:\n    - {key: a}\n    - {key: b}\n  autoconfig:\n    - {key: c}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	added, err := Seed(ctx, s, seed, epoch)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if added != 3 {
		t.Errorf("added = %d, want 3", added)
	}

	again, err := Seed(ctx, s, seed, epoch)
	if err != nil {
		t.Fatalf("Seed again: %v", err)
	}
	if again != 0 {
		t.Errorf("second seed added %d users, want 0", again)
	}

	res, err := s.Reserve(ctx, "streaming", "", epoch.Add(time.Second), time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if string(res.Credentials) != `{"key":"a"}` {
		t.Errorf("first grant credentials = %s, want key a", res.Credentials)
	}
}
