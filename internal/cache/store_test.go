package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// brokenStorage fails every call, like a storage whose quota is exhausted.
type brokenStorage struct{}

var errQuota = errors.New("quota exceeded")

func (brokenStorage) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errQuota }
func (brokenStorage) Set(context.Context, string, []byte) error         { return errQuota }
func (brokenStorage) Delete(context.Context, string) error              { return errQuota }
func (brokenStorage) Keys(context.Context, string) ([]string, error)    { return nil, errQuota }

func newFileTier(t *testing.T, fsys afero.Fs) *DurableTier {
	t.Helper()
	storage, err := NewFileStorage(fsys, "/cache")
	require.NoError(t, err)
	return NewDurableTier(storage, "")
}

func TestStoreLookupHonoursTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(WithClock(clock.Now))
	ctx := context.Background()
	ttl := time.Minute

	store.Put(ctx, "fees", map[string]any{"total": 42.0})

	clock.Advance(ttl - time.Millisecond)
	entry, ok := store.Lookup(ctx, "fees", ttl)
	require.True(t, ok, "entry should be fresh just before the TTL")
	assert.Equal(t, map[string]any{"total": 42.0}, entry.Payload)

	clock.Advance(2 * time.Millisecond)
	_, ok = store.Lookup(ctx, "fees", ttl)
	assert.False(t, ok, "entry should be stale just after the TTL")

	// Stale entries stay readable through Get.
	_, ok = store.Get(ctx, "fees")
	assert.True(t, ok)
}

func TestStoreNonPositiveTTLIsNeverFresh(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Put(ctx, "k", 1.0)

	_, ok := store.Lookup(ctx, "k", 0)
	assert.False(t, ok)
}

func TestStorePutOverwrites(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(WithClock(clock.Now))
	ctx := context.Background()

	store.Put(ctx, "k", "old")
	clock.Advance(time.Second)
	store.Put(ctx, "k", "new")

	entry, ok := store.Lookup(ctx, "k", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "new", entry.Payload)
	assert.Equal(t, clock.Now(), entry.StoredAt)
	assert.Equal(t, 1, store.Stats(ctx).FastTierCount)
}

func TestStorePromotesFreshDurableEntries(t *testing.T) {
	clock := newFakeClock()
	fsys := afero.NewMemMapFs()
	ctx := context.Background()

	first := NewStore(WithClock(clock.Now), WithDurable(newFileTier(t, fsys)))
	first.Put(ctx, "markets", []any{"BTC", "ETH"})

	// A new store over the same filesystem behaves like a restarted process.
	restarted := NewStore(WithClock(clock.Now), WithDurable(newFileTier(t, fsys)))
	assert.Equal(t, 0, restarted.Stats(ctx).FastTierCount)

	clock.Advance(10 * time.Second)
	entry, ok := restarted.Lookup(ctx, "markets", time.Minute)
	require.True(t, ok)
	assert.Equal(t, []any{"BTC", "ETH"}, entry.Payload)
	assert.Equal(t, "markets", entry.Fingerprint)

	stats := restarted.Stats(ctx)
	assert.Equal(t, 1, stats.FastTierCount, "durable hit should be promoted")
	assert.Equal(t, 1, stats.DurableTierCount)
	assert.Greater(t, stats.DurableTierApproxBytes, int64(0))
}

func TestStoreDoesNotPromoteStaleDurableEntries(t *testing.T) {
	clock := newFakeClock()
	fsys := afero.NewMemMapFs()
	ctx := context.Background()

	NewStore(WithClock(clock.Now), WithDurable(newFileTier(t, fsys))).Put(ctx, "k", "v")

	restarted := NewStore(WithClock(clock.Now), WithDurable(newFileTier(t, fsys)))
	clock.Advance(2 * time.Minute)
	_, ok := restarted.Lookup(ctx, "k", time.Minute)
	assert.False(t, ok)
	assert.Equal(t, 0, restarted.Stats(ctx).FastTierCount)
}

func TestStoreSurvivesFailingDurableTier(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		durable func(t *testing.T) *DurableTier
	}{
		{
			name:    "storage rejects every call",
			durable: func(*testing.T) *DurableTier { return NewDurableTier(brokenStorage{}, "") },
		},
		{
			name: "read-only filesystem",
			durable: func(t *testing.T) *DurableTier {
				base := afero.NewMemMapFs()
				require.NoError(t, base.MkdirAll("/cache", 0o755))
				storage, err := NewFileStorage(afero.NewReadOnlyFs(base), "/cache")
				require.NoError(t, err)
				return NewDurableTier(storage, "")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(WithDurable(tt.durable(t)))
			store.Put(ctx, "k", "v")

			entry, ok := store.Lookup(ctx, "k", time.Minute)
			require.True(t, ok, "fast tier must stay authoritative")
			assert.Equal(t, "v", entry.Payload)

			_, ok = store.Lookup(ctx, "missing", time.Minute)
			assert.False(t, ok)

			stats := store.Stats(ctx)
			assert.Equal(t, 1, stats.FastTierCount)
			assert.Equal(t, 0, stats.DurableTierCount)

			store.Clear(ctx)
			assert.Equal(t, 0, store.Stats(ctx).FastTierCount)
		})
	}
}

func TestStoreClearOnlyTouchesNamespace(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	storage, err := NewFileStorage(fsys, "/cache")
	require.NoError(t, err)
	require.NoError(t, storage.Set(ctx, "other-app:settings", []byte(`{"theme":"dark"}`)))

	store := NewStore(WithDurable(NewDurableTier(storage, "")))
	store.Put(ctx, "a", 1.0)
	store.Put(ctx, "b", 2.0)
	require.Equal(t, 2, store.Stats(ctx).DurableTierCount)

	store.Clear(ctx)

	stats := store.Stats(ctx)
	assert.Equal(t, 0, stats.FastTierCount)
	assert.Equal(t, 0, stats.DurableTierCount)

	value, ok, err := storage.Get(ctx, "other-app:settings")
	require.NoError(t, err)
	require.True(t, ok, "foreign keys must survive a clear")
	assert.JSONEq(t, `{"theme":"dark"}`, string(value))
}

func TestDurableTierIgnoresCorruptRecords(t *testing.T) {
	ctx := context.Background()
	storage, err := NewFileStorage(afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)
	require.NoError(t, storage.Set(ctx, DefaultNamespace+"k", []byte("{not json")))

	_, ok := NewDurableTier(storage, "").Get(ctx, "k")
	assert.False(t, ok)
}
