package bucket

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func storageBackends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemory()
		},
		"redis": func(t *testing.T) Storage {
			server, err := miniredis.Run()
			if err != nil {
				if strings.Contains(err.Error(), "operation not permitted") {
					t.Skip("miniredis unavailable in sandbox")
				}
				require.NoError(t, err)
			}
			t.Cleanup(server.Close)
			codec, err := NewCodec(CompressionZstd)
			require.NoError(t, err)
			storage, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "test:"}, codec)
			require.NoError(t, err)
			t.Cleanup(func() { _ = storage.Close(context.Background()) })
			return storage
		},
		"sqlite": func(t *testing.T) Storage {
			codec, err := NewCodec(CompressionNone)
			require.NoError(t, err)
			storage, err := NewSQLite(filepath.Join(t.TempDir(), "buckets.db"), codec)
			require.NoError(t, err)
			t.Cleanup(func() { _ = storage.Close(context.Background()) })
			return storage
		},
	}
}

func sampleSnapshot(body string) Snapshot {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	return Snapshot{
		URL:    "https://example.test/app/index.html",
		Status: http.StatusOK,
		Header: header,
		Body:   []byte(body),
	}
}

func mustKey(t *testing.T, method, rawURL string) RequestKey {
	t.Helper()
	key, err := KeyFor(method, rawURL)
	require.NoError(t, err)
	return key
}

func TestStorageBackends(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("open creates and lists in creation order", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()

				_, err := storage.Open(ctx, "v2")
				require.NoError(t, err)
				_, err = storage.Open(ctx, "v1")
				require.NoError(t, err)
				_, err = storage.Open(ctx, "v2")
				require.NoError(t, err)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"v2", "v1"}, names)
			})

			t.Run("put then match returns the snapshot", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()
				b, err := storage.Open(ctx, "v1")
				require.NoError(t, err)
				require.Equal(t, "v1", b.Name())

				key := mustKey(t, http.MethodGet, "https://example.test/app/index.html")
				require.NoError(t, b.Put(ctx, key, sampleSnapshot("<html>one</html>")))

				got, ok, err := b.Match(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, http.StatusOK, got.Status)
				require.Equal(t, "<html>one</html>", string(got.Body))
				require.Equal(t, "text/html; charset=utf-8", got.Header.Get("Content-Type"))
				require.False(t, got.StoredAt.IsZero())

				_, ok, err = b.Match(ctx, mustKey(t, http.MethodGet, "https://example.test/missing"))
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("put overwrites existing key", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()
				b, err := storage.Open(ctx, "v1")
				require.NoError(t, err)

				key := mustKey(t, http.MethodGet, "https://example.test/app/")
				require.NoError(t, b.Put(ctx, key, sampleSnapshot("first")))
				require.NoError(t, b.Put(ctx, key, sampleSnapshot("second")))

				keys, err := b.Keys(ctx)
				require.NoError(t, err)
				require.Equal(t, []RequestKey{key}, keys)

				got, ok, err := b.Match(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, "second", string(got.Body))
			})

			t.Run("delete removes bucket and entries", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()
				old, err := storage.Open(ctx, "v1")
				require.NoError(t, err)
				key := mustKey(t, http.MethodGet, "https://example.test/app/")
				require.NoError(t, old.Put(ctx, key, sampleSnapshot("stale")))

				deleted, err := storage.Delete(ctx, "v1")
				require.NoError(t, err)
				require.True(t, deleted)

				deleted, err = storage.Delete(ctx, "v1")
				require.NoError(t, err)
				require.False(t, deleted)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				require.Empty(t, names)

				reopened, err := storage.Open(ctx, "v1")
				require.NoError(t, err)
				_, ok, err := reopened.Match(ctx, key)
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("lookup never creates a bucket", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()

				_, ok, err := storage.Lookup(ctx, "v1")
				require.NoError(t, err)
				require.False(t, ok)
				names, err := storage.Names(ctx)
				require.NoError(t, err)
				require.Empty(t, names)

				opened, err := storage.Open(ctx, "v1")
				require.NoError(t, err)
				key := mustKey(t, http.MethodGet, "https://example.test/app/")
				require.NoError(t, opened.Put(ctx, key, sampleSnapshot("kept")))

				found, ok, err := storage.Lookup(ctx, "v1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, "v1", found.Name())
				got, ok, err := found.Match(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, "kept", string(got.Body))

				_, err = storage.Delete(ctx, "v1")
				require.NoError(t, err)
				_, ok, err = storage.Lookup(ctx, "v1")
				require.NoError(t, err)
				require.False(t, ok)
				names, err = storage.Names(ctx)
				require.NoError(t, err)
				require.Empty(t, names)
			})

			t.Run("put on deleted bucket is discarded", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()
				b, err := storage.Open(ctx, "v0")
				require.NoError(t, err)
				_, err = storage.Delete(ctx, "v0")
				require.NoError(t, err)

				err = b.Put(ctx, mustKey(t, http.MethodGet, "https://example.test/late"), sampleSnapshot("late"))
				require.ErrorIs(t, err, ErrBucketGone)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				require.Empty(t, names)
			})

			t.Run("concurrent puts to the same key leave one entry", func(t *testing.T) {
				storage := factory(t)
				ctx := context.Background()
				b, err := storage.Open(ctx, "v1")
				require.NoError(t, err)
				key := mustKey(t, http.MethodGet, "https://example.test/race")

				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := b.Put(ctx, key, sampleSnapshot("racer")); err != nil && !errors.Is(err, ErrBucketGone) {
							t.Errorf("put: %v", err)
						}
					}()
				}
				wg.Wait()

				keys, err := b.Keys(ctx)
				require.NoError(t, err)
				require.Len(t, keys, 1)
			})

			t.Run("open rejects empty name", func(t *testing.T) {
				storage := factory(t)
				_, err := storage.Open(context.Background(), " ")
				require.Error(t, err)
			})
		})
	}
}

func TestMemoryMatchReturnsCopies(t *testing.T) {
	storage := NewMemory()
	ctx := context.Background()
	b, err := storage.Open(ctx, "v1")
	require.NoError(t, err)
	key := mustKey(t, http.MethodGet, "https://example.test/app/")

	original := sampleSnapshot("body")
	require.NoError(t, b.Put(ctx, key, original))
	original.Body[0] = 'X'
	original.Header.Set("Content-Type", "mutated")

	got, ok, err := b.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "body", string(got.Body))
	require.Equal(t, "text/html; charset=utf-8", got.Header.Get("Content-Type"))

	got.Body[0] = 'Y'
	again, _, err := b.Match(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "body", string(again.Body))
}

func TestNewRedisRequiresAddress(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)
	defer codec.Close()
	_, err = NewRedis(RedisConfig{}, codec)
	require.Error(t, err)
}

func TestNewSQLiteRequiresPath(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)
	defer codec.Close()
	_, err = NewSQLite("", codec)
	require.Error(t, err)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()
	key := mustKey(t, http.MethodGet, "https://example.test/app/")

	codec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)
	first, err := NewSQLite(path, codec)
	require.NoError(t, err)
	b, err := first.Open(ctx, "dictee-vocale-v1")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, key, sampleSnapshot("persisted")))
	require.NoError(t, first.Close(ctx))

	codec, err = NewCodec(CompressionNone)
	require.NoError(t, err)
	second, err := NewSQLite(path, codec)
	require.NoError(t, err)
	defer second.Close(ctx)

	names, err := second.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"dictee-vocale-v1"}, names)

	b, err = second.Open(ctx, "dictee-vocale-v1")
	require.NoError(t, err)
	got, ok, err := b.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", string(got.Body))
}
