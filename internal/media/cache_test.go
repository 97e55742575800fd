package media_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ambleapp/amble/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDownloadFailed = errors.New("download failed")

// fakeFetcher serves deterministic payloads and counts downloads.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	payload func(url string) ([]byte, error)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: make(map[string]int),
		payload: func(url string) ([]byte, error) {
			return []byte("data:" + url), nil
		},
	}
}

func (f *fakeFetcher) Download(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	f.mu.Unlock()

	return f.payload(url)
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[url]
}

func setupCache(t *testing.T, maxEntries int, maxBytes int64) (*media.Cache, *fakeFetcher) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	fetcher := newFakeFetcher()

	return media.NewCache(fetcher, maxEntries, maxBytes, logger), fetcher
}

func TestFetchCachesResult(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 10, 0)

	ctx := t.Context()

	data, err := cache.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("data:a"), data)

	// The second fetch is served from memory
	data, err = cache.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("data:a"), data)
	assert.Equal(t, 1, fetcher.count("a"))
	assert.Equal(t, 1, cache.Len())
}

func TestFetchPropagatesErrors(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 10, 0)
	fetcher.payload = func(string) ([]byte, error) { return nil, errDownloadFailed }

	_, err := cache.Fetch(t.Context(), "a")
	require.ErrorIs(t, err, errDownloadFailed)

	// Failures are not cached
	assert.Equal(t, 0, cache.Len())
}

func TestConcurrentFetchSharesOneDownload(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 10, 0)

	// A slow download holds every concurrent caller behind one flight
	release := make(chan struct{})
	fetcher.payload = func(url string) ([]byte, error) {
		<-release
		return []byte("data:" + url), nil
	}

	ctx := t.Context()

	var wg sync.WaitGroup

	results := make([][]byte, 10)
	errs := make([]error, 10)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Fetch(ctx, "shared")
		}()
	}

	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("data:shared"), results[i])
	}

	assert.Equal(t, 1, fetcher.count("shared"))
}

func TestEvictionIsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 2, 0)

	ctx := t.Context()

	_, err := cache.Fetch(ctx, "a")
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, "b")
	require.NoError(t, err)

	// Touch a so b becomes the eviction candidate
	_, err = cache.Fetch(ctx, "a")
	require.NoError(t, err)

	_, err = cache.Fetch(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// a survived, b was evicted and downloads again
	_, err = cache.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count("a"))

	_, err = cache.Fetch(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count("b"))
}

func TestByteBudgetEvicts(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 0, 10)
	fetcher.payload = func(string) ([]byte, error) { return []byte(strings.Repeat("x", 4)), nil }

	ctx := t.Context()

	for _, url := range []string{"a", "b", "c"} {
		_, err := cache.Fetch(ctx, url)
		require.NoError(t, err)
	}

	// 12 bytes exceed the budget, so the oldest entry went
	assert.Equal(t, 2, cache.Len())
	assert.LessOrEqual(t, cache.Bytes(), int64(10))
}

func TestOversizedObjectServedNotCached(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 0, 10)
	fetcher.payload = func(string) ([]byte, error) { return []byte(strings.Repeat("x", 11)), nil }

	ctx := t.Context()

	data, err := cache.Fetch(ctx, "big")
	require.NoError(t, err)
	assert.Len(t, data, 11)
	assert.Equal(t, 0, cache.Len())

	// Every fetch downloads again
	_, err = cache.Fetch(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count("big"))
}

func TestZeroBudgetsDisableBounds(t *testing.T) {
	t.Parallel()
	cache, _ := setupCache(t, 0, 0)

	ctx := t.Context()

	for i := range 100 {
		_, err := cache.Fetch(ctx, fmt.Sprintf("url-%d", i))
		require.NoError(t, err)
	}

	assert.Equal(t, 100, cache.Len())
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 10, 0)

	ctx := t.Context()

	_, err := cache.Fetch(ctx, "a")
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, "b")
	require.NoError(t, err)

	released := cache.ReleaseAll()
	assert.Equal(t, int64(len("data:a")+len("data:b")), released)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(0), cache.Bytes())

	// Released entries repopulate on demand
	_, err = cache.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count("a"))
}

func TestPrefetch(t *testing.T) {
	t.Parallel()
	cache, fetcher := setupCache(t, 10, 0)

	// One failing URL must not stop the rest of the warm
	fetcher.payload = func(url string) ([]byte, error) {
		if url == "bad" {
			return nil, errDownloadFailed
		}

		return []byte("data:" + url), nil
	}

	cache.Prefetch(t.Context(), []string{"a", "b", "bad", "c"})

	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, 1, fetcher.count("a"))
	assert.Equal(t, 1, fetcher.count("b"))
	assert.Equal(t, 1, fetcher.count("c"))
}
