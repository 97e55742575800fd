package media

import (
	"container/list"
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// prefetchConcurrency caps parallel downloads during a cache warm.
const prefetchConcurrency = 4

// Fetcher downloads a remote object.
type Fetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// cacheEntry is one cached object keyed by its URL.
type cacheEntry struct {
	url  string
	data []byte
}

// Cache is a bounded in-memory cache for downloaded objects.
// Eviction is least recently used, bounded by entry count and total bytes.
type Cache struct {
	fetcher Fetcher
	logger  *zap.Logger

	maxEntries int
	maxBytes   int64

	mu      sync.Mutex
	order   *list.List // front is most recently used
	entries map[string]*list.Element
	bytes   int64

	flight singleflight.Group
}

// NewCache creates a new Cache in front of the given fetcher.
// A zero maxEntries or maxBytes disables that bound.
func NewCache(fetcher Fetcher, maxEntries int, maxBytes int64, logger *zap.Logger) *Cache {
	return &Cache{
		fetcher:    fetcher,
		logger:     logger.Named("media_cache"),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Fetch returns the object at the given URL, downloading it on a miss.
// Concurrent calls for the same URL share a single download.
func (c *Cache) Fetch(ctx context.Context, url string) ([]byte, error) {
	if data, ok := c.lookup(url); ok {
		return data, nil
	}

	data, err, _ := c.flight.Do(url, func() (any, error) {
		// Re-check under the flight so callers that queued behind the
		// winner of a concurrent miss reuse its result.
		if data, ok := c.lookup(url); ok {
			return data, nil
		}

		data, err := c.fetcher.Download(ctx, url)
		if err != nil {
			return nil, err
		}

		c.insert(url, data)

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return data.([]byte), nil //nolint:forcetypeassert // flight only stores []byte
}

// Prefetch warms the cache for the given URLs.
// Failed downloads are logged and skipped.
func (c *Cache) Prefetch(ctx context.Context, urls []string) {
	p := pool.New().WithContext(ctx).WithMaxGoroutines(prefetchConcurrency)

	for _, url := range urls {
		p.Go(func(ctx context.Context) error {
			if _, err := c.Fetch(ctx, url); err != nil {
				c.logger.Debug("Prefetch failed",
					zap.String("url", url),
					zap.Error(err))
			}

			return nil
		})
	}

	_ = p.Wait()
}

// ReleaseAll drops every cached object and returns the bytes released.
// Entries are repopulated on the next Fetch.
func (c *Cache) ReleaseAll() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := c.bytes

	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.bytes = 0

	return released
}

// Len returns the number of cached objects.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Bytes returns the total size of cached objects.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bytes
}

// lookup returns the cached object and marks it recently used.
func (c *Cache) lookup(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[url]
	if !ok {
		return nil, false
	}

	c.order.MoveToFront(elem)

	return elem.Value.(*cacheEntry).data, true //nolint:forcetypeassert // list only holds cacheEntry
}

// insert stores a downloaded object and evicts past the budgets.
// Objects larger than the whole byte budget are served but never cached.
func (c *Cache) insert(url string, data []byte) {
	size := int64(len(data))
	if c.maxBytes > 0 && size > c.maxBytes {
		c.logger.Debug("Object exceeds cache budget, not caching",
			zap.String("url", url),
			zap.Int64("bytes", size))

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[url]; ok {
		entry := elem.Value.(*cacheEntry) //nolint:forcetypeassert // list only holds cacheEntry
		c.bytes += size - int64(len(entry.data))
		entry.data = data
		c.order.MoveToFront(elem)
	} else {
		c.entries[url] = c.order.PushFront(&cacheEntry{url: url, data: data})
		c.bytes += size
	}

	c.evict()
}

// evict removes least recently used entries until the cache fits its budgets.
// Callers must hold the mutex.
func (c *Cache) evict() {
	for c.order.Len() > 0 &&
		((c.maxEntries > 0 && c.order.Len() > c.maxEntries) ||
			(c.maxBytes > 0 && c.bytes > c.maxBytes)) {
		elem := c.order.Back()
		entry := elem.Value.(*cacheEntry) //nolint:forcetypeassert // list only holds cacheEntry

		c.order.Remove(elem)
		delete(c.entries, entry.url)
		c.bytes -= int64(len(entry.data))
	}
}
