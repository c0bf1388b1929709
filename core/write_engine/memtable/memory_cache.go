package memtable

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// evicted is stored in the share counter of an entry that Cleanup removed, so
// a Get racing with eviction can never pin it again.
const evicted = math.MinInt32

type cacheEntry struct {
	position     uint32
	page         *pagemanager.PageBuffer
	shareCounter atomic.Int32
	lastAccess   atomic.Int64 // unix nanos
}

func (e *cacheEntry) touch() { e.lastAccess.Store(time.Now().UnixNano()) }

// PinnedPage is a borrowed reference to a cached page. The page stays in the
// cache until Release is called exactly once. The buffer is read-only for
// holders.
type PinnedPage struct {
	entry    *cacheEntry
	cache    *MemoryCache
	released atomic.Bool
}

func (pp *PinnedPage) Page() *pagemanager.PageBuffer { return pp.entry.page }
func (pp *PinnedPage) Position() uint32              { return pp.entry.position }

// Release unpins the page. Use with defer right after a successful Get/Add.
func (pp *PinnedPage) Release() error { return pp.cache.Release(pp) }

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries   int64
	Hits      uint64
	Misses    uint64
	Adds      uint64
	Evictions uint64
}

// MemoryCache holds clean page buffers keyed by disk position. A slot is never
// rewritten between checkpoints, so a position identifies one page version.
type MemoryCache struct {
	entries sync.Map // uint32 -> *cacheEntry
	pool    *BufferPool
	logger  *zap.Logger

	count     atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	adds      atomic.Uint64
	evictions atomic.Uint64
}

func NewMemoryCache(pool *BufferPool, logger *zap.Logger) *MemoryCache {
	return &MemoryCache{
		pool:   pool,
		logger: logger.Named("memory_cache"),
	}
}

func (mc *MemoryCache) Pool() *BufferPool { return mc.pool }

// Get pins the page cached at position.
func (mc *MemoryCache) Get(position uint32) (*PinnedPage, bool) {
	v, ok := mc.entries.Load(position)
	if !ok {
		mc.misses.Add(1)
		return nil, false
	}
	entry := v.(*cacheEntry)
	for {
		c := entry.shareCounter.Load()
		if c < 0 {
			mc.misses.Add(1)
			return nil, false
		}
		if entry.shareCounter.CompareAndSwap(c, c+1) {
			break
		}
	}
	entry.touch()
	mc.hits.Add(1)
	return &PinnedPage{entry: entry, cache: mc}, true
}

// Add inserts a freshly read, clean page and pins it for the caller. The
// cache takes ownership of the buffer.
func (mc *MemoryCache) Add(position uint32, page *pagemanager.PageBuffer) (*PinnedPage, error) {
	if position == pagemanager.UndefinedPosition {
		return nil, fmt.Errorf("%w: add with undefined position", flushmanager.ErrInvariantViolation)
	}
	if page.IsDirty() {
		return nil, fmt.Errorf("%w: dirty page %d added to cache at position %d",
			flushmanager.ErrInvariantViolation, page.GetPageID(), position)
	}
	page.SetPosition(position)

	entry := &cacheEntry{position: position, page: page}
	entry.shareCounter.Store(1)
	entry.touch()

	for {
		existing, loaded := mc.entries.LoadOrStore(position, entry)
		if !loaded {
			break
		}
		old := existing.(*cacheEntry)
		if old.shareCounter.Load() != evicted {
			return nil, fmt.Errorf("%w: page %d at position %d already cached",
				flushmanager.ErrInvariantViolation, page.GetPageID(), position)
		}
		// Cleanup marked it but has not deleted it yet.
		if mc.entries.CompareAndSwap(position, old, entry) {
			break
		}
	}
	mc.count.Add(1)
	mc.adds.Add(1)
	return &PinnedPage{entry: entry, cache: mc}, nil
}

// Release drops one pin. Releasing the same handle twice, or below zero, is an
// invariant violation.
func (mc *MemoryCache) Release(pp *PinnedPage) error {
	if pp == nil || pp.cache != mc {
		return fmt.Errorf("%w: release of a foreign page handle", flushmanager.ErrInvariantViolation)
	}
	if !pp.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: double release of page %d at position %d",
			flushmanager.ErrInvariantViolation, pp.entry.page.GetPageID(), pp.entry.position)
	}
	for {
		c := pp.entry.shareCounter.Load()
		if c <= 0 {
			return fmt.Errorf("%w: share counter underflow for page %d at position %d (counter %d)",
				flushmanager.ErrInvariantViolation, pp.entry.page.GetPageID(), pp.entry.position, c)
		}
		if pp.entry.shareCounter.CompareAndSwap(c, c-1) {
			pp.entry.touch()
			return nil
		}
	}
}

// ShareCounter returns the current pin count at position, or -1 when nothing
// is cached there.
func (mc *MemoryCache) ShareCounter(position uint32) int32 {
	v, ok := mc.entries.Load(position)
	if !ok {
		return -1
	}
	c := v.(*cacheEntry).shareCounter.Load()
	if c < 0 {
		return -1
	}
	return c
}

// Cleanup evicts every unpinned page and returns its buffer to the pool. It
// runs concurrently with Get/Add/Release.
func (mc *MemoryCache) Cleanup() int {
	return mc.evictWhere(func(*cacheEntry) bool { return true })
}

// CleanupIdle evicts unpinned pages not touched for at least idle.
func (mc *MemoryCache) CleanupIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	return mc.evictWhere(func(e *cacheEntry) bool { return e.lastAccess.Load() <= cutoff })
}

func (mc *MemoryCache) evictWhere(pred func(*cacheEntry) bool) int {
	n := 0
	mc.entries.Range(func(key, value any) bool {
		entry := value.(*cacheEntry)
		if !pred(entry) || !entry.shareCounter.CompareAndSwap(0, evicted) {
			return true
		}
		mc.entries.CompareAndDelete(key, entry)
		mc.count.Add(-1)
		mc.pool.Return(entry.page)
		n++
		return true
	})
	if n > 0 {
		mc.evictions.Add(uint64(n))
		mc.logger.Debug("evicted pages", zap.Int("count", n), zap.Int64("remaining", mc.count.Load()))
	}
	return n
}

// Clear drops every entry. It is called after a checkpoint, when no
// transaction can hold a pin. Pinned entries are dropped without recycling
// their buffers and reported as an invariant violation.
func (mc *MemoryCache) Clear() error {
	var pinned []uint32
	mc.entries.Range(func(key, value any) bool {
		entry := value.(*cacheEntry)
		if entry.shareCounter.CompareAndSwap(0, evicted) {
			mc.pool.Return(entry.page)
		} else if entry.shareCounter.Load() > 0 {
			pinned = append(pinned, entry.position)
		}
		mc.entries.Delete(key)
		return true
	})
	mc.count.Store(0)
	if len(pinned) > 0 {
		return fmt.Errorf("%w: cache cleared with pinned pages at positions %v",
			flushmanager.ErrInvariantViolation, pinned)
	}
	return nil
}

func (mc *MemoryCache) Len() int64 { return mc.count.Load() }

func (mc *MemoryCache) Stats() CacheStats {
	return CacheStats{
		Entries:   mc.count.Load(),
		Hits:      mc.hits.Load(),
		Misses:    mc.misses.Load(),
		Adds:      mc.adds.Load(),
		Evictions: mc.evictions.Load(),
	}
}
