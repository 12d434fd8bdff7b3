package command

import (
	"container/heap"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// CacheConfig bounds the per-session result cache.
type CacheConfig struct {
	MaxMemoryBytes          int64
	MaxResults              int
	MemoryPressureThreshold float64
}

// DefaultCacheConfig returns the documented defaults: 100 MiB, 1000 results,
// 0.8 pressure threshold.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxMemoryBytes:          100 * 1024 * 1024,
		MaxResults:              1000,
		MemoryPressureThreshold: 0.8,
	}
}

// MemoryProbe supplies a runtime memory hint: bytes in use and the
// high-pressure watermark. ok=false means the probe has no opinion.
type MemoryProbe func() (used, high int64, ok bool)

// Probe trip fractions against the high-pressure watermark.
const (
	heapProbeFraction    = 0.85
	processProbeFraction = 0.75
)

// entryOverheadBytes plus the weighted string/data sizes approximate an
// entry's in-memory footprint.
const (
	entryOverheadBytes = 100
	dataEntryBytes     = 50
)

// ResultMeta carries the timing metadata stored alongside a result.
type ResultMeta struct {
	OriginalCommand string
	QueueTime       time.Time
	StartTime       time.Time
	EndTime         time.Time
}

// CachedResult is a completed result plus its metadata. lastAccess is the
// only mutable field.
type CachedResult struct {
	Result          CommandResult `json:"result"`
	CreatedAt       time.Time     `json:"created_at"`
	OriginalCommand string        `json:"original_command"`
	QueueTime       time.Time     `json:"queue_time"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`

	lastAccess atomic.Int64 // unix nanos
	size       int64
}

// LastAccess returns the last read or write time of the entry.
func (c *CachedResult) LastAccess() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

func (c *CachedResult) touch() {
	c.lastAccess.Store(time.Now().UTC().UnixNano())
}

// CacheStatistics is the cache's observable state.
type CacheStatistics struct {
	Count       int     `json:"count"`
	Bytes       int64   `json:"bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	MaxCount    int     `json:"max_count"`
	Utilization float64 `json:"utilization_percent"`
}

// Cache is a bounded per-session store of completed results keyed by command
// id, with oldest-first eviction under configured caps or observed memory
// pressure.
//
// Locking: reads go straight to the concurrent map. The single mutex guards
// only the byte counter and eviction, never a read path.
type Cache struct {
	cfg    CacheConfig
	logger *logger.Logger

	entries sync.Map // id -> *CachedResult
	count   atomic.Int64

	mu    sync.Mutex
	bytes int64

	heapProbe    MemoryProbe
	processProbe MemoryProbe
}

// NewCache creates a cache with the default runtime heap probe and no
// process probe.
func NewCache(cfg CacheConfig, log *logger.Logger) *Cache {
	return &Cache{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "result-cache")),
		heapProbe: runtimeHeapProbe,
	}
}

// SetProbes overrides the memory probes; either may be nil to disable.
func (c *Cache) SetProbes(heapProbe, processProbe MemoryProbe) {
	c.heapProbe = heapProbe
	c.processProbe = processProbe
}

// runtimeHeapProbe reports Go heap usage against the runtime's own sizing.
func runtimeHeapProbe() (used, high int64, ok bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc), int64(ms.Sys), true
}

// estimateSize approximates an entry's memory footprint.
func estimateSize(result CommandResult) int64 {
	size := int64(entryOverheadBytes)
	size += 2 * int64(len(result.Output))
	size += 2 * int64(len(result.ErrorMessage))
	size += dataEntryBytes * int64(len(result.Data))
	return size
}

// Store inserts a completed result, evicting roughly a quarter of the cache
// first if the insert would breach the configured thresholds or a memory
// probe reports pressure.
func (c *Cache) Store(id string, result CommandResult, meta ResultMeta) {
	size := estimateSize(result)

	if c.underPressure(size) {
		c.evictOldest()
	}

	entry := &CachedResult{
		Result:          result,
		CreatedAt:       time.Now().UTC(),
		OriginalCommand: meta.OriginalCommand,
		QueueTime:       meta.QueueTime,
		StartTime:       meta.StartTime,
		EndTime:         meta.EndTime,
		size:            size,
	}
	entry.touch()

	if prev, loaded := c.entries.Swap(id, entry); loaded {
		old := prev.(*CachedResult)
		c.mu.Lock()
		c.bytes -= old.size
		c.mu.Unlock()
	} else {
		c.count.Add(1)
	}

	c.mu.Lock()
	c.bytes += size
	c.mu.Unlock()
}

// underPressure decides whether storing size more bytes needs an eviction.
func (c *Cache) underPressure(size int64) bool {
	count := c.count.Load()
	if c.cfg.MaxResults > 0 && count+1 > int64(c.cfg.MaxResults) {
		return true
	}

	c.mu.Lock()
	bytes := c.bytes
	c.mu.Unlock()
	budget := int64(float64(c.cfg.MaxMemoryBytes) * c.cfg.MemoryPressureThreshold)
	if c.cfg.MaxMemoryBytes > 0 && bytes+size > budget {
		return true
	}

	if c.heapProbe != nil {
		if used, high, ok := c.heapProbe(); ok && high > 0 {
			if float64(used) > heapProbeFraction*float64(high) {
				return true
			}
		}
	}
	if c.processProbe != nil {
		if used, high, ok := c.processProbe(); ok && high > 0 {
			if float64(used) > processProbeFraction*float64(high) {
				return true
			}
		}
	}
	return false
}

// evictionEntry pairs an id with its access time for ordered selection.
type evictionEntry struct {
	id         string
	lastAccess int64
	size       int64
}

// evictionHeap is a min-heap on lastAccess.
type evictionHeap []evictionEntry

func (h evictionHeap) Len() int            { return len(h) }
func (h evictionHeap) Less(i, j int) bool  { return h[i].lastAccess < h[j].lastAccess }
func (h evictionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *evictionHeap) Push(x interface{}) { *h = append(*h, x.(evictionEntry)) }
func (h *evictionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// evictOldest removes max(1, count/4) entries with the smallest lastAccess.
// Entries with equal access times are ordered arbitrarily (map iteration
// order feeds the heap).
func (c *Cache) evictOldest() {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := make(evictionHeap, 0, c.count.Load())
	c.entries.Range(func(k, v interface{}) bool {
		entry := v.(*CachedResult)
		h = append(h, evictionEntry{
			id:         k.(string),
			lastAccess: entry.lastAccess.Load(),
			size:       entry.size,
		})
		return true
	})
	if len(h) == 0 {
		return
	}
	heap.Init(&h)

	toEvict := len(h) / 4
	if toEvict < 1 {
		toEvict = 1
	}

	evicted := 0
	var freed int64
	for i := 0; i < toEvict && h.Len() > 0; i++ {
		victim := heap.Pop(&h).(evictionEntry)
		if _, loaded := c.entries.LoadAndDelete(victim.id); loaded {
			c.bytes -= victim.size
			c.count.Add(-1)
			freed += victim.size
			evicted++
		}
	}

	c.logger.Debug("evicted cached results",
		zap.Int("evicted", evicted),
		zap.Int64("freed_bytes", freed),
		zap.Int64("remaining", c.count.Load()))
}

// Get returns the result for id, refreshing its access time on hit.
func (c *Cache) Get(id string) (CommandResult, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return CommandResult{}, false
	}
	entry := v.(*CachedResult)
	entry.touch()
	return entry.Result, true
}

// GetWithMetadata returns the full cached entry, refreshing its access time.
func (c *Cache) GetWithMetadata(id string) (*CachedResult, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return nil, false
	}
	entry := v.(*CachedResult)
	entry.touch()
	return entry, true
}

// Has reports whether a result is cached for id without touching it.
func (c *Cache) Has(id string) bool {
	_, ok := c.entries.Load(id)
	return ok
}

// Remove deletes the entry for id.
func (c *Cache) Remove(id string) bool {
	v, loaded := c.entries.LoadAndDelete(id)
	if !loaded {
		return false
	}
	entry := v.(*CachedResult)
	c.count.Add(-1)
	c.mu.Lock()
	c.bytes -= entry.size
	c.mu.Unlock()
	return true
}

// Clear removes every entry and resets the byte counter.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Range(func(k, _ interface{}) bool {
		c.entries.Delete(k)
		return true
	})
	c.count.Store(0)
	c.bytes = 0
}

// Statistics returns the cache's current counters.
func (c *Cache) Statistics() CacheStatistics {
	c.mu.Lock()
	bytes := c.bytes
	c.mu.Unlock()

	stats := CacheStatistics{
		Count:    int(c.count.Load()),
		Bytes:    bytes,
		MaxBytes: c.cfg.MaxMemoryBytes,
		MaxCount: c.cfg.MaxResults,
	}
	if c.cfg.MaxMemoryBytes > 0 {
		stats.Utilization = 100 * float64(bytes) / float64(c.cfg.MaxMemoryBytes)
	}
	return stats
}
