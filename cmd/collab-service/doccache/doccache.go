package doccache

import (
	"context"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/shared"
	"github.com/ltrye/TeamSyncWorkspace-sub000/internal"
)

var (
	flushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_cache_flushes_total",
		Help: "Number of durable writes performed by the write-behind cache",
	})
	degradedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_cache_degraded_writes_total",
		Help: "Number of updates that bypassed the cache and wrote to the store directly",
	})
	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_cache_flush_failures_total",
		Help: "Number of durable writes that failed and were left for retry",
	})
)

// Settings control the write-behind cadence. Zero values fall back to the
// 10 second defaults; tests inject much shorter windows.
type Settings struct {
	// FlushInterval is the cadence of the per-document flush timer.
	FlushInterval time.Duration
	// SettleWindow is how recently a document must have been modified for
	// a periodic flush to consider it "still being typed in" and defer.
	SettleWindow time.Duration
	// StoreTimeout bounds a single durable-store call.
	StoreTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FlushInterval <= 0 {
		s.FlushInterval = 10 * time.Second
	}
	if s.SettleWindow <= 0 {
		s.SettleWindow = 10 * time.Second
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = 5 * time.Second
	}
	return s
}

// Cache is the write-behind document cache. One entry per document id,
// hydrated lazily from the durable store, flushed by a per-document timer
// and finalized when the last participant leaves. Once an entry exists its
// in-memory content is authoritative; the store is never re-read for it.
type Cache struct {
	store    shared.DocumentStore
	settings Settings

	mu      sync.RWMutex
	entries map[string]*entry

	// flushLock serializes flushes per document id. A periodic tick that
	// loses the try-lock is skipped, never queued.
	flushLock *mapmutex.Mutex
}

type entry struct {
	mu            sync.Mutex
	content       string
	lastSavedHash uint64
	dirty         bool
	lastModified  time.Time
	lastSaved     time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func New(store shared.DocumentStore, settings Settings) *Cache {
	return &Cache{
		store:     store,
		settings:  settings.withDefaults(),
		entries:   make(map[string]*entry),
		flushLock: mapmutex.NewMapMutex(),
	}
}

// Initialize returns the authoritative content for docID, hydrating a new
// cache entry from the store on first use and arming its flush timer. A
// document the store does not know yields shared.ErrDocumentNotFound and
// no cache entry.
func (c *Cache) Initialize(docID string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[docID]
	c.mu.RUnlock()
	if ok {
		e.mu.Lock()
		content := e.content
		e.mu.Unlock()
		return content, nil
	}

	ctx, cncl := context.WithTimeout(context.Background(), c.settings.StoreTimeout)
	defer cncl()
	stored, err := c.store.GetContentByID(ctx, docID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if e, ok = c.entries[docID]; ok {
		// Lost the hydration race; the existing entry wins, the stale
		// read is discarded.
		c.mu.Unlock()
		e.mu.Lock()
		content := e.content
		e.mu.Unlock()
		return content, nil
	}

	now := time.Now()
	e = &entry{
		content:       stored,
		lastSavedHash: internal.HashContent(stored),
		lastModified:  now,
		lastSaved:     now,
		stop:          make(chan struct{}),
	}
	c.entries[docID] = e
	c.mu.Unlock()

	go c.flushLoop(docID, e)

	zap.S().Debugf("Hydrated document %s into cache (%d bytes)", docID, len(stored))
	return stored, nil
}

// Update overwrites the cached content and marks it dirty. When no cache
// entry exists (evicted concurrently with an in-flight edit) the content is
// written straight to the store instead; that path bypasses the debounce
// discipline and is reported with inCache == false.
func (c *Cache) Update(docID string, newContent string) (inCache bool) {
	c.mu.RLock()
	e, ok := c.entries[docID]
	c.mu.RUnlock()

	if ok {
		e.mu.Lock()
		e.content = newContent
		e.dirty = true
		e.lastModified = time.Now()
		e.mu.Unlock()
		return true
	}

	zap.S().Warnf("Update for document %s without cache entry, writing directly to store", docID)
	degradedWrites.Inc()

	ctx, cncl := context.WithTimeout(context.Background(), c.settings.StoreTimeout)
	defer cncl()
	if err := c.store.SetContent(ctx, docID, newContent); err != nil {
		zap.S().Errorf("Direct store write for document %s failed: %s", docID, err)
	}
	return false
}

// Flush runs one write-behind cycle for docID. A cycle already in flight
// for the same document makes this call a no-op; other documents are
// unaffected.
func (c *Cache) Flush(docID string) {
	if !c.flushLock.TryLock(docID) {
		zap.S().Debugf("Flush for document %s already running, skipping tick", docID)
		return
	}
	defer c.flushLock.Unlock(docID)

	c.flush(docID, false)
}

// flush persists docID's content if it is dirty. With force unset, a
// document modified within the settle window is deferred to a later cycle.
// The store call runs outside the entry lock; the outcome is committed
// afterwards, and a write that raced a newer update leaves dirty set.
func (c *Cache) flush(docID string, force bool) {
	c.mu.RLock()
	e, ok := c.entries[docID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return
	}
	if !force && time.Since(e.lastModified) < c.settings.SettleWindow {
		e.mu.Unlock()
		zap.S().Debugf("Document %s modified %s ago, deferring flush", docID, time.Since(e.lastModified))
		return
	}

	snapshot := e.content
	snapshotHash := internal.HashContent(snapshot)
	if snapshotHash == e.lastSavedHash {
		// Dirty from a no-op update; nothing new to write.
		e.dirty = false
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cncl := context.WithTimeout(context.Background(), c.settings.StoreTimeout)
	defer cncl()
	if err := c.store.SetContent(ctx, docID, snapshot); err != nil {
		// Dirty stays set so the next cycle retries.
		zap.S().Errorf("Failed to persist document %s: %s", docID, err)
		flushFailures.Inc()
		return
	}
	flushes.Inc()

	e.mu.Lock()
	e.lastSavedHash = snapshotHash
	e.lastSaved = time.Now()
	if internal.HashContent(e.content) == snapshotHash {
		e.dirty = false
	}
	e.mu.Unlock()

	zap.S().Debugf("Persisted document %s (%d bytes)", docID, len(snapshot))
}

// Finalize stops the document's flush timer, performs one last synchronous
// flush ignoring the settle window, and evicts the entry. Eviction happens
// even when the final write fails, so cache state and presence state never
// desynchronize; the unsaved content is lost only if the process dies
// before the document is opened again.
func (c *Cache) Finalize(docID string) {
	c.mu.RLock()
	e, ok := c.entries[docID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	e.stopOnce.Do(func() { close(e.stop) })

	for !c.flushLock.TryLock(docID) {
		time.Sleep(10 * time.Millisecond)
	}
	c.flush(docID, true)
	c.flushLock.Unlock(docID)

	c.mu.Lock()
	if cur, ok := c.entries[docID]; ok && cur == e {
		delete(c.entries, docID)
	}
	c.mu.Unlock()

	zap.S().Debugf("Finalized document %s", docID)
}

// FinalizeAll finalizes every live entry. Used on graceful shutdown as the
// last chance to persist dirty buffers.
func (c *Cache) FinalizeAll() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for docID := range c.entries {
		ids = append(ids, docID)
	}
	c.mu.RUnlock()

	for _, docID := range ids {
		c.Finalize(docID)
	}
}

// Contains reports whether a live cache entry exists for docID.
func (c *Cache) Contains(docID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[docID]
	return ok
}

func (c *Cache) flushLoop(docID string, e *entry) {
	ticker := time.NewTicker(c.settings.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			c.Flush(docID)
		}
	}
}
