// Package pagecache implements the bounded, reference-counted page pool
// (the "Write Cache") and the file manager that backs it: every other
// index structure reaches its on-disk state only through a Cache.
package pagecache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/nainya/treestore/pkg/page"
)

// Durability is the subset of the WAL the cache needs to honor the
// write-ahead rule: a dirty page may not be written back until the WAL
// record covering its last mutation is itself durable.
type Durability interface {
	FlushedLSN() uint64
	Flush() error
}

// Metrics receives hit/miss/eviction observations from a Cache. Nil (the
// default) disables instrumentation.
type Metrics interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction()
}

type pageKey struct {
	fileID uint32
	index  uint64
}

type cacheEntry struct {
	page      *page.Page
	refCount  int32
	writeHeld bool
	elem      *list.Element // present only while refCount == 0 && !writeHeld
}

// Cache is the bounded page pool. All page content the engine's index
// structures touch passes through it; it never lets a dirty page reach
// disk ahead of the WAL record that explains the mutation.
type Cache struct {
	dir      string
	pageSize int
	capacity int

	durability Durability
	metrics    Metrics

	mu      sync.Mutex
	fileSeq uint64
	files   map[uint32]*fileEntry
	pages   map[pageKey]*cacheEntry
	lru     *list.List // of pageKey, eviction candidates only
	closed  bool
}

// NewCache creates a page cache rooted at dir, holding at most capacity
// pages in memory, backed by durability for the write-ahead check.
func NewCache(dir string, pageSize, capacity int, durability Durability) *Cache {
	return &Cache{
		dir:        dir,
		pageSize:   pageSize,
		capacity:   capacity,
		durability: durability,
		files:      make(map[uint32]*fileEntry),
		pages:      make(map[pageKey]*cacheEntry),
		lru:        list.New(),
	}
}

// BookFileID reserves a new file id for a not-yet-created file.
func (c *Cache) BookFileID() uint32 { return c.bookFileID() }

// AddFile creates (or truncates) the backing file for id under name.
func (c *Cache) AddFile(id uint32, name string) error { return c.addFile(id, name) }

// OpenFile opens an existing backing file for id under name.
func (c *Cache) OpenFile(id uint32, name string) error { return c.openFile(id, name) }

// SetMetrics installs a metrics sink that fetch/evictIfNeededLocked report
// hits, misses, and evictions to. Nil (the default) disables
// instrumentation.
func (c *Cache) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// FilledUpTo returns how many whole pages file id currently holds.
func (c *Cache) FilledUpTo(id uint32) (uint64, error) { return c.filledUpTo(id) }

// TruncateFile shrinks file id to n pages.
func (c *Cache) TruncateFile(id uint32, n uint64) error { return c.truncateFile(id, n) }

// loadForRead and loadForWrite share everything except the pin discipline;
// fetch implements both.
func (c *Cache) fetch(ctx context.Context, fileID uint32, index uint64, forWrite bool) (*page.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	key := pageKey{fileID, index}
	if e, ok := c.pages[key]; ok {
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		c.pinLocked(e)
		if forWrite {
			e.writeHeld = true
		}
		return e.page, nil
	}

	f, ok := c.files[fileID]
	if !ok {
		return nil, ErrNoSuchFile
	}
	if index >= f.filledUpTo {
		return nil, fmt.Errorf("pagecache: page %d out of bounds (filled %d): %w", index, f.filledUpTo, ErrNoSuchFile)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}

	buf := make([]byte, c.pageSize)
	if _, err := f.fd.ReadAt(buf, int64(index)*int64(c.pageSize)); err != nil {
		return nil, fmt.Errorf("pagecache: read page %d of file %d: %w", index, fileID, err)
	}

	p := page.Wrap(fileID, index, buf, 0)
	e := &cacheEntry{page: p}
	c.pinLocked(e)
	if forWrite {
		e.writeHeld = true
	}
	c.pages[key] = e
	c.evictIfNeededLocked()
	return p, nil
}

// FetchForWrite implements txn.PageSource and is the general entry point
// index structures use to load a page they intend to mutate.
func (c *Cache) FetchForWrite(ctx context.Context, fileID uint32, index uint64) (*page.Page, error) {
	return c.fetch(ctx, fileID, index, true)
}

// LoadForRead loads a page pinned against eviction but not exclusively
// held; multiple readers may hold the same page concurrently.
func (c *Cache) LoadForRead(ctx context.Context, fileID uint32, index uint64) (*page.Page, error) {
	return c.fetch(ctx, fileID, index, false)
}

// LoadForWrite is the public name for FetchForWrite, kept distinct so
// callers outside pkg/txn read the intent directly.
func (c *Cache) LoadForWrite(ctx context.Context, fileID uint32, index uint64) (*page.Page, error) {
	return c.fetch(ctx, fileID, index, true)
}

// AllocateNewPage extends file id by one page, returning it already pinned
// for write. The caller is responsible for recording a WAL page-operation
// (or, for the page's very first content, a full-page SetBytes) through
// the atomic-operations manager before releasing it.
func (c *Cache) AllocateNewPage(fileID uint32) (*page.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	f, ok := c.files[fileID]
	if !ok {
		return nil, ErrNoSuchFile
	}

	index := f.filledUpTo
	if err := f.fd.Truncate(int64(index+1) * int64(c.pageSize)); err != nil {
		return nil, fmt.Errorf("pagecache: extend file %d: %w", fileID, err)
	}
	f.filledUpTo++

	p := page.New(fileID, index, c.pageSize)
	e := &cacheEntry{page: p, writeHeld: true}
	c.pages[pageKey{fileID, index}] = e
	c.evictIfNeededLocked()
	return p, nil
}

// PinPage increments a page's reference count without otherwise altering
// its write-hold state; used by range cursors that must keep a page alive
// across calls without claiming exclusive access.
func (c *Cache) PinPage(fileID uint32, index uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pages[pageKey{fileID, index}]
	if !ok {
		return ErrNoSuchFile
	}
	c.pinLocked(e)
	return nil
}

// ReleaseFromRead drops one read pin.
func (c *Cache) ReleaseFromRead(p *page.Page) error {
	return c.release(p, false)
}

// ReleaseFromWrite drops the exclusive write hold. Implements
// txn.PageSource.ReleaseWrite.
func (c *Cache) ReleaseFromWrite(p *page.Page) error {
	return c.release(p, true)
}

// ReleaseWrite is the txn.PageSource name for ReleaseFromWrite.
func (c *Cache) ReleaseWrite(p *page.Page) error { return c.ReleaseFromWrite(p) }

func (c *Cache) release(p *page.Page, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pageKey{p.FileID, p.Index}
	e, ok := c.pages[key]
	if !ok {
		return ErrNoSuchFile
	}

	if write {
		e.writeHeld = false
		if e.refCount > 0 {
			e.refCount--
		}
	} else if e.refCount > 0 {
		e.refCount--
	}

	if e.refCount == 0 && !e.writeHeld && e.elem == nil {
		e.elem = c.lru.PushFront(key)
	}
	c.evictIfNeededLocked()
	return nil
}

func (c *Cache) pinLocked(e *cacheEntry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.refCount++
}

// evictIfNeededLocked evicts least-recently-used unpinned pages until the
// cache is back under capacity, honoring the write-ahead rule for dirty
// pages. Caller holds c.mu.
func (c *Cache) evictIfNeededLocked() {
	for len(c.pages) > c.capacity {
		elem := c.lru.Back()
		if elem == nil {
			return // everything in cache is pinned; over capacity is tolerated
		}
		key := elem.Value.(pageKey)
		e := c.pages[key]

		if e.page.Dirty() {
			if err := c.writeBackLocked(key.fileID, e.page); err != nil {
				// Can't evict a dirty page we failed to persist; leave it
				// pinned out of the LRU and stop trying this round.
				return
			}
		}

		c.lru.Remove(elem)
		delete(c.pages, key)
		if c.metrics != nil {
			c.metrics.RecordCacheEviction()
		}
	}
}

// writeBackLocked persists a dirty page, first forcing the WAL durable if
// the page carries a mutation not yet covered by a flushed WAL record.
func (c *Cache) writeBackLocked(fileID uint32, p *page.Page) error {
	if p.LSN() > c.durability.FlushedLSN() {
		if err := c.durability.Flush(); err != nil {
			return fmt.Errorf("pagecache: flush wal before write-back: %w", err)
		}
	}

	f, ok := c.files[fileID]
	if !ok {
		return ErrNoSuchFile
	}
	if _, err := f.fd.WriteAt(p.Bytes(), int64(p.Index)*int64(c.pageSize)); err != nil {
		return fmt.Errorf("pagecache: write page %d of file %d: %w", p.Index, fileID, err)
	}
	p.MarkClean()
	return nil
}

// Flush writes back every dirty page across all files, respecting the
// write-ahead rule: writeBackLocked forces the WAL durable first whenever
// a page's LSN is past FlushedLSN, so callers need not flush the WAL
// beforehand.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.pages {
		if e.page.Dirty() {
			if err := c.writeBackLocked(key.fileID, e.page); err != nil {
				return err
			}
		}
	}

	for _, f := range c.files {
		if err := f.fd.Sync(); err != nil {
			return fmt.Errorf("pagecache: fsync file %d: %w", f.id, err)
		}
	}
	return nil
}

// FlushFile writes back every dirty page belonging to a single file.
func (c *Cache) FlushFile(fileID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[fileID]
	if !ok {
		return ErrNoSuchFile
	}

	for key, e := range c.pages {
		if key.fileID != fileID || !e.page.Dirty() {
			continue
		}
		if err := c.writeBackLocked(fileID, e.page); err != nil {
			return err
		}
	}
	return f.fd.Sync()
}

// Close flushes and closes every backing file.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, f := range c.files {
		if err := f.fd.Close(); err != nil {
			return err
		}
	}
	return nil
}
