package pagecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// fileEntry tracks one backing file: its os handle and how many whole
// pages of pageSize it currently holds.
type fileEntry struct {
	id         uint32
	name       string
	fd         *os.File
	filledUpTo uint64 // pages currently valid in the file
}

// bookFileID reserves the next file id without creating anything on disk.
// Callers then create the backing file with AddFile and log a
// file-created WAL record against the id, which lets recovery recreate
// the file if it is missing on replay.
func (c *Cache) bookFileID() uint32 {
	return uint32(atomic.AddUint64(&c.fileSeq, 1))
}

// addFile creates (or truncates) the backing file for a previously booked
// id and registers it with the cache.
func (c *Cache) addFile(id uint32, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addFileLocked(id, name, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
}

// openFile opens an existing backing file for id (used when a directory of
// index files is reopened after a clean shutdown).
func (c *Cache) openFile(id uint32, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addFileLocked(id, name, os.O_RDWR)
}

// EnsureFile implements txn.PageSource: create the file only if it isn't
// already registered, used by recovery replaying a file-created record
// whose on-disk effect may or may not have happened before the crash.
func (c *Cache) EnsureFile(id uint32, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[id]; ok {
		return nil
	}
	return c.addFileLocked(id, name, os.O_RDWR|os.O_CREATE)
}

func (c *Cache) addFileLocked(id uint32, name string, flags int) error {
	path := filepath.Join(c.dir, name)
	fd, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("pagecache: open %s: %w", path, err)
	}

	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return err
	}

	f := &fileEntry{
		id:         id,
		name:       name,
		fd:         fd,
		filledUpTo: uint64(stat.Size()) / uint64(c.pageSize),
	}
	c.files[id] = f
	if id >= uint32(atomic.LoadUint64(&c.fileSeq)) {
		atomic.StoreUint64(&c.fileSeq, uint64(id))
	}
	return nil
}

// FileExists implements txn.PageSource.
func (c *Cache) FileExists(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[id]
	return ok
}

// filledUpTo returns how many whole pages file id currently holds.
func (c *Cache) filledUpTo(id uint32) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return 0, ErrNoSuchFile
	}
	return f.filledUpTo, nil
}

// truncateFile shrinks file id to n pages, discarding any cached pages
// beyond that bound.
func (c *Cache) truncateFile(id uint32, n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[id]
	if !ok {
		return ErrNoSuchFile
	}

	if err := f.fd.Truncate(int64(n) * int64(c.pageSize)); err != nil {
		return err
	}
	f.filledUpTo = n

	for k, e := range c.pages {
		if k.fileID == id && k.index >= n {
			if e.elem != nil {
				c.lru.Remove(e.elem)
			}
			delete(c.pages, k)
		}
	}
	return nil
}

// DeleteFile closes and removes file id, discarding any cached pages that
// belonged to it. Implements txn.PageSource.
func (c *Cache) DeleteFile(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[id]
	if !ok {
		return ErrNoSuchFile
	}

	path := f.fd.Name()
	f.fd.Close()
	delete(c.files, id)

	for k, e := range c.pages {
		if k.fileID == id {
			if e.elem != nil {
				c.lru.Remove(e.elem)
			}
			delete(c.pages, k)
		}
	}

	return os.Remove(path)
}
