// Package posmap implements the Cluster Position Map: a page-organized
// array of fixed-size entries mapping a logical record position to
// (pageIndex, recordPosition), with tombstone/allocation flag states and
// next-page chaining once a bucket fills.
package posmap

import (
	"context"
	"fmt"

	"github.com/nainya/treestore/common/errs"
	"github.com/nainya/treestore/pkg/page"
	"github.com/nainya/treestore/pkg/txn"
)

// Flag is a position-map entry's lifecycle state.
type Flag byte

const (
	NotExistent Flag = iota
	Removed
	Filled
	Allocated
)

// Entry is one logical record's location.
type Entry struct {
	Flag           Flag
	PageIndex      uint64
	RecordPosition uint64
}

// entrySize: flag(1) + pageIndex(8) + recordPosition(8).
const entrySize = 17

// bucketHeader: size(4) + nextPage(8).
const bucketHeader = 12

const noNextPage = ^uint64(0)

// MaxEntries returns the number of entries a single bucket page of the
// given size can hold.
func MaxEntries(pageSize int) int {
	return (pageSize - bucketHeader) / entrySize
}

var (
	ErrOutOfRange = fmt.Errorf("posmap: index out of range: %w", errs.ErrContract)
	ErrNotRemoved = fmt.Errorf("posmap: entry is not removed: %w", errs.ErrContract)
	ErrRemoved    = fmt.Errorf("posmap: entry is removed: %w", errs.ErrContract)
)

// Cache is the subset of pagecache.Cache a position map needs.
type Cache interface {
	BookFileID() uint32
	AddFile(id uint32, name string) error
	OpenFile(id uint32, name string) error
	FilledUpTo(id uint32) (uint64, error)
	AllocateNewPage(fileID uint32) (*page.Page, error)
	LoadForRead(ctx context.Context, fileID uint32, index uint64) (*page.Page, error)
	LoadForWrite(ctx context.Context, fileID uint32, index uint64) (*page.Page, error)
	ReleaseFromRead(p *page.Page) error
	ReleaseFromWrite(p *page.Page) error
}

// Map is a position map bound to one file, with entries chained across
// bucket pages of equal capacity.
type Map struct {
	cache     Cache
	txns      *txn.Manager
	fileID    uint32
	pageSize  int
	perBucket int
}

// Create allocates and initializes a new, empty position map.
func Create(ctx context.Context, cache Cache, txns *txn.Manager, name string, pageSize int) (*Map, error) {
	fileID := cache.BookFileID()
	if err := cache.AddFile(fileID, name); err != nil {
		return nil, err
	}
	m := &Map{cache: cache, txns: txns, fileID: fileID, pageSize: pageSize, perBucket: MaxEntries(pageSize)}

	newCtx, err := txns.StartAtomicOperation(ctx)
	if err != nil {
		return nil, err
	}
	if err := txns.RecordFileCreated(newCtx, fileID, name); err != nil {
		return nil, err
	}
	first, err := cache.AllocateNewPage(fileID)
	if err != nil {
		return nil, err
	}
	first.SetUint32(0, 0)
	first.SetUint64(4, noNextPage)
	if err := m.commitPage(newCtx, first); err != nil {
		return nil, err
	}
	return m, txns.EndAtomicOperation(newCtx)
}

// Open attaches to an already-created position map file.
func Open(cache Cache, txns *txn.Manager, fileID uint32, name string, pageSize int) (*Map, error) {
	if err := cache.OpenFile(fileID, name); err != nil {
		return nil, err
	}
	return &Map{cache: cache, txns: txns, fileID: fileID, pageSize: pageSize, perBucket: MaxEntries(pageSize)}, nil
}

func (m *Map) FileID() uint32 { return m.fileID }

// commitPage logs p's pending records and releases it. It joins the atomic
// operation ctx carries, or runs as an atomic operation of its own.
func (m *Map) commitPage(ctx context.Context, p *page.Page) error {
	opCtx, err := m.txns.StartAtomicOperation(ctx)
	if err != nil {
		_ = m.cache.ReleaseFromWrite(p)
		return err
	}
	for _, rec := range p.DrainPending() {
		if _, err := m.txns.RecordPageOp(opCtx, p.FileID, p.Index, rec); err != nil {
			_ = m.cache.ReleaseFromWrite(p)
			return err
		}
	}
	if err := m.cache.ReleaseFromWrite(p); err != nil {
		return err
	}
	return m.txns.EndAtomicOperation(opCtx)
}

func (m *Map) location(index uint64) (pageIndex uint64, offset int) {
	pageIndex = index / uint64(m.perBucket)
	offset = bucketHeader + int(index%uint64(m.perBucket))*entrySize
	return
}

// ensureBucket grows the chain up to and including pageIndex, linking each
// new bucket from the previous one's next-page field. Create always
// allocates page 0, so there is always a predecessor to link from.
func (m *Map) ensureBucket(ctx context.Context, pageIndex uint64) error {
	filled, err := m.cache.FilledUpTo(m.fileID)
	if err != nil {
		return err
	}
	for filled <= pageIndex {
		last, err := m.cache.LoadForWrite(ctx, m.fileID, filled-1)
		if err != nil {
			return err
		}
		np, err := m.cache.AllocateNewPage(m.fileID)
		if err != nil {
			_ = m.cache.ReleaseFromWrite(last)
			return err
		}
		np.SetUint32(0, 0)
		np.SetUint64(4, noNextPage)
		if err := m.commitPage(ctx, np); err != nil {
			_ = m.cache.ReleaseFromWrite(last)
			return err
		}
		last.SetUint64(4, np.Index)
		if err := m.commitPage(ctx, last); err != nil {
			return err
		}
		filled, err = m.cache.FilledUpTo(m.fileID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) bucketSize(ctx context.Context, pageIndex uint64) (uint32, error) {
	p, err := m.cache.LoadForRead(ctx, m.fileID, pageIndex)
	if err != nil {
		return 0, err
	}
	defer m.cache.ReleaseFromRead(p)
	return p.GetUint32(0), nil
}

func (m *Map) setBucketSize(ctx context.Context, pageIndex uint64, n uint32) error {
	p, err := m.cache.LoadForWrite(ctx, m.fileID, pageIndex)
	if err != nil {
		return err
	}
	p.SetUint32(0, n)
	return m.commitPage(ctx, p)
}

// totalSize sums every bucket's local size counter to produce the next
// append index, since indices are assigned densely across the chain.
func (m *Map) totalSize(ctx context.Context) (uint64, error) {
	filled, err := m.cache.FilledUpTo(m.fileID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for pi := uint64(0); pi < filled; pi++ {
		sz, err := m.bucketSize(ctx, pi)
		if err != nil {
			return 0, err
		}
		total += uint64(sz)
	}
	return total, nil
}

func decodeEntry(p *page.Page, off int) Entry {
	return Entry{
		Flag:           Flag(p.GetByte(off)),
		PageIndex:      p.GetUint64(off + 1),
		RecordPosition: p.GetUint64(off + 9),
	}
}

func encodeEntry(p *page.Page, off int, e Entry) {
	p.SetByte(off, byte(e.Flag))
	p.SetUint64(off+1, e.PageIndex)
	p.SetUint64(off+9, e.RecordPosition)
}

func (m *Map) writeEntry(ctx context.Context, index uint64, e Entry) error {
	pageIdx, off := m.location(index)
	p, err := m.cache.LoadForWrite(ctx, m.fileID, pageIdx)
	if err != nil {
		return err
	}
	encodeEntry(p, off, e)
	return m.commitPage(ctx, p)
}

func (m *Map) readEntry(ctx context.Context, index uint64) (Entry, error) {
	size, err := m.totalSize(ctx)
	if err != nil {
		return Entry{}, err
	}
	if index >= size {
		return Entry{}, ErrOutOfRange
	}
	pageIdx, off := m.location(index)
	p, err := m.cache.LoadForRead(ctx, m.fileID, pageIdx)
	if err != nil {
		return Entry{}, err
	}
	defer m.cache.ReleaseFromRead(p)
	return decodeEntry(p, off), nil
}

func (m *Map) append(ctx context.Context, e Entry) (uint64, error) {
	size, err := m.totalSize(ctx)
	if err != nil {
		return 0, err
	}
	pageIdx, _ := m.location(size)
	if err := m.ensureBucket(ctx, pageIdx); err != nil {
		return 0, err
	}
	if err := m.writeEntry(ctx, size, e); err != nil {
		return 0, err
	}
	localSize, err := m.bucketSize(ctx, pageIdx)
	if err != nil {
		return 0, err
	}
	if err := m.setBucketSize(ctx, pageIdx, localSize+1); err != nil {
		return 0, err
	}
	return size, nil
}

// Add appends a new FILLED entry at (pageIndex, recordPosition) and
// returns its index.
func (m *Map) Add(ctx context.Context, pageIndex, recordPosition uint64) (uint64, error) {
	return m.append(ctx, Entry{Flag: Filled, PageIndex: pageIndex, RecordPosition: recordPosition})
}

// Allocate appends a reserved ALLOCATED entry with sentinel coordinates,
// to be filled in later by Set.
func (m *Map) Allocate(ctx context.Context) (uint64, error) {
	return m.append(ctx, Entry{Flag: Allocated, PageIndex: ^uint64(0), RecordPosition: ^uint64(0)})
}

// Set installs entry data at index. index must currently be ALLOCATED
// (becomes FILLED) or already FILLED (stays FILLED); REMOVED is an error.
func (m *Map) Set(ctx context.Context, index uint64, pageIndex, recordPosition uint64) error {
	cur, err := m.readEntry(ctx, index)
	if err != nil {
		return err
	}
	switch cur.Flag {
	case Allocated, Filled:
	case Removed:
		return ErrRemoved
	default:
		return ErrOutOfRange
	}
	return m.writeEntry(ctx, index, Entry{Flag: Filled, PageIndex: pageIndex, RecordPosition: recordPosition})
}

// Remove marks index REMOVED if it is currently FILLED; otherwise it is a
// no-op.
func (m *Map) Remove(ctx context.Context, index uint64) error {
	cur, err := m.readEntry(ctx, index)
	if err == ErrOutOfRange {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Flag != Filled {
		return nil
	}
	return m.writeEntry(ctx, index, Entry{Flag: Removed, PageIndex: cur.PageIndex, RecordPosition: cur.RecordPosition})
}

// Resurrect restores a REMOVED entry back to FILLED with new coordinates.
func (m *Map) Resurrect(ctx context.Context, index uint64, pageIndex, recordPosition uint64) error {
	cur, err := m.readEntry(ctx, index)
	if err != nil {
		return err
	}
	if cur.Flag != Removed {
		return ErrNotRemoved
	}
	return m.writeEntry(ctx, index, Entry{Flag: Filled, PageIndex: pageIndex, RecordPosition: recordPosition})
}

// Get returns the entry at index and whether it is FILLED. An ALLOCATED
// slot holds no real (pageIndex, recordPosition) yet, so it reports false
// the same as an out-of-range or REMOVED index.
func (m *Map) Get(ctx context.Context, index uint64) (Entry, bool, error) {
	e, err := m.readEntry(ctx, index)
	if err != nil {
		if err == ErrOutOfRange {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, e.Flag == Filled, nil
}

// Exists reports whether index holds a FILLED entry.
func (m *Map) Exists(ctx context.Context, index uint64) (bool, error) {
	_, ok, err := m.Get(ctx, index)
	return ok, err
}

// GetStatus returns index's flag, or NotExistent if out of range.
func (m *Map) GetStatus(ctx context.Context, index uint64) (Flag, error) {
	e, err := m.readEntry(ctx, index)
	if err != nil {
		if err == ErrOutOfRange {
			return NotExistent, nil
		}
		return NotExistent, err
	}
	return e.Flag, nil
}

// IsFull reports whether the map's current size exactly fills its
// allocated buckets, i.e. the next Add would require a new page.
func (m *Map) IsFull(ctx context.Context) (bool, error) {
	size, err := m.totalSize(ctx)
	if err != nil {
		return false, err
	}
	return size%uint64(m.perBucket) == 0 && size > 0, nil
}

// Size returns the total number of entries ever appended (including
// removed ones).
func (m *Map) Size(ctx context.Context) (uint64, error) {
	return m.totalSize(ctx)
}
