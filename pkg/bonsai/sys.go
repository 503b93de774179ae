package bonsai

import (
	"context"
	"fmt"

	"github.com/nainya/treestore/pkg/page"
)

// Cache is the subset of pagecache.Cache a bonsai file needs.
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

// sysPageIndex and sysOffset locate the per-file metadata bucket: the
// first slot of the first page.
const (
	sysPageIndex = 0
	sysOffset    = 0
)

// sys bucket layout, distinct from a tree bucket's (it shares the same
// fixed-budget slot but uses it for allocator state instead of entries):
//
//	[0]      initialized flag
//	[1:9]    free-space pointer: next never-yet-used slot
//	[9:17]   free-list head
//	[17:25]  free-list length
type sysBucket struct {
	p   *page.Page
	off int
}

func wrapSys(p *page.Page) sysBucket { return sysBucket{p, sysOffset} }

func (s sysBucket) initialized() bool     { return s.p.GetByte(s.off) != 0 }
func (s sysBucket) freeSpacePtr() Ptr      { return Ptr(s.p.GetUint64(s.off + 1)) }
func (s sysBucket) freeListHead() Ptr      { return Ptr(s.p.GetUint64(s.off + 9)) }
func (s sysBucket) freeListLength() uint64 { return s.p.GetUint64(s.off + 17) }

func (s sysBucket) setInitialized(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	s.p.SetByte(s.off, b)
}
func (s sysBucket) setFreeSpacePtr(p Ptr)     { s.p.SetUint64(s.off+1, uint64(p)) }
func (s sysBucket) setFreeListHead(p Ptr)     { s.p.SetUint64(s.off+9, uint64(p)) }
func (s sysBucket) setFreeListLength(n uint64) { s.p.SetUint64(s.off+17, n) }

// allocator carves and recycles fixed-size bucket slots across a bonsai
// file, backed by the file's sys bucket at (page 0, offset 0).
type allocator struct {
	cache        Cache
	fileID       uint32
	slotSize     int
	pageSize     int
	slotsPerPage int
}

func newAllocator(cache Cache, fileID uint32, slotSize, pageSize int) *allocator {
	return &allocator{
		cache:        cache,
		fileID:       fileID,
		slotSize:     slotSize,
		pageSize:     pageSize,
		slotsPerPage: pageSize / slotSize,
	}
}

// initSys sets up the sys bucket on a freshly created file, with the
// free-space pointer positioned just past the sys bucket's own slot.
func (a *allocator) initSys(sys *page.Page) {
	s := wrapSys(sys)
	s.setInitialized(true)
	s.setFreeSpacePtr(NewPtr(sysPageIndex, a.slotSize))
	s.setFreeListHead(NilPtr)
	s.setFreeListLength(0)
}

// alloc returns a Ptr to a fresh, zeroed bucket slot: popped from the free
// list if one is available, otherwise carved from the file's free space
// (allocating a new page when the current one is full).
func (a *allocator) alloc(ctx context.Context) (Ptr, error) {
	sysPage, err := a.cache.LoadForWrite(ctx, a.fileID, sysPageIndex)
	if err != nil {
		return NilPtr, err
	}
	s := wrapSys(sysPage)

	if head := s.freeListHead(); !head.IsNil() {
		headPage, err := a.loadSlotPage(ctx, head, true)
		if err != nil {
			a.cache.ReleaseFromWrite(sysPage)
			return NilPtr, err
		}
		next := wrapBucket(headPage, head.Offset()).freeListNext()
		s.setFreeListHead(next)
		s.setFreeListLength(s.freeListLength() - 1)
		if err := a.cache.ReleaseFromWrite(sysPage); err != nil {
			a.cache.ReleaseFromWrite(headPage)
			return NilPtr, err
		}
		wrapBucket(headPage, head.Offset()).init(true)
		if err := a.cache.ReleaseFromWrite(headPage); err != nil {
			return NilPtr, err
		}
		return head, nil
	}

	free := s.freeSpacePtr()
	if free.Offset()+a.slotSize > a.pageSize {
		filled, err := a.cache.FilledUpTo(a.fileID)
		if err != nil {
			a.cache.ReleaseFromWrite(sysPage)
			return NilPtr, err
		}
		nextPageIdx := free.PageIndex() + 1
		if nextPageIdx >= filled {
			if _, err := a.cache.AllocateNewPage(a.fileID); err != nil {
				a.cache.ReleaseFromWrite(sysPage)
				return NilPtr, err
			}
		}
		free = NewPtr(nextPageIdx, 0)
	}
	result := free
	s.setFreeSpacePtr(NewPtr(free.PageIndex(), free.Offset()+a.slotSize))
	if err := a.cache.ReleaseFromWrite(sysPage); err != nil {
		return NilPtr, err
	}

	resultPage, err := a.loadSlotPage(ctx, result, true)
	if err != nil {
		return NilPtr, err
	}
	wrapBucket(resultPage, result.Offset()).init(true)
	if err := a.cache.ReleaseFromWrite(resultPage); err != nil {
		return NilPtr, err
	}
	return result, nil
}

// free pushes ptr onto the free list head, marking the bucket deleted.
func (a *allocator) free(ctx context.Context, ptr Ptr) error {
	sysPage, err := a.cache.LoadForWrite(ctx, a.fileID, sysPageIndex)
	if err != nil {
		return err
	}
	s := wrapSys(sysPage)
	oldHead := s.freeListHead()

	slotPage, err := a.loadSlotPage(ctx, ptr, true)
	if err != nil {
		a.cache.ReleaseFromWrite(sysPage)
		return err
	}
	b := wrapBucket(slotPage, ptr.Offset())
	b.setFlags(b.flags() | flagDeleted)
	b.setFreeListNext(oldHead)
	if err := a.cache.ReleaseFromWrite(slotPage); err != nil {
		a.cache.ReleaseFromWrite(sysPage)
		return err
	}

	s.setFreeListHead(ptr)
	s.setFreeListLength(s.freeListLength() + 1)
	return a.cache.ReleaseFromWrite(sysPage)
}

func (a *allocator) freeListLength(ctx context.Context) (uint64, error) {
	sysPage, err := a.cache.LoadForRead(ctx, a.fileID, sysPageIndex)
	if err != nil {
		return 0, err
	}
	defer a.cache.ReleaseFromRead(sysPage)
	return wrapSys(sysPage).freeListLength(), nil
}

func (a *allocator) loadSlotPage(ctx context.Context, ptr Ptr, write bool) (*page.Page, error) {
	if write {
		return a.cache.LoadForWrite(ctx, a.fileID, ptr.PageIndex())
	}
	return a.cache.LoadForRead(ctx, a.fileID, ptr.PageIndex())
}

var errSlotTooSmall = fmt.Errorf("bonsai: slot size must divide page size evenly")
