// Package hashdir implements the Extendible Hash Directory: a single file
// whose first page holds tree size, a tombstone chain, and an inline array
// of node entries, and whose later pages each hold a fixed number of
// overflow node entries. Each node holds a fixed array of hash-bucket
// pointers plus per-node child-depth metadata.
package hashdir

import (
	"context"

	"github.com/nainya/treestore/pkg/page"
	"github.com/nainya/treestore/pkg/txn"
)

// LevelSize is the number of hash-bucket pointers held per directory node.
const LevelSize = 8

// node layout, 8 bytes per pointer slot plus 3 metadata bytes padded to 4:
//
//	[0 : 8*LevelSize]               bucket pointers (slot 0 doubles as the
//	                                 tombstone-chain "next" field while the
//	                                 node is deleted)
//	[8*LevelSize+0]                 max left child depth
//	[8*LevelSize+1]                 max right child depth
//	[8*LevelSize+2]                 node local depth
//	[8*LevelSize+3]                 pad
const nodeSize = 8*LevelSize + 4

// firstPageHeader: treeSize(8) tombstoneHead(8) nodeCount(4).
const firstPageHeader = 20

// noTombstone marks an empty tombstone chain.
const noTombstone = ^uint64(0)

// Cache is the subset of pagecache.Cache a directory needs.
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

func nodesPerPage(pageSize int, firstPage bool) int {
	if firstPage {
		return (pageSize - firstPageHeader) / nodeSize
	}
	return pageSize / nodeSize
}

// nodeLocation maps a global node index to its (pageIndex, byte offset
// within the page). Page 0 holds the first nodesPerPage(firstPage=true)
// nodes after its header; every later page holds nodesPerPage(false) more.
func nodeLocation(nodeIndex uint64, pageSize int) (pageIndex uint64, offset int) {
	firstCap := uint64(nodesPerPage(pageSize, true))
	if nodeIndex < firstCap {
		return 0, firstPageHeader + int(nodeIndex)*nodeSize
	}
	rest := nodeIndex - firstCap
	perOverflow := uint64(nodesPerPage(pageSize, false))
	overflowPage := rest/perOverflow + 1
	localIdx := rest % perOverflow
	return overflowPage, int(localIdx) * nodeSize
}

// Directory is an extendible hash directory bound to one file.
type Directory struct {
	cache    Cache
	txns     *txn.Manager
	fileID   uint32
	pageSize int
}

// Create allocates and initializes a new, empty directory.
func Create(ctx context.Context, cache Cache, txns *txn.Manager, name string, pageSize int) (*Directory, error) {
	fileID := cache.BookFileID()
	if err := cache.AddFile(fileID, name); err != nil {
		return nil, err
	}
	d := &Directory{cache: cache, txns: txns, fileID: fileID, pageSize: pageSize}

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
	first.SetUint64(0, 0)            // tree size
	first.SetUint64(8, noTombstone)  // tombstone head
	first.SetUint32(16, 0)           // node count
	if err := d.commitPage(newCtx, first); err != nil {
		return nil, err
	}
	return d, txns.EndAtomicOperation(newCtx)
}

// Open attaches to an already-created directory file.
func Open(cache Cache, txns *txn.Manager, fileID uint32, name string, pageSize int) (*Directory, error) {
	if err := cache.OpenFile(fileID, name); err != nil {
		return nil, err
	}
	return &Directory{cache: cache, txns: txns, fileID: fileID, pageSize: pageSize}, nil
}

func (d *Directory) FileID() uint32 { return d.fileID }

// commitPage logs p's pending records and releases it. It joins the atomic
// operation ctx carries, or runs as an atomic operation of its own.
func (d *Directory) commitPage(ctx context.Context, p *page.Page) error {
	opCtx, err := d.txns.StartAtomicOperation(ctx)
	if err != nil {
		_ = d.cache.ReleaseFromWrite(p)
		return err
	}
	for _, rec := range p.DrainPending() {
		if _, err := d.txns.RecordPageOp(opCtx, p.FileID, p.Index, rec); err != nil {
			_ = d.cache.ReleaseFromWrite(p)
			return err
		}
	}
	if err := d.cache.ReleaseFromWrite(p); err != nil {
		return err
	}
	return d.txns.EndAtomicOperation(opCtx)
}

func (d *Directory) Size(ctx context.Context) (uint64, error) {
	p, err := d.cache.LoadForRead(ctx, d.fileID, 0)
	if err != nil {
		return 0, err
	}
	defer d.cache.ReleaseFromRead(p)
	return p.GetUint64(0), nil
}

// SetSize updates the tree-size counter carried alongside the directory.
func (d *Directory) SetSize(ctx context.Context, n uint64) error {
	p, err := d.cache.LoadForWrite(ctx, d.fileID, 0)
	if err != nil {
		return err
	}
	p.SetUint64(0, n)
	return d.commitPage(ctx, p)
}

func (d *Directory) tombstoneHead(ctx context.Context) (uint64, error) {
	p, err := d.cache.LoadForRead(ctx, d.fileID, 0)
	if err != nil {
		return 0, err
	}
	defer d.cache.ReleaseFromRead(p)
	return p.GetUint64(8), nil
}

func (d *Directory) setTombstoneHead(ctx context.Context, idx uint64) error {
	p, err := d.cache.LoadForWrite(ctx, d.fileID, 0)
	if err != nil {
		return err
	}
	p.SetUint64(8, idx)
	return d.commitPage(ctx, p)
}

func (d *Directory) nodeCount(ctx context.Context) (uint32, error) {
	p, err := d.cache.LoadForRead(ctx, d.fileID, 0)
	if err != nil {
		return 0, err
	}
	defer d.cache.ReleaseFromRead(p)
	return p.GetUint32(16), nil
}

func (d *Directory) setNodeCount(ctx context.Context, n uint32) error {
	p, err := d.cache.LoadForWrite(ctx, d.fileID, 0)
	if err != nil {
		return err
	}
	p.SetUint32(16, n)
	return d.commitPage(ctx, p)
}

// ensurePage makes sure page pageIndex exists, allocating overflow pages
// as needed.
func (d *Directory) ensurePage(ctx context.Context, pageIndex uint64) error {
	filled, err := d.cache.FilledUpTo(d.fileID)
	if err != nil {
		return err
	}
	for filled <= pageIndex {
		if _, err := d.cache.AllocateNewPage(d.fileID); err != nil {
			return err
		}
		filled, err = d.cache.FilledUpTo(d.fileID)
		if err != nil {
			return err
		}
	}
	return nil
}

// AddNode installs a new node with the given local depth, preferring a
// tombstoned slot over appending past the directory's current node count.
func (d *Directory) AddNode(ctx context.Context, localDepth byte) (uint64, error) {
	head, err := d.tombstoneHead(ctx)
	if err != nil {
		return 0, err
	}
	if head != noTombstone {
		next, err := d.getRawPtr(ctx, head, 0)
		if err != nil {
			return 0, err
		}
		if err := d.setTombstoneHead(ctx, next); err != nil {
			return 0, err
		}
		if err := d.initNode(ctx, head, localDepth); err != nil {
			return 0, err
		}
		return head, nil
	}

	count, err := d.nodeCount(ctx)
	if err != nil {
		return 0, err
	}
	idx := uint64(count)
	pageIdx, _ := nodeLocation(idx, d.pageSize)
	if err := d.ensurePage(ctx, pageIdx); err != nil {
		return 0, err
	}
	if err := d.initNode(ctx, idx, localDepth); err != nil {
		return 0, err
	}
	if err := d.setNodeCount(ctx, count+1); err != nil {
		return 0, err
	}
	return idx, nil
}

func (d *Directory) initNode(ctx context.Context, idx uint64, localDepth byte) error {
	pageIdx, off := nodeLocation(idx, d.pageSize)
	p, err := d.cache.LoadForWrite(ctx, d.fileID, pageIdx)
	if err != nil {
		return err
	}
	zero := make([]byte, nodeSize)
	p.SetBytes(off, zero)
	p.SetByte(off+8*LevelSize+2, localDepth)
	return d.commitPage(ctx, p)
}

// DeleteNode pushes idx onto the tombstone stack; it remains valid for
// AddNode to reuse until then.
func (d *Directory) DeleteNode(ctx context.Context, idx uint64) error {
	head, err := d.tombstoneHead(ctx)
	if err != nil {
		return err
	}
	if err := d.setRawPtr(ctx, idx, 0, head); err != nil {
		return err
	}
	return d.setTombstoneHead(ctx, idx)
}

func (d *Directory) getRawPtr(ctx context.Context, idx uint64, slot int) (uint64, error) {
	pageIdx, off := nodeLocation(idx, d.pageSize)
	p, err := d.cache.LoadForRead(ctx, d.fileID, pageIdx)
	if err != nil {
		return 0, err
	}
	defer d.cache.ReleaseFromRead(p)
	return p.GetUint64(off + 8*slot), nil
}

func (d *Directory) setRawPtr(ctx context.Context, idx uint64, slot int, val uint64) error {
	pageIdx, off := nodeLocation(idx, d.pageSize)
	p, err := d.cache.LoadForWrite(ctx, d.fileID, pageIdx)
	if err != nil {
		return err
	}
	p.SetUint64(off+8*slot, val)
	return d.commitPage(ctx, p)
}

// GetBucketPtr reads bucket pointer slot (0..LevelSize-1) of node idx.
func (d *Directory) GetBucketPtr(ctx context.Context, idx uint64, slot int) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	return d.getRawPtr(ctx, idx, slot)
}

// SetBucketPtr writes bucket pointer slot of node idx.
func (d *Directory) SetBucketPtr(ctx context.Context, idx uint64, slot int, bucketPage uint64) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	return d.setRawPtr(ctx, idx, slot, bucketPage)
}

// NodeDepths returns (maxLeftChildDepth, maxRightChildDepth, localDepth).
func (d *Directory) NodeDepths(ctx context.Context, idx uint64) (byte, byte, byte, error) {
	pageIdx, off := nodeLocation(idx, d.pageSize)
	p, err := d.cache.LoadForRead(ctx, d.fileID, pageIdx)
	if err != nil {
		return 0, 0, 0, err
	}
	defer d.cache.ReleaseFromRead(p)
	base := off + 8*LevelSize
	return p.GetByte(base), p.GetByte(base + 1), p.GetByte(base + 2), nil
}

// SetNodeDepths updates a node's depth metadata.
func (d *Directory) SetNodeDepths(ctx context.Context, idx uint64, maxLeft, maxRight, local byte) error {
	pageIdx, off := nodeLocation(idx, d.pageSize)
	p, err := d.cache.LoadForWrite(ctx, d.fileID, pageIdx)
	if err != nil {
		return err
	}
	base := off + 8*LevelSize
	p.SetByte(base, maxLeft)
	p.SetByte(base+1, maxRight)
	p.SetByte(base+2, local)
	return d.commitPage(ctx, p)
}
