package bonsai

import (
	"bytes"
	"context"
	"fmt"

	"github.com/nainya/treestore/pkg/page"
	"github.com/nainya/treestore/pkg/txn"
)

// Engine owns the pieces many bonsai trees in the same file share: the
// page cache, the atomic-operations manager, and the per-file lock
// manager. Passed explicitly rather than held as package state, per the
// "no implicit singletons" rule for process-wide resources.
type Engine struct {
	cache Cache
	txns  *txn.Manager
	locks *fileLockManager
}

func NewEngine(cache Cache, txns *txn.Manager) *Engine {
	return &Engine{cache: cache, txns: txns, locks: newFileLockManager()}
}

// CreateFile books and creates a new bonsai file with the given sub-page
// bucket size, initializing its sys bucket.
func (e *Engine) CreateFile(ctx context.Context, name string, pageSize, slotSize int) (uint32, error) {
	if pageSize%slotSize != 0 {
		return 0, errSlotTooSmall
	}
	fileID := e.cache.BookFileID()
	if err := e.cache.AddFile(fileID, name); err != nil {
		return 0, fmt.Errorf("bonsai: create file %s: %w", name, err)
	}

	newCtx, err := e.txns.StartAtomicOperation(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.txns.RecordFileCreated(newCtx, fileID, name); err != nil {
		return 0, err
	}
	sysPage, err := e.cache.AllocateNewPage(fileID)
	if err != nil {
		return 0, err
	}
	newAllocator(e.cache, fileID, slotSize, pageSize).initSys(sysPage)
	if err := commitPage(newCtx, e.cache, e.txns, sysPage); err != nil {
		return 0, err
	}
	return fileID, e.txns.EndAtomicOperation(newCtx)
}

func (e *Engine) OpenFile(fileID uint32, name string) error {
	return e.cache.OpenFile(fileID, name)
}

// commitPage drains a page's pending records, logs them to the current
// atomic operation, and releases the write pin.
func commitPage(ctx context.Context, cache Cache, txns *txn.Manager, p *page.Page) error {
	for _, rec := range p.DrainPending() {
		if _, err := txns.RecordPageOp(ctx, p.FileID, p.Index, rec); err != nil {
			_ = cache.ReleaseFromWrite(p)
			return err
		}
	}
	return cache.ReleaseFromWrite(p)
}

// Tree is one bonsai B-tree living inside a shared file. Its stable
// external handle is Meta, a bucket-sized slot holding the tree's current
// root pointer and size; the root bucket itself may move (a root split
// replaces it), but Meta never does, so a caller can reopen the same tree
// across restarts.
type Tree struct {
	engine   *Engine
	fileID   uint32
	pageSize int
	slotSize int
	alloc    *allocator
	Meta     Ptr
}

// metaBucket layout (a bucket-sized slot reused for tree-level metadata
// instead of entries): [0:8] root Ptr, [8:16] size.
func readMetaRoot(p *page.Page, off int) Ptr    { return Ptr(p.GetUint64(off)) }
func readMetaSize(p *page.Page, off int) uint64 { return p.GetUint64(off + 8) }
func writeMetaRoot(p *page.Page, off int, root Ptr) { p.SetUint64(off, uint64(root)) }
func writeMetaSize(p *page.Page, off int, size uint64) { p.SetUint64(off+8, size) }

// CreateTree allocates a new, empty bonsai tree inside fileID.
func CreateTree(ctx context.Context, engine *Engine, fileID uint32, pageSize, slotSize int) (*Tree, error) {
	t := &Tree{
		engine:   engine,
		fileID:   fileID,
		pageSize: pageSize,
		slotSize: slotSize,
		alloc:    newAllocator(engine.cache, fileID, slotSize, pageSize),
	}

	newCtx, err := engine.txns.StartAtomicOperation(ctx)
	if err != nil {
		return nil, err
	}

	metaPtr, err := t.alloc.alloc(newCtx)
	if err != nil {
		return nil, err
	}
	rootPtr, err := t.alloc.alloc(newCtx)
	if err != nil {
		return nil, err
	}

	rootPage, err := engine.cache.LoadForWrite(newCtx, fileID, rootPtr.PageIndex())
	if err != nil {
		return nil, err
	}
	wrapBucket(rootPage, rootPtr.Offset()).init(true)
	if err := commitPage(newCtx, engine.cache, engine.txns, rootPage); err != nil {
		return nil, err
	}

	metaPage, err := engine.cache.LoadForWrite(newCtx, fileID, metaPtr.PageIndex())
	if err != nil {
		return nil, err
	}
	writeMetaRoot(metaPage, metaPtr.Offset(), rootPtr)
	writeMetaSize(metaPage, metaPtr.Offset(), 0)
	if err := commitPage(newCtx, engine.cache, engine.txns, metaPage); err != nil {
		return nil, err
	}

	t.Meta = metaPtr
	return t, engine.txns.EndAtomicOperation(newCtx)
}

// OpenTree reattaches to a tree previously created with CreateTree, given
// its stable Meta pointer.
func OpenTree(engine *Engine, fileID uint32, meta Ptr, pageSize, slotSize int) *Tree {
	return &Tree{
		engine:   engine,
		fileID:   fileID,
		pageSize: pageSize,
		slotSize: slotSize,
		alloc:    newAllocator(engine.cache, fileID, slotSize, pageSize),
		Meta:     meta,
	}
}

func (t *Tree) rootPtr(ctx context.Context) (Ptr, error) {
	p, err := t.engine.cache.LoadForRead(ctx, t.fileID, t.Meta.PageIndex())
	if err != nil {
		return NilPtr, err
	}
	defer t.engine.cache.ReleaseFromRead(p)
	return readMetaRoot(p, t.Meta.Offset()), nil
}

// Size returns the number of entries currently in the tree.
func (t *Tree) Size(ctx context.Context) (uint64, error) {
	p, err := t.engine.cache.LoadForRead(ctx, t.fileID, t.Meta.PageIndex())
	if err != nil {
		return 0, err
	}
	defer t.engine.cache.ReleaseFromRead(p)
	return readMetaSize(p, t.Meta.Offset()), nil
}

func (t *Tree) addToSize(ctx context.Context, delta int64) error {
	p, err := t.engine.cache.LoadForWrite(ctx, t.fileID, t.Meta.PageIndex())
	if err != nil {
		return err
	}
	cur := readMetaSize(p, t.Meta.Offset())
	writeMetaSize(p, t.Meta.Offset(), uint64(int64(cur)+delta))
	return commitPage(ctx, t.engine.cache, t.engine.txns, p)
}

func (t *Tree) loadBucket(ctx context.Context, ptr Ptr, write bool) (*page.Page, bucket, error) {
	var p *page.Page
	var err error
	if write {
		p, err = t.engine.cache.LoadForWrite(ctx, t.fileID, ptr.PageIndex())
	} else {
		p, err = t.engine.cache.LoadForRead(ctx, t.fileID, ptr.PageIndex())
	}
	if err != nil {
		return nil, bucket{}, err
	}
	return p, wrapBucket(p, ptr.Offset()), nil
}

// Get looks up key under shared lock.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	t.engine.locks.lockShared(t.fileID)
	defer t.engine.locks.unlockShared(t.fileID)

	root, err := t.rootPtr(ctx)
	if err != nil {
		return nil, false, err
	}
	ptr := root
	for {
		p, b, err := t.loadBucket(ctx, ptr, false)
		if err != nil {
			return nil, false, err
		}
		if b.isLeaf() {
			entries := decodeLeafEntries(b)
			t.engine.cache.ReleaseFromRead(p)
			i := lowerBoundLeaf(entries, key)
			if i < len(entries) && bytes.Equal(entries[i].key, key) {
				return entries[i].val, true, nil
			}
			return nil, false, nil
		}
		entries := decodeInternalEntries(b)
		child := descendChild(entries, key)
		t.engine.cache.ReleaseFromRead(p)
		ptr = child
	}
}

func lowerBoundLeaf(entries []leafEntry, key []byte) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func descendChild(entries []internalEntry, key []byte) Ptr {
	child := entries[0].ptr
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i].key, key) > 0 {
			break
		}
		child = entries[i].ptr
	}
	return child
}

type bonsaiPathEntry struct {
	ptr Ptr
	pos int
}

// Put inserts or updates key/val, taking the file's exclusive lock for
// the duration of the structural mutation.
func (t *Tree) Put(ctx context.Context, key, val []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	t.engine.locks.lockExclusive(t.fileID)
	defer t.engine.locks.unlockExclusive(t.fileID)

	newCtx, err := t.engine.txns.StartAtomicOperation(ctx)
	if err != nil {
		return err
	}

	root, err := t.rootPtr(newCtx)
	if err != nil {
		return t.abort(newCtx, err)
	}

	var path []bonsaiPathEntry
	ptr := root
	for {
		p, b, err := t.loadBucket(newCtx, ptr, false)
		if err != nil {
			return t.abort(newCtx, err)
		}
		if b.isLeaf() {
			t.engine.cache.ReleaseFromRead(p)
			break
		}
		entries := decodeInternalEntries(b)
		pos := 0
		for i := 1; i < len(entries); i++ {
			if bytes.Compare(entries[i].key, key) > 0 {
				break
			}
			pos = i
		}
		t.engine.cache.ReleaseFromRead(p)
		path = append(path, bonsaiPathEntry{ptr: ptr, pos: pos})
		ptr = entries[pos].ptr
	}

	leafPage, b, err := t.loadBucket(newCtx, ptr, true)
	if err != nil {
		return t.abort(newCtx, err)
	}
	entries := decodeLeafEntries(b)
	isNew := true
	if i := lowerBoundLeaf(entries, key); i < len(entries) && bytes.Equal(entries[i].key, key) {
		isNew = false
	}
	entries = upsertLeafEntry(entries, key, val)
	leftSib, rightSib := b.leftSibling(), b.rightSibling()

	if err := t.applyLeaf(newCtx, leafPage, ptr, entries, leftSib, rightSib, path); err != nil {
		return t.abort(newCtx, err)
	}
	if isNew {
		if err := t.addToSize(newCtx, 1); err != nil {
			return t.abort(newCtx, err)
		}
	}
	return t.engine.txns.EndAtomicOperation(newCtx)
}

func (t *Tree) applyLeaf(ctx context.Context, leafPage *page.Page, leafPtr Ptr, entries []leafEntry, leftSib, rightSib Ptr, path []bonsaiPathEntry) error {
	data, fits := buildLeaf(entries, t.slotSize)
	if fits {
		leafPage.SetBytes(leafPtr.Offset(), data)
		wrapBucket(leafPage, leafPtr.Offset()).setLeftSibling(leftSib)
		wrapBucket(leafPage, leafPtr.Offset()).setRightSibling(rightSib)
		return commitPage(ctx, t.engine.cache, t.engine.txns, leafPage)
	}
	if len(entries) < 2 {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		return ErrKeyTooLarge
	}

	left, right, sep := splitLeafEntries(entries)
	leftData, leftFits := buildLeaf(left, t.slotSize)
	if !leftFits {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		return fmt.Errorf("bonsai: leaf half still overflows bucket budget")
	}
	leafPage.SetBytes(leafPtr.Offset(), leftData)

	rightPtr, err := t.alloc.alloc(ctx)
	if err != nil {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		return err
	}
	rightPage, rb, err := t.loadBucket(ctx, rightPtr, true)
	if err != nil {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		return err
	}
	rightData, rightFits := buildLeaf(right, t.slotSize)
	if !rightFits {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		_ = t.engine.cache.ReleaseFromWrite(rightPage)
		return fmt.Errorf("bonsai: leaf half still overflows bucket budget")
	}
	rightPage.SetBytes(rightPtr.Offset(), rightData)
	rb = wrapBucket(rightPage, rightPtr.Offset())
	rb.setLeftSibling(leafPtr)
	rb.setRightSibling(rightSib)
	leftB := wrapBucket(leafPage, leafPtr.Offset())
	leftB.setLeftSibling(leftSib)
	leftB.setRightSibling(rightPtr)

	if !rightSib.IsNil() {
		sibPage, err := t.engine.cache.LoadForWrite(ctx, t.fileID, rightSib.PageIndex())
		if err != nil {
			_ = t.engine.cache.ReleaseFromWrite(leafPage)
			_ = t.engine.cache.ReleaseFromWrite(rightPage)
			return err
		}
		wrapBucket(sibPage, rightSib.Offset()).setLeftSibling(rightPtr)
		if err := commitPage(ctx, t.engine.cache, t.engine.txns, sibPage); err != nil {
			_ = t.engine.cache.ReleaseFromWrite(leafPage)
			_ = t.engine.cache.ReleaseFromWrite(rightPage)
			return err
		}
	}

	if err := commitPage(ctx, t.engine.cache, t.engine.txns, leafPage); err != nil {
		_ = t.engine.cache.ReleaseFromWrite(rightPage)
		return err
	}
	if err := commitPage(ctx, t.engine.cache, t.engine.txns, rightPage); err != nil {
		return err
	}

	return t.insertIntoParent(ctx, path, sep, rightPtr)
}

func (t *Tree) insertIntoParent(ctx context.Context, path []bonsaiPathEntry, sep []byte, rightChild Ptr) error {
	if len(path) == 0 {
		return t.growRoot(ctx, sep, rightChild)
	}

	parentEntry := path[len(path)-1]
	rest := path[:len(path)-1]

	parentPage, pb, err := t.loadBucket(ctx, parentEntry.ptr, true)
	if err != nil {
		return err
	}
	entries := decodeInternalEntries(pb)
	entries = insertInternalEntry(entries, parentEntry.pos+1, sep, rightChild)

	data, fits := buildInternal(entries, t.slotSize)
	if fits {
		parentPage.SetBytes(parentEntry.ptr.Offset(), data)
		return commitPage(ctx, t.engine.cache, t.engine.txns, parentPage)
	}

	left, right, promoted := splitInternalEntries(entries)
	leftData, leftFits := buildInternal(left, t.slotSize)
	if !leftFits {
		_ = t.engine.cache.ReleaseFromWrite(parentPage)
		return fmt.Errorf("bonsai: internal half still overflows bucket budget")
	}
	parentPage.SetBytes(parentEntry.ptr.Offset(), leftData)

	rightPtr, err := t.alloc.alloc(ctx)
	if err != nil {
		_ = t.engine.cache.ReleaseFromWrite(parentPage)
		return err
	}
	rightPage, _, err := t.loadBucket(ctx, rightPtr, true)
	if err != nil {
		_ = t.engine.cache.ReleaseFromWrite(parentPage)
		return err
	}
	rightData, rightFits := buildInternal(right, t.slotSize)
	if !rightFits {
		_ = t.engine.cache.ReleaseFromWrite(parentPage)
		_ = t.engine.cache.ReleaseFromWrite(rightPage)
		return fmt.Errorf("bonsai: internal half still overflows bucket budget")
	}
	rightPage.SetBytes(rightPtr.Offset(), rightData)

	if err := commitPage(ctx, t.engine.cache, t.engine.txns, parentPage); err != nil {
		_ = t.engine.cache.ReleaseFromWrite(rightPage)
		return err
	}
	if err := commitPage(ctx, t.engine.cache, t.engine.txns, rightPage); err != nil {
		return err
	}

	return t.insertIntoParent(ctx, rest, promoted, rightPtr)
}

func (t *Tree) growRoot(ctx context.Context, sep []byte, rightChild Ptr) error {
	oldRoot, err := t.rootPtr(ctx)
	if err != nil {
		return err
	}
	newRootPtr, err := t.alloc.alloc(ctx)
	if err != nil {
		return err
	}
	newRootPage, _, err := t.loadBucket(ctx, newRootPtr, true)
	if err != nil {
		return err
	}
	entries := []internalEntry{
		{key: nil, ptr: oldRoot},
		{key: append([]byte(nil), sep...), ptr: rightChild},
	}
	data, fits := buildInternal(entries, t.slotSize)
	if !fits {
		_ = t.engine.cache.ReleaseFromWrite(newRootPage)
		return fmt.Errorf("bonsai: two-entry root overflows bucket budget")
	}
	newRootPage.SetBytes(newRootPtr.Offset(), data)
	if err := commitPage(ctx, t.engine.cache, t.engine.txns, newRootPage); err != nil {
		return err
	}

	metaPage, err := t.engine.cache.LoadForWrite(ctx, t.fileID, t.Meta.PageIndex())
	if err != nil {
		return err
	}
	writeMetaRoot(metaPage, t.Meta.Offset(), newRootPtr)
	return commitPage(ctx, t.engine.cache, t.engine.txns, metaPage)
}

// Remove deletes key if present. Per the tree's design, buckets are never
// merged or rebalanced on delete; an emptied leaf stays in place (still
// linked into its sibling chain) and is reused the next time a key in its
// range is inserted.
func (t *Tree) Remove(ctx context.Context, key []byte) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	t.engine.locks.lockExclusive(t.fileID)
	defer t.engine.locks.unlockExclusive(t.fileID)

	newCtx, err := t.engine.txns.StartAtomicOperation(ctx)
	if err != nil {
		return false, err
	}

	root, err := t.rootPtr(newCtx)
	if err != nil {
		return false, t.abort(newCtx, err)
	}
	ptr := root
	for {
		p, b, err := t.loadBucket(newCtx, ptr, false)
		if err != nil {
			return false, t.abort(newCtx, err)
		}
		if b.isLeaf() {
			t.engine.cache.ReleaseFromRead(p)
			break
		}
		entries := decodeInternalEntries(b)
		child := descendChild(entries, key)
		t.engine.cache.ReleaseFromRead(p)
		ptr = child
	}

	leafPage, b, err := t.loadBucket(newCtx, ptr, true)
	if err != nil {
		return false, t.abort(newCtx, err)
	}
	entries := decodeLeafEntries(b)
	entries, found := removeLeafEntry(entries, key)
	if !found {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		return false, t.engine.txns.EndAtomicOperation(newCtx)
	}
	leftSib, rightSib := b.leftSibling(), b.rightSibling()

	data, fits := buildLeaf(entries, t.slotSize)
	if !fits {
		_ = t.engine.cache.ReleaseFromWrite(leafPage)
		return false, t.abort(newCtx, fmt.Errorf("bonsai: shrinking leaf cannot overflow"))
	}
	leafPage.SetBytes(ptr.Offset(), data)
	wrapBucket(leafPage, ptr.Offset()).setLeftSibling(leftSib)
	wrapBucket(leafPage, ptr.Offset()).setRightSibling(rightSib)
	if err := commitPage(newCtx, t.engine.cache, t.engine.txns, leafPage); err != nil {
		return false, t.abort(newCtx, err)
	}
	if err := t.addToSize(newCtx, -1); err != nil {
		return false, t.abort(newCtx, err)
	}
	return true, t.engine.txns.EndAtomicOperation(newCtx)
}

// collectBuckets walks the tree depth-first, returning every bucket
// pointer currently in use (leaves and internal nodes alike).
func (t *Tree) collectBuckets(ctx context.Context, ptr Ptr, out *[]Ptr) error {
	p, b, err := t.loadBucket(ctx, ptr, false)
	if err != nil {
		return err
	}
	*out = append(*out, ptr)
	if b.isLeaf() {
		t.engine.cache.ReleaseFromRead(p)
		return nil
	}
	entries := decodeInternalEntries(b)
	t.engine.cache.ReleaseFromRead(p)
	for _, e := range entries {
		if err := t.collectBuckets(ctx, e.ptr, out); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the tree: it allocates a fresh empty leaf as the new root,
// returns every bucket the tree held (the old root included) to the file's
// free list, and records the new root in the Meta slot. The
// tree's Meta slot is left in place so the (now-empty) tree remains
// reachable at the same external handle.
func (t *Tree) Clear(ctx context.Context) error {
	t.engine.locks.lockExclusive(t.fileID)
	defer t.engine.locks.unlockExclusive(t.fileID)

	newCtx, err := t.engine.txns.StartAtomicOperation(ctx)
	if err != nil {
		return err
	}

	root, err := t.rootPtr(newCtx)
	if err != nil {
		return t.abort(newCtx, err)
	}
	var buckets []Ptr
	if err := t.collectBuckets(newCtx, root, &buckets); err != nil {
		return t.abort(newCtx, err)
	}
	newRoot, err := t.alloc.alloc(newCtx)
	if err != nil {
		return t.abort(newCtx, err)
	}
	newRootPage, _, err := t.loadBucket(newCtx, newRoot, true)
	if err != nil {
		return t.abort(newCtx, err)
	}
	wrapBucket(newRootPage, newRoot.Offset()).init(true)
	if err := commitPage(newCtx, t.engine.cache, t.engine.txns, newRootPage); err != nil {
		return t.abort(newCtx, err)
	}

	for _, b := range buckets {
		if b == newRoot {
			continue
		}
		if err := t.alloc.free(newCtx, b); err != nil {
			return t.abort(newCtx, err)
		}
	}

	metaPage, err := t.engine.cache.LoadForWrite(newCtx, t.fileID, t.Meta.PageIndex())
	if err != nil {
		return t.abort(newCtx, err)
	}
	writeMetaRoot(metaPage, t.Meta.Offset(), newRoot)
	writeMetaSize(metaPage, t.Meta.Offset(), 0)
	if err := commitPage(newCtx, t.engine.cache, t.engine.txns, metaPage); err != nil {
		return t.abort(newCtx, err)
	}

	return t.engine.txns.EndAtomicOperation(newCtx)
}

// Delete empties the tree like Clear and additionally frees the Meta slot
// itself; the Tree value must not be used afterward.
func (t *Tree) Delete(ctx context.Context) error {
	if err := t.Clear(ctx); err != nil {
		return err
	}

	t.engine.locks.lockExclusive(t.fileID)
	defer t.engine.locks.unlockExclusive(t.fileID)

	newCtx, err := t.engine.txns.StartAtomicOperation(ctx)
	if err != nil {
		return err
	}
	root, err := t.rootPtr(newCtx)
	if err != nil {
		return t.abort(newCtx, err)
	}
	if err := t.alloc.free(newCtx, root); err != nil {
		return t.abort(newCtx, err)
	}
	if err := t.alloc.free(newCtx, t.Meta); err != nil {
		return t.abort(newCtx, err)
	}
	return t.engine.txns.EndAtomicOperation(newCtx)
}

func (t *Tree) abort(ctx context.Context, cause error) error {
	if abortErr := t.engine.txns.AbortAtomicOperation(ctx); abortErr != nil {
		return fmt.Errorf("%w (abort also failed: %v)", cause, abortErr)
	}
	return cause
}
