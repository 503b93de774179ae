package prefixtree

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/nainya/treestore/pkg/page"
	"github.com/nainya/treestore/pkg/txn"
)

// Cache is the subset of pagecache.Cache a Tree needs. Declared here, not
// imported from pagecache, so prefixtree never depends on the cache's
// concrete type.
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

// metaPageIndex is the fixed page holding the tree's root pointer. Page 0 of
// every tree file is reserved for it; data nodes start at page 1.
const metaPageIndex = 0

// Tree is an on-disk Prefix B+-Tree: a B+-tree whose leaf buckets store only
// the suffix of each key past the bucket's shared prefix.
type Tree struct {
	cache                Cache
	txns                 *txn.Manager
	fileID               uint32
	pageSize             int
	maxEmbeddedValueSize int

	fileLock sync.RWMutex
}

// Create allocates and initializes a new, empty tree in its own file.
// Values longer than maxEmbeddedValueSize are spilled to a value-overflow
// page chain instead of being embedded in their leaf entry; zero disables
// overflow, embedding every value regardless of size.
func Create(ctx context.Context, cache Cache, txns *txn.Manager, name string, pageSize, maxEmbeddedValueSize int) (*Tree, error) {
	fileID := cache.BookFileID()
	if err := cache.AddFile(fileID, name); err != nil {
		return nil, fmt.Errorf("prefixtree: create %s: %w", name, err)
	}
	t := &Tree{cache: cache, txns: txns, fileID: fileID, pageSize: pageSize, maxEmbeddedValueSize: maxEmbeddedValueSize}

	newCtx, err := txns.StartAtomicOperation(ctx)
	if err != nil {
		return nil, err
	}
	if err := txns.RecordFileCreated(newCtx, fileID, name); err != nil {
		return nil, err
	}

	meta, err := cache.AllocateNewPage(fileID) // page 0: meta
	if err != nil {
		return nil, err
	}
	root, err := cache.AllocateNewPage(fileID) // page 1: empty root leaf
	if err != nil {
		_ = cache.ReleaseFromWrite(meta)
		return nil, err
	}
	rootNode := wrapNode(root)
	rootNode.setHeader(kindLeaf, 0)
	rootNode.setPrefix(nil)

	meta.SetUint64(0, root.Index)
	if err := t.commitPage(newCtx, meta); err != nil {
		return nil, err
	}
	if err := t.commitPage(newCtx, root); err != nil {
		return nil, err
	}
	if err := txns.EndAtomicOperation(newCtx); err != nil {
		return nil, err
	}
	return t, nil
}

// Open attaches to an already-created tree file.
func Open(cache Cache, txns *txn.Manager, fileID uint32, name string, pageSize, maxEmbeddedValueSize int) (*Tree, error) {
	if err := cache.OpenFile(fileID, name); err != nil {
		return nil, fmt.Errorf("prefixtree: open %s: %w", name, err)
	}
	return &Tree{cache: cache, txns: txns, fileID: fileID, pageSize: pageSize, maxEmbeddedValueSize: maxEmbeddedValueSize}, nil
}

func (t *Tree) FileID() uint32 { return t.fileID }

func (t *Tree) rootIndex(ctx context.Context) (uint64, error) {
	meta, err := t.cache.LoadForRead(ctx, t.fileID, metaPageIndex)
	if err != nil {
		return 0, err
	}
	defer t.cache.ReleaseFromRead(meta)
	return meta.GetUint64(0), nil
}

// commitPage drains a page's pending records, logs each to the current
// atomic operation, and releases the write pin.
func (t *Tree) commitPage(ctx context.Context, p *page.Page) error {
	fileID, index := p.FileID, p.Index
	for _, rec := range p.DrainPending() {
		if _, err := t.txns.RecordPageOp(ctx, fileID, index, rec); err != nil {
			_ = t.cache.ReleaseFromWrite(p)
			return err
		}
	}
	return t.cache.ReleaseFromWrite(p)
}

// Get looks up key and returns its value. ok is false if key is absent.
func (t *Tree) Get(ctx context.Context, key []byte) (val []byte, ok bool, err error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	t.lockShared()
	defer t.unlockShared()

	rootIdx, err := t.rootIndex(ctx)
	if err != nil {
		return nil, false, err
	}

	idx := rootIdx
	for {
		p, err := t.cache.LoadForRead(ctx, t.fileID, idx)
		if err != nil {
			return nil, false, err
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			entries, err := t.decodeLeafEntries(ctx, n)
			t.cache.ReleaseFromRead(p)
			if err != nil {
				return nil, false, err
			}
			i := lowerBound(entries, key)
			if i < len(entries) && bytes.Equal(entries[i].key, key) {
				return append([]byte(nil), entries[i].val...), true, nil
			}
			return nil, false, nil
		}
		entries := decodeInternalEntries(n)
		child := n.getPtr(0)
		if len(entries) > 1 {
			child = lookupInternal(n, entries, key)
		}
		t.cache.ReleaseFromRead(p)
		idx = child
	}
}

// lowerBound returns the index of the first entry with key >= target.
func lowerBound(entries []leafEntry, key []byte) int {
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

// lookupInternal picks the child pointer to descend into for key. entries[0]
// carries no comparable key (it is the catch-all left child); entries[i>0]
// hold the separator that every key in child i must be >= to.
func lookupInternal(n node, entries []internalEntry, key []byte) uint64 {
	child := n.getPtr(0)
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i].key, key) > 0 {
			break
		}
		child = n.getPtr(uint16(i))
	}
	return child
}

// path records the internal nodes traversed on the way to a leaf, so a
// split can propagate separators back up without a second descent.
type pathEntry struct {
	index uint64
	pos   int // which child pointer (by position) was followed from this node
}

// Put inserts or updates key/val.
func (t *Tree) Put(ctx context.Context, key, val []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	t.lockExclusive()
	defer t.unlockExclusive()

	newCtx, err := t.txns.StartAtomicOperation(ctx)
	if err != nil {
		return err
	}

	rootIdx, err := t.rootIndex(newCtx)
	if err != nil {
		return t.abort(newCtx, err)
	}

	var path []pathEntry
	idx := rootIdx
	for {
		p, err := t.cache.LoadForRead(newCtx, t.fileID, idx)
		if err != nil {
			return t.abort(newCtx, err)
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			t.cache.ReleaseFromRead(p)
			break
		}
		entries := decodeInternalEntries(n)
		pos := 0
		child := n.getPtr(0)
		for i := 1; i < len(entries); i++ {
			if bytes.Compare(entries[i].key, key) > 0 {
				break
			}
			child = n.getPtr(uint16(i))
			pos = i
		}
		t.cache.ReleaseFromRead(p)
		path = append(path, pathEntry{index: idx, pos: pos})
		idx = child
	}

	leaf, err := t.cache.LoadForWrite(newCtx, t.fileID, idx)
	if err != nil {
		return t.abort(newCtx, err)
	}
	entries, err := t.decodeLeafEntries(newCtx, wrapNode(leaf))
	if err != nil {
		_ = t.cache.ReleaseFromWrite(leaf)
		return t.abort(newCtx, err)
	}
	entries = upsertLeafEntry(entries, key, val)

	if err := t.applyLeaf(newCtx, leaf, entries, path); err != nil {
		return t.abort(newCtx, err)
	}
	return t.txns.EndAtomicOperation(newCtx)
}

// applyLeaf rebuilds leaf from entries. If it fits in one page the rebuilt
// bytes are written back in place; otherwise the leaf splits and the new
// separator is propagated up path.
func (t *Tree) applyLeaf(ctx context.Context, leaf *page.Page, entries []leafEntry, path []pathEntry) error {
	data, fits, err := t.buildLeaf(ctx, entries, t.pageSize)
	if err != nil {
		return err
	}
	if fits {
		leaf.SetBytes(0, data)
		return t.commitPage(ctx, leaf)
	}
	if len(entries) < 2 {
		return ErrKeyTooLarge
	}

	left, right, sep := splitLeafEntries(entries)
	leftData, leftFits, err := t.buildLeaf(ctx, left, t.pageSize)
	if err != nil {
		return err
	}
	if !leftFits {
		return fmt.Errorf("prefixtree: leaf half still overflows page capacity")
	}
	leaf.SetBytes(0, leftData)
	if err := t.commitPage(ctx, leaf); err != nil {
		return err
	}

	rightPage, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		return err
	}
	rightData, rightFits, err := t.buildLeaf(ctx, right, t.pageSize)
	if err != nil {
		_ = t.cache.ReleaseFromWrite(rightPage)
		return err
	}
	if !rightFits {
		_ = t.cache.ReleaseFromWrite(rightPage)
		return fmt.Errorf("prefixtree: leaf half still overflows page capacity")
	}
	rightPage.SetBytes(0, rightData)
	rightIdx := rightPage.Index
	if err := t.commitPage(ctx, rightPage); err != nil {
		return err
	}

	return t.insertIntoParent(ctx, path, sep, rightIdx)
}

// insertIntoParent installs a new (separator, rightChild) pair into the
// parent named by the tail of path. If path is empty, the leaf being split
// was the root, and the tree grows a new internal root. Splitting an
// internal node recurses up path the same way.
func (t *Tree) insertIntoParent(ctx context.Context, path []pathEntry, sep []byte, rightChild uint64) error {
	if len(path) == 0 {
		return t.growRoot(ctx, sep, rightChild)
	}

	parentEntry := path[len(path)-1]
	rest := path[:len(path)-1]

	parent, err := t.cache.LoadForWrite(ctx, t.fileID, parentEntry.index)
	if err != nil {
		return err
	}
	n := wrapNode(parent)
	entries := decodeInternalEntries(n)
	entries = insertInternalEntry(entries, parentEntry.pos+1, sep, rightChild)

	data, fits := buildInternal(entries, t.pageSize)
	if fits {
		parent.SetBytes(0, data)
		return t.commitPage(ctx, parent)
	}

	left, right, promoted := splitInternalEntries(entries)
	leftData, leftFits := buildInternal(left, t.pageSize)
	if !leftFits {
		return fmt.Errorf("prefixtree: internal half still overflows page capacity")
	}
	parent.SetBytes(0, leftData)
	if err := t.commitPage(ctx, parent); err != nil {
		return err
	}

	rightPage, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		return err
	}
	rightData, rightFits := buildInternal(right, t.pageSize)
	if !rightFits {
		_ = t.cache.ReleaseFromWrite(rightPage)
		return fmt.Errorf("prefixtree: internal half still overflows page capacity")
	}
	rightPage.SetBytes(0, rightData)
	rightIdx := rightPage.Index
	if err := t.commitPage(ctx, rightPage); err != nil {
		return err
	}

	return t.insertIntoParent(ctx, rest, promoted, rightIdx)
}

// growRoot creates a new internal root pointing at the old root and the
// newly split-off right sibling, and rewrites the meta page to point at it.
func (t *Tree) growRoot(ctx context.Context, sep []byte, rightChild uint64) error {
	oldRootIdx, err := t.rootIndex(ctx)
	if err != nil {
		return err
	}

	newRoot, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		return err
	}
	entries := []internalEntry{
		{key: nil, ptr: oldRootIdx},
		{key: append([]byte(nil), sep...), ptr: rightChild},
	}
	data, fits := buildInternal(entries, t.pageSize)
	if !fits {
		_ = t.cache.ReleaseFromWrite(newRoot)
		return fmt.Errorf("prefixtree: two-entry root overflows page capacity")
	}
	newRoot.SetBytes(0, data)
	newRootIdx := newRoot.Index
	if err := t.commitPage(ctx, newRoot); err != nil {
		return err
	}

	return t.writeMetaRoot(ctx, newRootIdx)
}

func (t *Tree) writeMetaRoot(ctx context.Context, rootIdx uint64) error {
	meta, err := t.cache.LoadForWrite(ctx, t.fileID, metaPageIndex)
	if err != nil {
		return err
	}
	meta.SetUint64(0, rootIdx)
	return t.commitPage(ctx, meta)
}

// Clear empties the tree, re-initializing the root as a single empty leaf.
// Every existing node and overflow page becomes unreachable garbage
// rather than being reclaimed, the same space/simplicity tradeoff Remove
// already makes for individual entries.
func (t *Tree) Clear(ctx context.Context) error {
	t.lockExclusive()
	defer t.unlockExclusive()

	newCtx, err := t.txns.StartAtomicOperation(ctx)
	if err != nil {
		return err
	}

	root, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		return t.abort(newCtx, err)
	}
	rootNode := wrapNode(root)
	rootNode.setHeader(kindLeaf, 0)
	rootNode.setPrefix(nil)
	rootIdx := root.Index
	if err := t.commitPage(newCtx, root); err != nil {
		return t.abort(newCtx, err)
	}

	if err := t.writeMetaRoot(newCtx, rootIdx); err != nil {
		return t.abort(newCtx, err)
	}
	return t.txns.EndAtomicOperation(newCtx)
}

// FirstKey returns the tree's smallest key.
func (t *Tree) FirstKey(ctx context.Context) ([]byte, bool, error) {
	t.lockShared()
	defer t.unlockShared()

	c := t.NewCursor()
	ok, err := c.First(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return c.Key(), true, nil
}

// LastKey returns the tree's largest key.
func (t *Tree) LastKey(ctx context.Context) ([]byte, bool, error) {
	t.lockShared()
	defer t.unlockShared()

	c := t.NewCursor()
	ok, err := c.Last(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return c.Key(), true, nil
}

// Remove deletes key if present. Underflowing leaves and internal nodes are
// left as-is: this tree never merges or rebalances siblings after a
// deletion, trading a small amount of space amplification under
// delete-heavy workloads for a much simpler mutation path. A leaf or
// internal node only shrinks again the next time it is rebuilt by a split
// on the same key range.
func (t *Tree) Remove(ctx context.Context, key []byte) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	t.lockExclusive()
	defer t.unlockExclusive()

	newCtx, err := t.txns.StartAtomicOperation(ctx)
	if err != nil {
		return false, err
	}

	rootIdx, err := t.rootIndex(newCtx)
	if err != nil {
		return false, t.abort(newCtx, err)
	}

	idx := rootIdx
	for {
		p, err := t.cache.LoadForRead(newCtx, t.fileID, idx)
		if err != nil {
			return false, t.abort(newCtx, err)
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			t.cache.ReleaseFromRead(p)
			break
		}
		entries := decodeInternalEntries(n)
		child := lookupInternal(n, entries, key)
		t.cache.ReleaseFromRead(p)
		idx = child
	}

	leaf, err := t.cache.LoadForWrite(newCtx, t.fileID, idx)
	if err != nil {
		return false, t.abort(newCtx, err)
	}
	entries, err := t.decodeLeafEntries(newCtx, wrapNode(leaf))
	if err != nil {
		_ = t.cache.ReleaseFromWrite(leaf)
		return false, t.abort(newCtx, err)
	}
	entries, found := removeLeafEntry(entries, key)
	if !found {
		_ = t.cache.ReleaseFromWrite(leaf)
		return false, t.txns.EndAtomicOperation(newCtx)
	}

	data, fits, err := t.buildLeaf(newCtx, entries, t.pageSize)
	if err != nil {
		_ = t.cache.ReleaseFromWrite(leaf)
		return false, t.abort(newCtx, err)
	}
	if !fits {
		_ = t.cache.ReleaseFromWrite(leaf)
		return false, t.abort(newCtx, fmt.Errorf("prefixtree: shrinking leaf cannot overflow"))
	}
	leaf.SetBytes(0, data)
	if err := t.commitPage(newCtx, leaf); err != nil {
		return false, t.abort(newCtx, err)
	}
	return true, t.txns.EndAtomicOperation(newCtx)
}

func (t *Tree) abort(ctx context.Context, cause error) error {
	if abortErr := t.txns.AbortAtomicOperation(ctx); abortErr != nil {
		return fmt.Errorf("%w (abort also failed: %v)", cause, abortErr)
	}
	return cause
}
