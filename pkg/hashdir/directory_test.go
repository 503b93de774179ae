package hashdir

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nainya/treestore/pkg/pagecache"
	"github.com/nainya/treestore/pkg/txn"
	"github.com/nainya/treestore/pkg/wal"
)

const testPageSize = 256

func newTestDirectory(t *testing.T) (*Directory, context.Context) {
	t.Helper()
	dir := t.TempDir()

	w := &wal.WAL{Path: filepath.Join(dir, "test.wal")}
	if err := w.Open(); err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	cache := pagecache.NewCache(dir, testPageSize, 64, w)
	t.Cleanup(func() { cache.Close() })

	mgr := txn.NewManager(w, cache)

	d, err := Create(context.Background(), cache, mgr, "dir.idx", testPageSize)
	if err != nil {
		t.Fatalf("create directory: %v", err)
	}
	return d, context.Background()
}

func TestDirectoryStartsEmpty(t *testing.T) {
	d, ctx := newTestDirectory(t)
	size, err := d.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected 0, got %d", size)
	}
	count, err := d.nodeCount(ctx)
	if err != nil {
		t.Fatalf("nodeCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 nodes, got %d", count)
	}
}

func TestAddNodeAndBucketPtrRoundTrip(t *testing.T) {
	d, ctx := newTestDirectory(t)

	idx, err := d.AddNode(ctx, 1)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	for slot := 0; slot < LevelSize; slot++ {
		if err := d.SetBucketPtr(ctx, idx, slot, uint64(100+slot)); err != nil {
			t.Fatalf("set bucket ptr %d: %v", slot, err)
		}
	}
	for slot := 0; slot < LevelSize; slot++ {
		v, err := d.GetBucketPtr(ctx, idx, slot)
		if err != nil {
			t.Fatalf("get bucket ptr %d: %v", slot, err)
		}
		if v != uint64(100+slot) {
			t.Fatalf("slot %d: expected %d, got %d", slot, 100+slot, v)
		}
	}

	if err := d.SetNodeDepths(ctx, idx, 3, 4, 5); err != nil {
		t.Fatalf("set depths: %v", err)
	}
	left, right, local, err := d.NodeDepths(ctx, idx)
	if err != nil {
		t.Fatalf("node depths: %v", err)
	}
	if left != 3 || right != 4 || local != 5 {
		t.Fatalf("unexpected depths: %d %d %d", left, right, local)
	}
}

func TestAddNodeAllocatesAcrossPages(t *testing.T) {
	d, ctx := newTestDirectory(t)

	firstPageCap := nodesPerPage(testPageSize, true)
	total := firstPageCap*2 + 3
	indices := make([]uint64, 0, total)
	for i := 0; i < total; i++ {
		idx, err := d.AddNode(ctx, byte(i%256))
		if err != nil {
			t.Fatalf("add node %d: %v", i, err)
		}
		indices = append(indices, idx)
	}
	for i, idx := range indices {
		if err := d.SetBucketPtr(ctx, idx, 0, uint64(i)+1); err != nil {
			t.Fatalf("set bucket ptr for node %d: %v", idx, err)
		}
	}
	for i, idx := range indices {
		v, err := d.GetBucketPtr(ctx, idx, 0)
		if err != nil {
			t.Fatalf("get bucket ptr for node %d: %v", idx, err)
		}
		if v != uint64(i)+1 {
			t.Fatalf("node %d: expected %d, got %d", idx, i+1, v)
		}
	}
}

func TestDeleteNodeRecyclesSlot(t *testing.T) {
	d, ctx := newTestDirectory(t)

	a, err := d.AddNode(ctx, 1)
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	b, err := d.AddNode(ctx, 2)
	if err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := d.DeleteNode(ctx, a); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if err := d.DeleteNode(ctx, b); err != nil {
		t.Fatalf("delete b: %v", err)
	}

	countBefore, err := d.nodeCount(ctx)
	if err != nil {
		t.Fatalf("node count: %v", err)
	}

	reused, err := d.AddNode(ctx, 9)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if reused != b {
		t.Fatalf("expected LIFO reuse of %d, got %d", b, reused)
	}

	reused2, err := d.AddNode(ctx, 9)
	if err != nil {
		t.Fatalf("re-add 2: %v", err)
	}
	if reused2 != a {
		t.Fatalf("expected LIFO reuse of %d, got %d", a, reused2)
	}

	countAfter, err := d.nodeCount(ctx)
	if err != nil {
		t.Fatalf("node count after: %v", err)
	}
	if countAfter != countBefore {
		t.Fatalf("reusing tombstoned slots should not grow node count: before=%d after=%d", countBefore, countAfter)
	}
}

func TestGetBucketPtrRejectsOutOfRangeSlot(t *testing.T) {
	d, ctx := newTestDirectory(t)
	idx, err := d.AddNode(ctx, 0)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := d.GetBucketPtr(ctx, idx, LevelSize); err == nil {
		t.Fatalf("expected error for out-of-range slot")
	}
	if _, err := d.GetBucketPtr(ctx, idx, -1); err == nil {
		t.Fatalf("expected error for negative slot")
	}
}

func TestNodeLocationFirstPageSpecialCase(t *testing.T) {
	pageSize := 272
	firstCap := nodesPerPage(pageSize, true)
	overflowCap := nodesPerPage(pageSize, false)
	if firstCap >= overflowCap {
		t.Fatalf("expected the first page to hold fewer nodes than an overflow page: first=%d overflow=%d", firstCap, overflowCap)
	}

	pageIdx, off := nodeLocation(0, pageSize)
	if pageIdx != 0 || off != firstPageHeader {
		t.Fatalf("node 0 should sit right after the first-page header: got page=%d off=%d", pageIdx, off)
	}

	pageIdx, off = nodeLocation(uint64(firstCap), pageSize)
	if pageIdx != 1 || off != 0 {
		t.Fatalf("first overflow node should start at page 1 offset 0: got page=%d off=%d", pageIdx, off)
	}
}
