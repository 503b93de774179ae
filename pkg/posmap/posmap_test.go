package posmap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nainya/treestore/pkg/pagecache"
	"github.com/nainya/treestore/pkg/txn"
	"github.com/nainya/treestore/pkg/wal"
)

const testPageSize = 128

func newTestMap(t *testing.T) (*Map, context.Context) {
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

	m, err := Create(context.Background(), cache, mgr, "pos.idx", testPageSize)
	if err != nil {
		t.Fatalf("create map: %v", err)
	}
	return m, context.Background()
}

func TestAddGetRoundTrip(t *testing.T) {
	m, ctx := newTestMap(t)

	idx, err := m.Add(ctx, 7, 42)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	e, ok, err := m.Get(ctx, idx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if e.Flag != Filled || e.PageIndex != 7 || e.RecordPosition != 42 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestAllocateThenSet(t *testing.T) {
	m, ctx := newTestMap(t)

	idx, err := m.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	status, err := m.GetStatus(ctx, idx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != Allocated {
		t.Fatalf("expected ALLOCATED, got %v", status)
	}
	if _, ok, err := m.Get(ctx, idx); err != nil || ok {
		t.Fatalf("expected allocated-but-not-filled slot to report absent, ok=%v err=%v", ok, err)
	}
	if err := m.Set(ctx, idx, 3, 9); err != nil {
		t.Fatalf("set: %v", err)
	}
	e, ok, err := m.Get(ctx, idx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Flag != Filled || e.PageIndex != 3 || e.RecordPosition != 9 {
		t.Fatalf("unexpected entry after set: %+v ok=%v", e, ok)
	}
}

func TestSetOnRemovedIsError(t *testing.T) {
	m, ctx := newTestMap(t)

	idx, err := m.Add(ctx, 1, 1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Remove(ctx, idx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Set(ctx, idx, 2, 2); err == nil {
		t.Fatalf("expected Set on removed entry to fail")
	}
}

func TestRemoveOnNonFilledIsNoop(t *testing.T) {
	m, ctx := newTestMap(t)

	idx, err := m.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Remove(ctx, idx); err != nil {
		t.Fatalf("remove on allocated should be a no-op, not an error: %v", err)
	}
	status, err := m.GetStatus(ctx, idx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != Allocated {
		t.Fatalf("expected status to remain ALLOCATED, got %v", status)
	}
}

func TestResurrectRestoresRemovedEntry(t *testing.T) {
	m, ctx := newTestMap(t)

	idx, err := m.Add(ctx, 5, 5)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Remove(ctx, idx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Resurrect(ctx, idx, 6, 6); err != nil {
		t.Fatalf("resurrect: %v", err)
	}
	e, ok, err := m.Get(ctx, idx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Flag != Filled || e.PageIndex != 6 || e.RecordPosition != 6 {
		t.Fatalf("unexpected entry after resurrect: %+v ok=%v", e, ok)
	}
}

func TestResurrectOnNonRemovedIsError(t *testing.T) {
	m, ctx := newTestMap(t)

	idx, err := m.Add(ctx, 1, 1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Resurrect(ctx, idx, 2, 2); err == nil {
		t.Fatalf("expected resurrect on a filled entry to fail")
	}
}

func TestExistsAndOutOfRange(t *testing.T) {
	m, ctx := newTestMap(t)

	ok, err := m.Exists(ctx, 999)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected out-of-range index to not exist")
	}
	status, err := m.GetStatus(ctx, 999)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != NotExistent {
		t.Fatalf("expected NOT_EXISTENT, got %v", status)
	}
}

func TestIsFullAcrossBucketBoundary(t *testing.T) {
	m, ctx := newTestMap(t)

	bucketCap := MaxEntries(testPageSize)
	for i := 0; i < bucketCap; i++ {
		if _, err := m.Add(ctx, uint64(i), uint64(i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	full, err := m.IsFull(ctx)
	if err != nil {
		t.Fatalf("isFull: %v", err)
	}
	if !full {
		t.Fatalf("expected map to report full after filling one bucket exactly")
	}

	idx, err := m.Add(ctx, 999, 999)
	if err != nil {
		t.Fatalf("add across bucket boundary: %v", err)
	}
	if idx != uint64(bucketCap) {
		t.Fatalf("expected next index %d, got %d", bucketCap, idx)
	}
	e, ok, err := m.Get(ctx, idx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.PageIndex != 999 {
		t.Fatalf("unexpected entry spilled into second bucket: %+v ok=%v", e, ok)
	}
}

func TestSizeTracksAppendsIncludingRemoved(t *testing.T) {
	m, ctx := newTestMap(t)

	for i := 0; i < 5; i++ {
		if _, err := m.Add(ctx, uint64(i), uint64(i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := m.Remove(ctx, 2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	size, err := m.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 5 {
		t.Fatalf("expected size 5 (removal does not shrink it), got %d", size)
	}
}
