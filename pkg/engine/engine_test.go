package engine

import (
	"context"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir, Config{PageSize: 512, CacheCapacity: 64})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineOpenClose(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}

func TestEngineCreatesPrefixTree(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tr, err := e.CreatePrefixTree(ctx, "keys.idx")
	if err != nil {
		t.Fatalf("create prefix tree: %v", err)
	}
	if err := tr.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "1" {
		t.Fatalf("expected a=1, got %q ok=%v", val, ok)
	}
}

func TestEngineCreatesBonsaiTree(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	fileID, err := e.CreateBonsaiFile(ctx, "bonsai.bon", 128)
	if err != nil {
		t.Fatalf("create bonsai file: %v", err)
	}
	tr, err := e.CreateBonsaiTree(ctx, fileID, 128)
	if err != nil {
		t.Fatalf("create bonsai tree: %v", err)
	}
	if err := tr.Put(ctx, []byte("x"), []byte("y")); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "y" {
		t.Fatalf("expected x=y, got %q ok=%v", val, ok)
	}
}

func TestEngineCreatesHashDirectory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	d, err := e.CreateHashDirectory(ctx, "hash.dir")
	if err != nil {
		t.Fatalf("create hash directory: %v", err)
	}
	idx, err := d.AddNode(ctx, 1)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := d.SetBucketPtr(ctx, idx, 0, 42); err != nil {
		t.Fatalf("set bucket ptr: %v", err)
	}
	v, err := d.GetBucketPtr(ctx, idx, 0)
	if err != nil {
		t.Fatalf("get bucket ptr: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEngineCreatesPositionMap(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m, err := e.CreatePositionMap(ctx, "pos.map")
	if err != nil {
		t.Fatalf("create position map: %v", err)
	}
	idx, err := m.Add(ctx, 3, 7)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	entry, ok, err := m.Get(ctx, idx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || entry.PageIndex != 3 || entry.RecordPosition != 7 {
		t.Fatalf("unexpected entry: %+v ok=%v", entry, ok)
	}
}

func TestEngineReopenRecoversTree(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{PageSize: 512, CacheCapacity: 64}
	ctx := context.Background()

	e1, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tr, err := e1.CreatePrefixTree(ctx, "keys.idx")
	if err != nil {
		t.Fatalf("create prefix tree: %v", err)
	}
	fileID := tr.FileID()
	if err := tr.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { e2.Close() })

	tr2, err := e2.OpenPrefixTree(fileID, "keys.idx")
	if err != nil {
		t.Fatalf("open prefix tree: %v", err)
	}
	val, ok, err := tr2.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("expected k=v to survive reopen, got %q ok=%v", val, ok)
	}
}
