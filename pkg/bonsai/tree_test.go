package bonsai

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nainya/treestore/pkg/pagecache"
	"github.com/nainya/treestore/pkg/txn"
	"github.com/nainya/treestore/pkg/wal"
)

const (
	testPageSize = 512
	testSlotSize = 128
)

func newTestTree(t *testing.T) (*Tree, context.Context) {
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
	engine := NewEngine(cache, mgr)

	fileID, err := engine.CreateFile(context.Background(), "tree.bon", testPageSize, testSlotSize)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	tr, err := CreateTree(context.Background(), engine, fileID, testPageSize, testSlotSize)
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	return tr, context.Background()
}

func TestPutGetRoundTrip(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("alpha"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "1" {
		t.Fatalf("expected alpha=1, got %q ok=%v", val, ok)
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := tr.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "v2" {
		t.Fatalf("expected v2, got %q", val)
	}
	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("overwrite should not grow size, got %d", size)
	}
}

func TestPutEmptyKeyRejected(t *testing.T) {
	tr, ctx := newTestTree(t)
	if err := tr.Put(ctx, nil, []byte("x")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestRemove(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	removed, err := tr.Remove(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatalf("expected key to be removed")
	}
	_, ok, err := tr.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("key should be gone after remove")
	}

	removedAgain, err := tr.Remove(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("remove again: %v", err)
	}
	if removedAgain {
		t.Fatalf("removing an absent key should report false")
	}
}

func TestSplitAcrossManyKeys(t *testing.T) {
	tr, ctx := newTestTree(t)

	ref := make(map[string]string)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key-%04d", i)
		val := fmt.Sprintf("val-%04d", i)
		if err := tr.Put(ctx, []byte(key), []byte(val)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
		ref[key] = val
	}

	for key, val := range ref {
		got, ok, err := tr.Get(ctx, []byte(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !ok || string(got) != val {
			t.Fatalf("key %s: expected %q, got %q ok=%v", key, val, got, ok)
		}
	}

	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != uint64(len(ref)) {
		t.Fatalf("expected size %d, got %d", len(ref), size)
	}
}

func TestGetValuesBetweenWalksSiblingChain(t *testing.T) {
	tr, ctx := newTestTree(t)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if err := tr.Put(ctx, []byte(key), []byte(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	var got []string
	err := tr.GetValuesBetween(ctx, []byte("key-020"), []byte("key-030"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("GetValuesBetween: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 keys in [key-020, key-030), got %d: %v", len(got), got)
	}
	for i, k := range got {
		want := fmt.Sprintf("key-%03d", 20+i)
		if k != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, k)
		}
	}
}

func TestGetValuesMinorAndMajor(t *testing.T) {
	tr, ctx := newTestTree(t)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if err := tr.Put(ctx, []byte(key), []byte(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	var minor []string
	if err := tr.GetValuesMinor(ctx, []byte("key-010"), false, func(k, v []byte) bool {
		minor = append(minor, string(k))
		return true
	}); err != nil {
		t.Fatalf("GetValuesMinor: %v", err)
	}
	if len(minor) != 10 {
		t.Fatalf("expected 10 keys strictly below key-010, got %d", len(minor))
	}

	var major []string
	if err := tr.GetValuesMajor(ctx, []byte("key-040"), true, func(k, v []byte) bool {
		major = append(major, string(k))
		return true
	}); err != nil {
		t.Fatalf("GetValuesMajor: %v", err)
	}
	if len(major) != 10 {
		t.Fatalf("expected 10 keys >= key-040, got %d", len(major))
	}
	if major[0] != "key-040" {
		t.Fatalf("inclusive major scan should start at key-040, got %s", major[0])
	}
}

func TestFirstAndLastKey(t *testing.T) {
	tr, ctx := newTestTree(t)

	for _, k := range []string{"m", "a", "z", "c"} {
		if err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	first, ok, err := tr.FirstKey(ctx)
	if err != nil || !ok {
		t.Fatalf("FirstKey: %v ok=%v", err, ok)
	}
	if string(first) != "a" {
		t.Fatalf("expected first key a, got %s", first)
	}
	last, ok, err := tr.LastKey(ctx)
	if err != nil || !ok {
		t.Fatalf("LastKey: %v ok=%v", err, ok)
	}
	if string(last) != "z" {
		t.Fatalf("expected last key z, got %s", last)
	}
}

func TestClearReclaimsBucketsAndResetsSize(t *testing.T) {
	tr, ctx := newTestTree(t)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if err := tr.Put(ctx, []byte(key), []byte(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	lenBefore, err := t0FreeListLength(tr)
	if err != nil {
		t.Fatalf("free list length before clear: %v", err)
	}

	if err := tr.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected size 0 after clear, got %d", size)
	}
	_, ok, err := tr.Get(ctx, []byte("key-050"))
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if ok {
		t.Fatalf("expected no keys to survive clear")
	}

	lenAfter, err := t0FreeListLength(tr)
	if err != nil {
		t.Fatalf("free list length after clear: %v", err)
	}
	if lenAfter <= lenBefore {
		t.Fatalf("expected clear to grow the free list: before=%d after=%d", lenBefore, lenAfter)
	}

	if err := tr.Put(ctx, []byte("reborn"), []byte("yes")); err != nil {
		t.Fatalf("put after clear: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("reborn"))
	if err != nil || !ok || string(val) != "yes" {
		t.Fatalf("expected reborn=yes after clear, got %q ok=%v err=%v", val, ok, err)
	}
}

func t0FreeListLength(tr *Tree) (uint64, error) {
	return tr.alloc.freeListLength(context.Background())
}

func TestKeyCodecIndependentOrdering(t *testing.T) {
	tr, ctx := newTestTree(t)

	keys := []string{"banana", "apple", "cherry"}
	for _, k := range keys {
		if err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	first, _, err := tr.FirstKey(ctx)
	if err != nil {
		t.Fatalf("FirstKey: %v", err)
	}
	if !bytes.Equal(first, []byte("apple")) {
		t.Fatalf("expected apple to sort first, got %s", first)
	}
}
