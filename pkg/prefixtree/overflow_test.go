package prefixtree

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/nainya/treestore/pkg/pagecache"
	"github.com/nainya/treestore/pkg/txn"
	"github.com/nainya/treestore/pkg/wal"
)

// newOverflowTestTree is like newTestTree but with a small, explicit
// maxEmbeddedValueSize so tests can exercise the overflow-chain path with
// small inputs.
func newOverflowTestTree(t *testing.T, maxEmbeddedValueSize int) (*Tree, context.Context) {
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

	tr, err := Create(context.Background(), cache, mgr, "keys.idx", testPageSize, maxEmbeddedValueSize)
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	return tr, context.Background()
}

func TestPutGetSmallValueStaysInline(t *testing.T) {
	tr, ctx := newOverflowTestTree(t, 32)

	if err := tr.Put(ctx, []byte("k"), []byte("short")); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if string(val) != "short" {
		t.Fatalf("expected short, got %q", val)
	}
}

func TestPutGetLargeValueOverflows(t *testing.T) {
	tr, ctx := newOverflowTestTree(t, 32)

	big := bytes.Repeat([]byte("x"), 200)
	if err := tr.Put(ctx, []byte("k"), big); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if !bytes.Equal(val, big) {
		t.Fatalf("round-tripped value mismatch: got %d bytes, want %d", len(val), len(big))
	}
}

func TestPutGetLargeValueSpansMultipleOverflowPages(t *testing.T) {
	tr, ctx := newOverflowTestTree(t, 32)

	// testPageSize is 512 and overflowHeader is 12, so a value several
	// times larger than one page's payload capacity forces a multi-page
	// chain.
	big := bytes.Repeat([]byte("abcdefgh"), 300) // 2400 bytes
	if err := tr.Put(ctx, []byte("k"), big); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if !bytes.Equal(val, big) {
		t.Fatalf("round-tripped value mismatch: got %d bytes, want %d", len(val), len(big))
	}
}

func TestPutMixedInlineAndOverflowInSameLeaf(t *testing.T) {
	tr, ctx := newOverflowTestTree(t, 32)

	big := bytes.Repeat([]byte("y"), 150)
	if err := tr.Put(ctx, []byte("a-small"), []byte("tiny")); err != nil {
		t.Fatalf("put small: %v", err)
	}
	if err := tr.Put(ctx, []byte("b-large"), big); err != nil {
		t.Fatalf("put large: %v", err)
	}
	if err := tr.Put(ctx, []byte("c-small"), []byte("also-tiny")); err != nil {
		t.Fatalf("put small: %v", err)
	}

	val, ok, err := tr.Get(ctx, []byte("a-small"))
	if err != nil || !ok || string(val) != "tiny" {
		t.Fatalf("a-small: val=%q ok=%v err=%v", val, ok, err)
	}
	val, ok, err = tr.Get(ctx, []byte("b-large"))
	if err != nil || !ok || !bytes.Equal(val, big) {
		t.Fatalf("b-large: mismatch ok=%v err=%v", ok, err)
	}
	val, ok, err = tr.Get(ctx, []byte("c-small"))
	if err != nil || !ok || string(val) != "also-tiny" {
		t.Fatalf("c-small: val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestOverflowValueSurvivesUpdate(t *testing.T) {
	tr, ctx := newOverflowTestTree(t, 32)

	first := bytes.Repeat([]byte("1"), 100)
	second := bytes.Repeat([]byte("2"), 250)
	if err := tr.Put(ctx, []byte("k"), first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := tr.Put(ctx, []byte("k"), second); err != nil {
		t.Fatalf("put second: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if !bytes.Equal(val, second) {
		t.Fatalf("expected updated value, got %d bytes", len(val))
	}
}

func TestOverflowValueRemoved(t *testing.T) {
	tr, ctx := newOverflowTestTree(t, 32)

	big := bytes.Repeat([]byte("z"), 200)
	if err := tr.Put(ctx, []byte("k"), big); err != nil {
		t.Fatalf("put: %v", err)
	}
	removed, err := tr.Remove(ctx, []byte("k"))
	if err != nil || !removed {
		t.Fatalf("remove: err=%v removed=%v", err, removed)
	}
	_, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone after remove")
	}
}
