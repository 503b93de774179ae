package prefixtree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nainya/treestore/pkg/pagecache"
	"github.com/nainya/treestore/pkg/txn"
	"github.com/nainya/treestore/pkg/wal"
)

const testPageSize = 512

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

	tr, err := Create(context.Background(), cache, mgr, "keys.idx", testPageSize, 0)
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	return tr, context.Background()
}

func TestPutGetRoundTrip(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("apple"), []byte("red")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tr.Put(ctx, []byte("banana"), []byte("yellow")); err != nil {
		t.Fatalf("put: %v", err)
	}

	val, ok, err := tr.Get(ctx, []byte("apple"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "red" {
		t.Fatalf("expected apple=red, got %q ok=%v", val, ok)
	}

	_, ok, err = tr.Get(ctx, []byte("cherry"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected cherry to be absent")
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tr.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("put: %v", err)
	}

	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if string(val) != "v2" {
		t.Fatalf("expected v2, got %q", val)
	}
}

func TestPutEmptyKeyRejected(t *testing.T) {
	tr, ctx := newTestTree(t)
	if err := tr.Put(ctx, nil, []byte("v")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestRemove(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	found, err := tr.Remove(ctx, []byte("k1"))
	if err != nil || !found {
		t.Fatalf("remove: %v found=%v", err, found)
	}

	_, ok, err := tr.Get(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected k1 to be gone")
	}

	found, err = tr.Remove(ctx, []byte("missing"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if found {
		t.Fatal("expected missing key to not be found")
	}
}

// TestSplitAcrossManyKeys forces enough leaf splits to exercise root growth
// and the shortest-distinguishing-prefix separator, matching all keys back
// against a reference map afterward.
func TestSplitAcrossManyKeys(t *testing.T) {
	tr, ctx := newTestTree(t)

	ref := map[string]string{}
	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		val := fmt.Sprintf("val-%05d", i)
		if err := tr.Put(ctx, []byte(key), []byte(val)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
		ref[key] = val
	}

	for key, want := range ref {
		got, ok, err := tr.Get(ctx, []byte(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !ok {
			t.Fatalf("key %s missing after inserts", key)
		}
		if string(got) != want {
			t.Fatalf("key %s: got %q want %q", key, got, want)
		}
	}
}

func TestPrefixCompressionSharesCommonPrefix(t *testing.T) {
	tr, ctx := newTestTree(t)

	keys := []string{"user:1001:name", "user:1001:email", "user:1002:name"}
	for _, k := range keys {
		if err := tr.Put(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	for _, k := range keys {
		_, ok, err := tr.Get(ctx, []byte(k))
		if err != nil || !ok {
			t.Fatalf("get %s: err=%v ok=%v", k, err, ok)
		}
	}

	rootIdx, err := tr.rootIndex(ctx)
	if err != nil {
		t.Fatalf("root index: %v", err)
	}
	p, err := tr.cache.LoadForRead(ctx, tr.fileID, rootIdx)
	if err != nil {
		t.Fatalf("load root: %v", err)
	}
	defer tr.cache.ReleaseFromRead(p)
	n := wrapNode(p)
	if n.kind() != kindLeaf {
		t.Skip("root split into internal node, prefix check not meaningful here")
	}
	if len(n.prefix()) == 0 {
		t.Fatal("expected a non-empty shared prefix for keys sharing \"user:100\"")
	}
}

func TestCursorScanAscending(t *testing.T) {
	tr, ctx := newTestTree(t)

	want := []string{"a", "b", "c", "d", "e"}
	for _, k := range want {
		if err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var got []string
	err := tr.Scan(ctx, nil, nil, func(key, val []byte) bool {
		got = append(got, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCursorPrevWalksBackward(t *testing.T) {
	tr, ctx := newTestTree(t)

	for _, k := range []string{"a", "b", "c"} {
		if err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	c := tr.NewCursor()
	ok, err := c.Last(ctx)
	if err != nil || !ok {
		t.Fatalf("last: err=%v ok=%v", err, ok)
	}
	if string(c.Key()) != "c" {
		t.Fatalf("expected c, got %s", c.Key())
	}

	ok, err = c.Prev(ctx)
	if err != nil || !ok {
		t.Fatalf("prev: err=%v ok=%v", err, ok)
	}
	if string(c.Key()) != "b" {
		t.Fatalf("expected b, got %s", c.Key())
	}
}

func TestKeyCodecOrderPreserving(t *testing.T) {
	a := EncodeValues(Uint64Value(10), BytesValue([]byte("x")))
	b := EncodeValues(Uint64Value(20), BytesValue([]byte("a")))
	if string(a) >= string(b) {
		t.Fatalf("expected a < b lexicographically, got a=%x b=%x", a, b)
	}

	vals, err := DecodeValues(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vals) != 2 || vals[0].U64 != 10 || string(vals[1].Str) != "x" {
		t.Fatalf("unexpected decode result: %+v", vals)
	}
}

func TestKeyCodecBytesValueWithEmbeddedNullAndFF(t *testing.T) {
	raw := []byte{0x00, 'A', 0xFF, 'B', 0x00}
	encoded := EncodeValues(BytesValue(raw), Int64Value(-7))

	vals, err := DecodeValues(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("expected 2 values, got %d", len(vals))
	}
	if string(vals[0].Str) != string(raw) {
		t.Fatalf("expected bytes value %x to survive round trip, got %x", raw, vals[0].Str)
	}
	if vals[1].I64 != -7 {
		t.Fatalf("expected trailing int64 -7 to decode correctly, got %d", vals[1].I64)
	}
}
