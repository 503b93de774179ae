package prefixtree

import (
	"bytes"
	"context"
	"sort"

	"github.com/nainya/treestore/pkg/page"
)

type leafEntry struct {
	key []byte
	val []byte
}

type internalEntry struct {
	key []byte
	ptr uint64
}

// decodeLeafEntries reads every entry out of n, resolving any
// value-overflow chain to its full value so every other call site can
// treat leafEntry.val as the complete logical value.
func (t *Tree) decodeLeafEntries(ctx context.Context, n node) ([]leafEntry, error) {
	out := make([]leafEntry, n.nkeys())
	for i := uint16(0); i < n.nkeys(); i++ {
		key := n.leafKey(i)
		payload := n.leafVal(i)
		if n.leafFlag(i) == valOverflow {
			val, err := t.readOverflowChain(ctx, decodeOverflowHead(payload))
			if err != nil {
				return nil, err
			}
			out[i] = leafEntry{key: key, val: val}
			continue
		}
		out[i] = leafEntry{key: key, val: append([]byte(nil), payload...)}
	}
	return out, nil
}

func decodeInternalEntries(n node) []internalEntry {
	out := make([]internalEntry, n.nkeys())
	for i := uint16(0); i < n.nkeys(); i++ {
		out[i] = internalEntry{
			key: append([]byte(nil), n.internalKey(i)...),
			ptr: n.getPtr(i),
		}
	}
	return out
}

// upsertLeafEntry inserts key/val in sorted position, or replaces the
// value if key is already present.
func upsertLeafEntry(entries []leafEntry, key, val []byte) []leafEntry {
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if i < len(entries) && bytes.Equal(entries[i].key, key) {
		out := append([]leafEntry(nil), entries...)
		out[i].val = append([]byte(nil), val...)
		return out
	}
	out := make([]leafEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, leafEntry{key: append([]byte(nil), key...), val: append([]byte(nil), val...)})
	out = append(out, entries[i:]...)
	return out
}

// removeLeafEntry removes key if present, reporting whether it was found.
func removeLeafEntry(entries []leafEntry, key []byte) ([]leafEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if i >= len(entries) || !bytes.Equal(entries[i].key, key) {
		return entries, false
	}
	out := make([]leafEntry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	out = append(out, entries[i+1:]...)
	return out, true
}

func insertInternalEntry(entries []internalEntry, pos int, key []byte, ptr uint64) []internalEntry {
	out := make([]internalEntry, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, internalEntry{key: key, ptr: ptr})
	out = append(out, entries[pos:]...)
	return out
}

// buildLeaf writes entries into a scratch page large enough to always hold
// them, and reports whether the resulting node fits within capacity bytes.
// Any value longer than t.maxEmbeddedValueSize is spilled to a
// value-overflow chain (see overflow.go) and only its head pointer is
// stored in the node. Callers split the node when the reported fit is
// false.
func (t *Tree) buildLeaf(ctx context.Context, entries []leafEntry, capacity int) ([]byte, bool, error) {
	scratch := page.New(0, 0, scratchSize(entries, capacity))
	n := wrapNode(scratch)

	if len(entries) == 0 {
		n.setHeader(kindLeaf, 0)
		n.setPrefix(nil)
		return scratch.Bytes()[:n.nbytes()], n.nbytes() <= capacity, nil
	}

	pfx := longestCommonPrefix(entries[0].key, entries[len(entries)-1].key)
	n.setHeader(kindLeaf, uint16(len(entries)))
	n.setPrefix(pfx)
	for i, e := range entries {
		flag, payload := byte(valInline), e.val
		if t.maxEmbeddedValueSize > 0 && len(e.val) > t.maxEmbeddedValueSize {
			head, err := t.writeOverflowChain(ctx, e.val)
			if err != nil {
				return nil, false, err
			}
			flag, payload = valOverflow, encodeOverflowHead(head)
		}
		n.appendLeafEntry(uint16(i), e.key[len(pfx):], flag, payload)
	}
	data := scratch.Bytes()[:n.nbytes()]
	return data, n.nbytes() <= capacity, nil
}

func buildInternal(entries []internalEntry, capacity int) ([]byte, bool) {
	scratch := page.New(0, 0, scratchSize2(entries, capacity))
	n := wrapNode(scratch)
	n.setHeader(kindInternal, uint16(len(entries)))
	for i, e := range entries {
		n.appendInternalEntry(uint16(i), e.ptr, e.key)
	}
	data := scratch.Bytes()[:n.nbytes()]
	return data, n.nbytes() <= capacity
}

func scratchSize(entries []leafEntry, capacity int) int {
	total := nodeHeader
	for _, e := range entries {
		total += leafEntrySize(e.key, e.val) + 2
	}
	if total < capacity*2 {
		total = capacity * 2
	}
	return total + 4096
}

func scratchSize2(entries []internalEntry, capacity int) int {
	total := nodeHeader
	for _, e := range entries {
		total += 8 + 2 + len(e.key) + 2
	}
	if total < capacity*2 {
		total = capacity * 2
	}
	return total + 4096
}

func longestCommonPrefix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return append([]byte(nil), a[:i]...)
}

// shortestSeparator returns the shortest key s such that a < s <= b, given
// a < b. It is the classic B+-tree split separator: one byte past the
// shared prefix of the two boundary keys.
func shortestSeparator(a, b []byte) []byte {
	cp := longestCommonPrefix(a, b)
	if len(cp) >= len(b) {
		return append([]byte(nil), b...)
	}
	return append([]byte(nil), b[:len(cp)+1]...)
}
