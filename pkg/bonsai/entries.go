package bonsai

import (
	"bytes"
	"sort"

	"github.com/nainya/treestore/pkg/page"
)

type leafEntry struct {
	key []byte
	val []byte
}

type internalEntry struct {
	key []byte
	ptr Ptr
}

func decodeLeafEntries(b bucket) []leafEntry {
	out := make([]leafEntry, b.nkeys())
	for i := uint16(0); i < b.nkeys(); i++ {
		out[i] = leafEntry{
			key: append([]byte(nil), b.key(i)...),
			val: append([]byte(nil), b.val(i)...),
		}
	}
	return out
}

func decodeInternalEntries(b bucket) []internalEntry {
	out := make([]internalEntry, b.nkeys())
	for i := uint16(0); i < b.nkeys(); i++ {
		out[i] = internalEntry{
			key: append([]byte(nil), b.key(i)...),
			ptr: b.childPtr(i),
		}
	}
	return out
}

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

func insertInternalEntry(entries []internalEntry, pos int, key []byte, ptr Ptr) []internalEntry {
	out := make([]internalEntry, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, internalEntry{key: key, ptr: ptr})
	out = append(out, entries[pos:]...)
	return out
}

// buildLeaf serializes entries into a scratch page large enough to always
// hold them, reporting whether the result fits within capacity bytes (the
// bucket's fixed byte budget). Sibling pointers are left at the caller to
// set after the build, since they are not part of entries.
func buildLeaf(entries []leafEntry, capacity int) ([]byte, bool) {
	scratch := page.New(0, 0, scratchSize(entries, capacity))
	b := wrapBucket(scratch, 0)
	b.init(true)
	b.setNkeys(uint16(len(entries)))
	for i, e := range entries {
		b.appendLeafEntry(uint16(i), e.key, e.val)
	}
	data := scratch.Bytes()[:b.nbytes()]
	return data, b.nbytes() <= capacity
}

func buildInternal(entries []internalEntry, capacity int) ([]byte, bool) {
	scratch := page.New(0, 0, scratchSize2(entries, capacity))
	b := wrapBucket(scratch, 0)
	b.init(false)
	b.setNkeys(uint16(len(entries)))
	for i, e := range entries {
		b.appendInternalEntry(uint16(i), e.ptr, e.key)
	}
	data := scratch.Bytes()[:b.nbytes()]
	return data, b.nbytes() <= capacity
}

func scratchSize(entries []leafEntry, capacity int) int {
	total := bucketHeader
	for _, e := range entries {
		total += leafEntrySize(e.key, e.val) + 2
	}
	if total < capacity*2 {
		total = capacity * 2
	}
	return total + 1024
}

func scratchSize2(entries []internalEntry, capacity int) int {
	total := bucketHeader
	for _, e := range entries {
		total += 8 + internalEntrySize(e.key) + 2
	}
	if total < capacity*2 {
		total = capacity * 2
	}
	return total + 1024
}

// minSeparationKey returns the shortest prefix of b that is strictly
// greater than a, given a < b (or b itself if a is a prefix of b).
func minSeparationKey(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	if i >= len(b) {
		return append([]byte(nil), b...)
	}
	return append([]byte(nil), b[:i+1]...)
}

func splitLeafEntries(entries []leafEntry) (left, right []leafEntry, sep []byte) {
	mid := len(entries) / 2
	left = entries[:mid]
	right = entries[mid:]
	sep = minSeparationKey(left[len(left)-1].key, right[0].key)
	return
}

func splitInternalEntries(entries []internalEntry) (left, right []internalEntry, sep []byte) {
	mid := len(entries) / 2
	left = entries[:mid]
	sep = append([]byte(nil), entries[mid].key...)
	right = make([]internalEntry, len(entries)-mid)
	copy(right, entries[mid:])
	right[0].key = nil
	return left, right, sep
}
