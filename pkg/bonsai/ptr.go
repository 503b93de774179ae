// Package bonsai implements the Bonsai B-Tree: many small B-trees sharing
// one file via fixed-byte-budget sub-page buckets, a sys-bucket free list,
// and a per-file exclusive/shared lock for structural operations.
package bonsai

// Ptr identifies a bonsai bucket as (pageIndex, offsetWithinPage), packed
// into a uint64 so it can be stored inline in a bucket's sibling/child
// fields the same way pkg/prefixtree stores a page index. The zero value
// is the nil pointer; page index is stored +1 so that (page 0, offset 0),
// a legal bucket location, never collides with nil.
type Ptr uint64

// NilPtr is the zero value: no bucket.
const NilPtr Ptr = 0

// NewPtr packs a page index and in-page byte offset into a Ptr.
func NewPtr(pageIndex uint64, offset int) Ptr {
	return Ptr(((pageIndex + 1) << 16) | uint64(uint16(offset)))
}

// PageIndex returns the page p points into.
func (p Ptr) PageIndex() uint64 { return (uint64(p) >> 16) - 1 }

// Offset returns the byte offset within the page.
func (p Ptr) Offset() int { return int(uint16(p)) }

// IsNil reports whether p is the nil pointer.
func (p Ptr) IsNil() bool { return p == NilPtr }
