package bonsai

import (
	"encoding/binary"

	"github.com/nainya/treestore/pkg/page"
)

// bucket layout, within a fixed MaxBucketSizeBytes-byte region starting at
// an arbitrary byte offset (base) inside a page:
//
//	[0]      flags: bit0 leaf, bit1 deleted
//	[1]      key serializer id
//	[2]      value serializer id
//	[3:11]   left sibling Ptr (leaf only; 0 = none)
//	[11:19]  right sibling Ptr (leaf only)
//	[19:27]  free-list-next Ptr (meaningful only once the bucket is freed)
//	[27:35]  tree size (zeroed on init and never read; a tree's size lives in its Meta slot)
//	[35:37]  entry count
//	[37:...] extra region: child Ptrs (8 bytes each, internal buckets only)
//	[...]    offset array, 2 bytes each, entryCount entries
//	[...]    entries:
//	  leaf:     keyLen(2) key valLen(2) val
//	  internal: keyLen(2) key  (child Ptr lives in the extra region)
const (
	flagLeaf    byte = 1 << 0
	flagDeleted byte = 1 << 1

	bucketHeader = 37
)

type bucket struct {
	p   *page.Page
	off int
}

func wrapBucket(p *page.Page, off int) bucket { return bucket{p, off} }

func (b bucket) flags() byte          { return b.p.GetByte(b.off + 0) }
func (b bucket) isLeaf() bool         { return b.flags()&flagLeaf != 0 }
func (b bucket) isDeleted() bool      { return b.flags()&flagDeleted != 0 }
func (b bucket) keySerializerID() byte { return b.p.GetByte(b.off + 1) }
func (b bucket) valSerializerID() byte { return b.p.GetByte(b.off + 2) }

func (b bucket) setFlags(f byte)            { b.p.SetByte(b.off+0, f) }
func (b bucket) setKeySerializerID(id byte) { b.p.SetByte(b.off+1, id) }
func (b bucket) setValSerializerID(id byte) { b.p.SetByte(b.off+2, id) }

func (b bucket) leftSibling() Ptr  { return Ptr(b.p.GetUint64(b.off + 3)) }
func (b bucket) rightSibling() Ptr { return Ptr(b.p.GetUint64(b.off + 11)) }
func (b bucket) freeListNext() Ptr { return Ptr(b.p.GetUint64(b.off + 19)) }
func (b bucket) treeSize() uint64  { return b.p.GetUint64(b.off + 27) }

func (b bucket) setLeftSibling(p Ptr)  { b.p.SetUint64(b.off+3, uint64(p)) }
func (b bucket) setRightSibling(p Ptr) { b.p.SetUint64(b.off+11, uint64(p)) }
func (b bucket) setFreeListNext(p Ptr) { b.p.SetUint64(b.off+19, uint64(p)) }
func (b bucket) setTreeSize(n uint64)  { b.p.SetUint64(b.off+27, n) }

func (b bucket) nkeys() uint16      { return b.p.GetUint16(b.off + 35) }
func (b bucket) setNkeys(n uint16)  { b.p.SetUint16(b.off+35, n) }

func (b bucket) init(leaf bool) {
	f := byte(0)
	if leaf {
		f = flagLeaf
	}
	b.setFlags(f)
	b.setKeySerializerID(0)
	b.setValSerializerID(0)
	b.setLeftSibling(NilPtr)
	b.setRightSibling(NilPtr)
	b.setFreeListNext(NilPtr)
	b.setTreeSize(0)
	b.setNkeys(0)
}

func (b bucket) extraRegionSize() int {
	if b.isLeaf() {
		return 0
	}
	return 8 * int(b.nkeys())
}

func (b bucket) childPtr(i uint16) Ptr {
	return Ptr(b.p.GetUint64(b.off + bucketHeader + 8*int(i)))
}

func (b bucket) setChildPtr(i uint16, ptr Ptr) {
	b.p.SetUint64(b.off+bucketHeader+8*int(i), uint64(ptr))
}

func (b bucket) offsetPos(i uint16) int {
	return b.off + bucketHeader + b.extraRegionSize() + 2*int(i-1)
}

func (b bucket) getOffset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	return b.p.GetUint16(b.offsetPos(i))
}

func (b bucket) setOffset(i uint16, v uint16) {
	b.p.SetUint16(b.offsetPos(i), v)
}

func (b bucket) entryBase() int {
	return b.off + bucketHeader + b.extraRegionSize() + 2*int(b.nkeys())
}

func (b bucket) entryPos(i uint16) int {
	return b.entryBase() + int(b.getOffset(i))
}

// nbytes is the number of bytes of this bucket's fixed budget actually in
// use, relative to b.off.
func (b bucket) nbytes() int {
	return b.entryPos(b.nkeys()) - b.off
}

func (b bucket) key(i uint16) []byte {
	pos := b.entryPos(i)
	l := b.p.GetUint16(pos)
	return b.p.GetBytes(pos+2, int(l))
}

func (b bucket) val(i uint16) []byte {
	pos := b.entryPos(i)
	klen := int(b.p.GetUint16(pos))
	if b.isLeaf() {
		vpos := pos + 2 + klen
		vlen := int(b.p.GetUint16(vpos))
		return b.p.GetBytes(vpos+2, int(vlen))
	}
	return nil
}

func leafEntrySize(key, val []byte) int {
	return 2 + len(key) + 2 + len(val)
}

func internalEntrySize(key []byte) int {
	return 2 + len(key)
}

// appendLeafEntry writes entry i's key/value at the bucket's current tail
// and advances offsets[i+1]. Caller has already set nkeys large enough.
func (b bucket) appendLeafEntry(i uint16, key, val []byte) {
	pos := b.entryPos(i)
	buf := make([]byte, leafEntrySize(key, val))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(key)))
	copy(buf[2:], key)
	off := 2 + len(key)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(val)))
	copy(buf[off+2:], val)
	b.p.SetBytes(pos, buf)
	b.setOffset(i+1, b.getOffset(i)+uint16(len(buf)))
}

func (b bucket) appendInternalEntry(i uint16, ptr Ptr, key []byte) {
	b.setChildPtr(i, ptr)
	pos := b.entryPos(i)
	buf := make([]byte, internalEntrySize(key))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(key)))
	copy(buf[2:], key)
	b.p.SetBytes(pos, buf)
	b.setOffset(i+1, b.getOffset(i)+uint16(len(buf)))
}
