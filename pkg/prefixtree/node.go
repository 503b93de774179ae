// Package prefixtree implements the Prefix B+-Tree: an on-disk B+-tree
// whose leaves store only the suffix of each key past the bucket's shared
// prefix, with separators minimized to the shortest distinguishing prefix
// on split.
package prefixtree

import (
	"encoding/binary"

	"github.com/nainya/treestore/pkg/page"
)

type nodeKind uint16

const (
	kindInternal nodeKind = 1
	kindLeaf     nodeKind = 2
)

// node layout, mirroring the offset-array scheme of a classic B+-tree node
// but with a bucket-wide key prefix factored out of every leaf entry:
//
//	[0:2]   kind
//	[2:4]   nkeys
//	[4:6]   extraLen (leaf: length of the shared-prefix bytes that follow;
//	                  internal: unused, always 0)
//	[6:...] extra region: child pointers (8 bytes each, internal nodes) or
//	        the shared-prefix bytes (leaf nodes)
//	[...]   offsets, 2 bytes each, nkeys entries (offsets[i] = end of entry i)
//	[...]   entries:
//	  leaf:     suffixLen(2) suffix flag(1) payloadLen(4) payload
//	  internal: keyLen(2) key (full separator, uncompressed)
//
// A leaf entry's flag distinguishes an embedded value (payload is the value
// itself) from a value-overflow chain (payload is the chain's 8-byte head
// page index); see overflow.go.
const nodeHeader = 6

const (
	valInline   byte = 0
	valOverflow byte = 1
)

type node struct{ p *page.Page }

func wrapNode(p *page.Page) node { return node{p} }

func (n node) kind() nodeKind { return nodeKind(n.p.GetUint16(0)) }
func (n node) nkeys() uint16  { return n.p.GetUint16(2) }

func (n node) setHeader(kind nodeKind, nkeys uint16) {
	n.p.SetUint16(0, uint16(kind))
	n.p.SetUint16(2, nkeys)
}

// extraRegionSize is the child-pointer array for internal nodes, or the
// shared-prefix bytes for leaves.
func (n node) extraRegionSize() int {
	if n.kind() == kindInternal {
		return 8 * int(n.nkeys())
	}
	return int(n.p.GetUint16(4))
}

// prefix returns a leaf's shared key prefix. Internal nodes have none.
func (n node) prefix() []byte {
	if n.kind() != kindLeaf {
		return nil
	}
	return n.p.GetBytes(nodeHeader, int(n.p.GetUint16(4)))
}

// setPrefix installs a leaf's shared prefix. Must be called before any
// entries are appended (it relocates the entry region).
func (n node) setPrefix(pfx []byte) {
	n.p.SetUint16(4, uint16(len(pfx)))
	n.p.SetBytes(nodeHeader, pfx)
}

func (n node) offsetPos(i uint16) int {
	return nodeHeader + n.extraRegionSize() + 2*int(i-1)
}

func (n node) getOffset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	return n.p.GetUint16(n.offsetPos(i))
}

func (n node) setOffset(i uint16, off uint16) {
	n.p.SetUint16(n.offsetPos(i), off)
}

func (n node) entryBase() int {
	return nodeHeader + n.extraRegionSize() + 2*int(n.nkeys())
}

func (n node) entryPos(i uint16) int {
	return n.entryBase() + int(n.getOffset(i))
}

// nbytes is the total size of the node's used region.
func (n node) nbytes() int {
	return n.entryPos(n.nkeys())
}

func (n node) getPtr(i uint16) uint64 {
	return n.p.GetUint64(nodeHeader + 8*int(i))
}

func (n node) setPtr(i uint16, ptr uint64) {
	n.p.SetUint64(nodeHeader+8*int(i), ptr)
}

// --- leaf entries ---

// leafSuffix returns the stored suffix for entry i (the part of the key
// past the node's shared prefix).
func (n node) leafSuffix(i uint16) []byte {
	pos := n.entryPos(i)
	l := n.p.GetUint16(pos)
	return n.p.GetBytes(pos+2, int(l))
}

// leafKey reconstructs the full key for entry i (prefix + suffix).
func (n node) leafKey(i uint16) []byte {
	pfx := n.prefix()
	suf := n.leafSuffix(i)
	out := make([]byte, len(pfx)+len(suf))
	copy(out, pfx)
	copy(out[len(pfx):], suf)
	return out
}

// leafFlag reports whether entry i's stored payload is an embedded value
// (valInline) or a value-overflow chain's head pointer (valOverflow).
func (n node) leafFlag(i uint16) byte {
	pos := n.entryPos(i)
	klen := int(n.p.GetUint16(pos))
	return n.p.GetByte(pos + 2 + klen)
}

// leafVal returns entry i's raw stored payload: the embedded value itself
// when leafFlag is valInline, or the overflow chain's 8-byte head page
// index when valOverflow.
func (n node) leafVal(i uint16) []byte {
	pos := n.entryPos(i)
	klen := int(n.p.GetUint16(pos))
	vlen := int(n.p.GetUint32(pos + 2 + klen + 1))
	return n.p.GetBytes(pos+2+klen+1+4, vlen)
}

func leafEntrySize(suffix, payload []byte) int {
	return 2 + len(suffix) + 1 + 4 + len(payload)
}

// appendLeafEntry writes entry i's suffix/flag/payload at the node's
// current tail and advances offsets[i+1]. Caller has already set nkeys
// large enough and installed the node's prefix.
func (n node) appendLeafEntry(i uint16, suffix []byte, flag byte, payload []byte) {
	pos := n.entryPos(i)
	buf := make([]byte, leafEntrySize(suffix, payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(suffix)))
	copy(buf[2:], suffix)
	off := 2 + len(suffix)
	buf[off] = flag
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(payload)))
	copy(buf[off+4:], payload)
	n.p.SetBytes(pos, buf)
	n.setOffset(i+1, n.getOffset(i)+uint16(len(buf)))
}

// --- internal entries ---

func (n node) internalKey(i uint16) []byte {
	pos := n.entryPos(i)
	l := n.p.GetUint16(pos)
	return n.p.GetBytes(pos+2, int(l))
}

func (n node) appendInternalEntry(i uint16, ptr uint64, key []byte) {
	n.setPtr(i, ptr)
	pos := n.entryPos(i)
	buf := make([]byte, 2+len(key))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(key)))
	copy(buf[2:], key)
	n.p.SetBytes(pos, buf)
	n.setOffset(i+1, n.getOffset(i)+uint16(len(buf)))
}
