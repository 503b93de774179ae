package prefixtree

import (
	"context"
	"encoding/binary"

	"github.com/nainya/treestore/pkg/page"
)

// A value larger than Tree.maxEmbeddedValueSize is written as a singly
// linked chain of overflow pages instead of being embedded in its leaf
// entry; the leaf stores only the chain's head page index. Each overflow
// page is laid out as:
//
//	[0:8]  nextPage (noOverflowNext if this is the chain's last page)
//	[8:12] payload length in this page
//	[12:…] payload bytes
const overflowHeader = 12

// noOverflowNext marks the last page in a value-overflow chain.
const noOverflowNext = ^uint64(0)

// writeOverflowChain splits val across as many pages as needed and links
// them head to tail, returning the head page's index. Pages are allocated
// at the end of the tree's file, alongside its node pages.
func (t *Tree) writeOverflowChain(ctx context.Context, val []byte) (uint64, error) {
	payloadCap := t.pageSize - overflowHeader
	if payloadCap <= 0 {
		return 0, ErrKeyTooLarge
	}

	var pages []*page.Page
	for off := 0; off < len(val) || len(pages) == 0; off += payloadCap {
		end := off + payloadCap
		if end > len(val) {
			end = len(val)
		}
		p, err := t.cache.AllocateNewPage(t.fileID)
		if err != nil {
			for _, prev := range pages {
				_ = t.cache.ReleaseFromWrite(prev)
			}
			return 0, err
		}
		p.SetUint64(0, noOverflowNext)
		p.SetUint32(8, uint32(end-off))
		p.SetBytes(overflowHeader, val[off:end])
		pages = append(pages, p)
		if end == len(val) {
			break
		}
	}

	for i := 0; i < len(pages)-1; i++ {
		pages[i].SetUint64(0, pages[i+1].Index)
	}
	head := pages[0].Index
	for _, p := range pages {
		if err := t.commitPage(ctx, p); err != nil {
			return 0, err
		}
	}
	return head, nil
}

// readOverflowChain reconstructs a value previously written by
// writeOverflowChain, following next-page pointers until noOverflowNext.
func (t *Tree) readOverflowChain(ctx context.Context, head uint64) ([]byte, error) {
	var out []byte
	idx := head
	for {
		p, err := t.cache.LoadForRead(ctx, t.fileID, idx)
		if err != nil {
			return nil, err
		}
		n := p.GetUint32(8)
		out = append(out, p.GetBytes(overflowHeader, int(n))...)
		next := p.GetUint64(0)
		t.cache.ReleaseFromRead(p)
		if next == noOverflowNext {
			return out, nil
		}
		idx = next
	}
}

func encodeOverflowHead(head uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, head)
	return buf
}

func decodeOverflowHead(payload []byte) uint64 {
	return binary.LittleEndian.Uint64(payload)
}
