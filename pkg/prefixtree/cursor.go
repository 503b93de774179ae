package prefixtree

import (
	"bytes"
	"context"
)

// cursorFrame is a read-only snapshot of one node on the path from root to
// the cursor's current leaf. Snapshots are decoded once on descent and
// held in memory for the life of the cursor; no page pin is retained
// between calls, mirroring the teacher's copy-on-write BIter which also
// holds whole decoded nodes rather than live page references.
type cursorFrame struct {
	leaf     bool
	entries  []leafEntry     // set when leaf
	children []internalEntry // set when internal
	pos      int
}

// Cursor is a forward/backward range iterator over a Tree's keys in sorted
// order, modeled on the teacher's BIter.
type Cursor struct {
	tree *Tree
	path []cursorFrame
}

// NewCursor allocates a cursor bound to tree. It is not positioned until
// Seek, First, or Last is called.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{tree: t, path: make([]cursorFrame, 0, 8)}
}

// Seek positions the cursor at the first key >= target. It reports whether
// the tree holds any such key.
func (c *Cursor) Seek(ctx context.Context, target []byte) (bool, error) {
	c.path = c.path[:0]
	rootIdx, err := c.tree.rootIndex(ctx)
	if err != nil {
		return false, err
	}

	idx := rootIdx
	for {
		p, err := c.tree.cache.LoadForRead(ctx, c.tree.fileID, idx)
		if err != nil {
			return false, err
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			entries, err := c.tree.decodeLeafEntries(ctx, n)
			c.tree.cache.ReleaseFromRead(p)
			if err != nil {
				return false, err
			}
			pos := lowerBound(entries, target)
			c.path = append(c.path, cursorFrame{leaf: true, entries: entries, pos: pos})
			if pos >= len(entries) {
				// Every key in this leaf is below target; the first key
				// >= target, if any, opens the next leaf.
				c.path[len(c.path)-1].pos = len(entries) - 1
				return c.Next(ctx)
			}
			return c.Valid(), nil
		}

		entries := decodeInternalEntries(n)
		pos := 0
		for i := 1; i < len(entries); i++ {
			if bytes.Compare(entries[i].key, target) > 0 {
				break
			}
			pos = i
		}
		c.tree.cache.ReleaseFromRead(p)
		c.path = append(c.path, cursorFrame{leaf: false, children: entries, pos: pos})
		idx = entries[pos].ptr
	}
}

// First positions the cursor at the tree's smallest key.
func (c *Cursor) First(ctx context.Context) (bool, error) { return c.descendEdge(ctx, false) }

// Last positions the cursor at the tree's largest key.
func (c *Cursor) Last(ctx context.Context) (bool, error) { return c.descendEdge(ctx, true) }

func (c *Cursor) descendEdge(ctx context.Context, rightmost bool) (bool, error) {
	c.path = c.path[:0]
	rootIdx, err := c.tree.rootIndex(ctx)
	if err != nil {
		return false, err
	}

	idx := rootIdx
	for {
		p, err := c.tree.cache.LoadForRead(ctx, c.tree.fileID, idx)
		if err != nil {
			return false, err
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			entries, err := c.tree.decodeLeafEntries(ctx, n)
			c.tree.cache.ReleaseFromRead(p)
			if err != nil {
				return false, err
			}
			pos := 0
			if rightmost && len(entries) > 0 {
				pos = len(entries) - 1
			}
			c.path = append(c.path, cursorFrame{leaf: true, entries: entries, pos: pos})
			return c.Valid(), nil
		}

		entries := decodeInternalEntries(n)
		pos := 0
		if rightmost {
			pos = len(entries) - 1
		}
		c.tree.cache.ReleaseFromRead(p)
		c.path = append(c.path, cursorFrame{leaf: false, children: entries, pos: pos})
		idx = entries[pos].ptr
	}
}

// Valid reports whether the cursor is positioned at an existing entry.
func (c *Cursor) Valid() bool {
	if len(c.path) == 0 {
		return false
	}
	top := c.path[len(c.path)-1]
	return top.pos >= 0 && top.pos < len(top.entries)
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	top := c.path[len(c.path)-1]
	return top.entries[top.pos].key
}

// Val returns the value at the cursor's current position.
func (c *Cursor) Val() []byte {
	if !c.Valid() {
		return nil
	}
	top := c.path[len(c.path)-1]
	return top.entries[top.pos].val
}

// Next advances the cursor to the next key in ascending order.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	if len(c.path) == 0 {
		return false, nil
	}

	leafLevel := len(c.path) - 1
	c.path[leafLevel].pos++
	if c.path[leafLevel].pos < len(c.path[leafLevel].entries) {
		return true, nil
	}

	c.path = c.path[:leafLevel]
	for len(c.path) > 0 {
		top := len(c.path) - 1
		c.path[top].pos++
		if c.path[top].pos < len(c.path[top].children) {
			return c.descendLeftmostFrom(ctx)
		}
		c.path = c.path[:top]
	}
	return false, nil
}

// Prev moves the cursor to the previous key in ascending order.
func (c *Cursor) Prev(ctx context.Context) (bool, error) {
	if len(c.path) == 0 {
		return false, nil
	}

	leafLevel := len(c.path) - 1
	c.path[leafLevel].pos--
	if c.path[leafLevel].pos >= 0 {
		return true, nil
	}

	c.path = c.path[:leafLevel]
	for len(c.path) > 0 {
		top := len(c.path) - 1
		c.path[top].pos--
		if c.path[top].pos >= 0 {
			return c.descendRightmostFrom(ctx)
		}
		c.path = c.path[:top]
	}
	return false, nil
}

func (c *Cursor) descendLeftmostFrom(ctx context.Context) (bool, error) {
	for {
		top := c.path[len(c.path)-1]
		childIdx := top.children[top.pos].ptr
		p, err := c.tree.cache.LoadForRead(ctx, c.tree.fileID, childIdx)
		if err != nil {
			return false, err
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			entries, err := c.tree.decodeLeafEntries(ctx, n)
			c.tree.cache.ReleaseFromRead(p)
			if err != nil {
				return false, err
			}
			c.path = append(c.path, cursorFrame{leaf: true, entries: entries, pos: 0})
			return c.Valid(), nil
		}
		entries := decodeInternalEntries(n)
		c.tree.cache.ReleaseFromRead(p)
		c.path = append(c.path, cursorFrame{leaf: false, children: entries, pos: 0})
	}
}

func (c *Cursor) descendRightmostFrom(ctx context.Context) (bool, error) {
	for {
		top := c.path[len(c.path)-1]
		childIdx := top.children[top.pos].ptr
		p, err := c.tree.cache.LoadForRead(ctx, c.tree.fileID, childIdx)
		if err != nil {
			return false, err
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			entries, err := c.tree.decodeLeafEntries(ctx, n)
			c.tree.cache.ReleaseFromRead(p)
			if err != nil {
				return false, err
			}
			pos := len(entries) - 1
			c.path = append(c.path, cursorFrame{leaf: true, entries: entries, pos: pos})
			return c.Valid(), nil
		}
		entries := decodeInternalEntries(n)
		c.tree.cache.ReleaseFromRead(p)
		pos := len(entries) - 1
		c.path = append(c.path, cursorFrame{leaf: false, children: entries, pos: pos})
	}
}

// Scan walks keys in [start, end) in ascending order, calling fn for each.
// Scan stops early if fn returns false. end == nil means unbounded.
func (t *Tree) Scan(ctx context.Context, start, end []byte, fn func(key, val []byte) bool) error {
	t.lockShared()
	defer t.unlockShared()

	c := t.NewCursor()
	ok, err := c.Seek(ctx, start)
	if err != nil {
		return err
	}
	for ok {
		if end != nil && bytes.Compare(c.Key(), end) >= 0 {
			return nil
		}
		if !fn(c.Key(), c.Val()) {
			return nil
		}
		ok, err = c.Next(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}
