package bonsai

import (
	"bytes"
	"context"
)

// descendToLeaf walks from the tree's current root down to the leaf that
// would contain key.
func (t *Tree) descendToLeaf(ctx context.Context, key []byte) (Ptr, error) {
	root, err := t.rootPtr(ctx)
	if err != nil {
		return NilPtr, err
	}
	ptr := root
	for {
		p, b, err := t.loadBucket(ctx, ptr, false)
		if err != nil {
			return NilPtr, err
		}
		if b.isLeaf() {
			t.engine.cache.ReleaseFromRead(p)
			return ptr, nil
		}
		entries := decodeInternalEntries(b)
		child := descendChild(entries, key)
		t.engine.cache.ReleaseFromRead(p)
		ptr = child
	}
}

func (t *Tree) leftmostLeaf(ctx context.Context) (Ptr, error) {
	root, err := t.rootPtr(ctx)
	if err != nil {
		return NilPtr, err
	}
	ptr := root
	for {
		p, b, err := t.loadBucket(ctx, ptr, false)
		if err != nil {
			return NilPtr, err
		}
		if b.isLeaf() {
			t.engine.cache.ReleaseFromRead(p)
			return ptr, nil
		}
		entries := decodeInternalEntries(b)
		t.engine.cache.ReleaseFromRead(p)
		ptr = entries[0].ptr
	}
}

// walkFrom walks the leaf sibling chain starting at (and including) the
// leaf located at ptr, invoking fn for every entry whose key satisfies
// inRange, until inRange returns false for a key past the range, fn
// returns false, or the chain ends.
func (t *Tree) walkFrom(ctx context.Context, ptr Ptr, inRange func(key []byte) bool, fn func(key, val []byte) bool) error {
	for !ptr.IsNil() {
		p, b, err := t.loadBucket(ctx, ptr, false)
		if err != nil {
			return err
		}
		entries := decodeLeafEntries(b)
		next := b.rightSibling()
		t.engine.cache.ReleaseFromRead(p)

		for _, e := range entries {
			if !inRange(e.key) {
				return nil
			}
			if !fn(e.key, e.val) {
				return nil
			}
		}
		ptr = next
	}
	return nil
}

// GetValuesBetween visits every entry with lo <= key < hi in ascending
// order, stopping early if fn returns false.
func (t *Tree) GetValuesBetween(ctx context.Context, lo, hi []byte, fn func(key, val []byte) bool) error {
	t.engine.locks.lockShared(t.fileID)
	defer t.engine.locks.unlockShared(t.fileID)

	start, err := t.descendToLeaf(ctx, lo)
	if err != nil {
		return err
	}
	return t.walkFrom(ctx, start, func(key []byte) bool {
		return hi == nil || bytes.Compare(key, hi) < 0
	}, func(key, val []byte) bool {
		if bytes.Compare(key, lo) < 0 {
			return true // leaf containing lo may hold smaller keys too; skip them
		}
		return fn(key, val)
	})
}

// GetValuesMinor visits every key < key (or <= key if inclusive) in
// ascending order starting from the smallest key in the tree.
func (t *Tree) GetValuesMinor(ctx context.Context, key []byte, inclusive bool, fn func(k, v []byte) bool) error {
	t.engine.locks.lockShared(t.fileID)
	defer t.engine.locks.unlockShared(t.fileID)

	start, err := t.leftmostLeaf(ctx)
	if err != nil {
		return err
	}
	return t.walkFrom(ctx, start, func(k []byte) bool {
		c := bytes.Compare(k, key)
		if inclusive {
			return c <= 0
		}
		return c < 0
	}, fn)
}

// GetValuesMajor visits every key > key (or >= key if inclusive) in
// ascending order.
func (t *Tree) GetValuesMajor(ctx context.Context, key []byte, inclusive bool, fn func(k, v []byte) bool) error {
	t.engine.locks.lockShared(t.fileID)
	defer t.engine.locks.unlockShared(t.fileID)

	start, err := t.descendToLeaf(ctx, key)
	if err != nil {
		return err
	}
	return t.walkFrom(ctx, start, func(k []byte) bool { return true }, func(k, v []byte) bool {
		c := bytes.Compare(k, key)
		skip := c < 0 || (!inclusive && c == 0)
		if skip {
			return true
		}
		return fn(k, v)
	})
}

// FirstKey returns the tree's smallest key.
func (t *Tree) FirstKey(ctx context.Context) ([]byte, bool, error) {
	t.engine.locks.lockShared(t.fileID)
	defer t.engine.locks.unlockShared(t.fileID)

	ptr, err := t.leftmostLeaf(ctx)
	if err != nil {
		return nil, false, err
	}
	p, b, err := t.loadBucket(ctx, ptr, false)
	if err != nil {
		return nil, false, err
	}
	defer t.engine.cache.ReleaseFromRead(p)
	if b.nkeys() == 0 {
		return nil, false, nil
	}
	return b.key(0), true, nil
}

func (t *Tree) rightmostLeaf(ctx context.Context) (Ptr, error) {
	root, err := t.rootPtr(ctx)
	if err != nil {
		return NilPtr, err
	}
	ptr := root
	for {
		p, b, err := t.loadBucket(ctx, ptr, false)
		if err != nil {
			return NilPtr, err
		}
		if b.isLeaf() {
			t.engine.cache.ReleaseFromRead(p)
			return ptr, nil
		}
		entries := decodeInternalEntries(b)
		t.engine.cache.ReleaseFromRead(p)
		ptr = entries[len(entries)-1].ptr
	}
}

// LastKey returns the tree's largest key.
func (t *Tree) LastKey(ctx context.Context) ([]byte, bool, error) {
	t.engine.locks.lockShared(t.fileID)
	defer t.engine.locks.unlockShared(t.fileID)

	ptr, err := t.rightmostLeaf(ctx)
	if err != nil {
		return nil, false, err
	}
	p, b, err := t.loadBucket(ctx, ptr, false)
	if err != nil {
		return nil, false, err
	}
	defer t.engine.cache.ReleaseFromRead(p)
	if b.nkeys() == 0 {
		return nil, false, nil
	}
	return b.key(b.nkeys() - 1), true, nil
}
