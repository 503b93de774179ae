package prefixtree

import (
	"bytes"
	"context"

	"github.com/nainya/treestore/common/errs"
)

// Updater computes key's new value from its current one. old is nil and
// existed is false when key is absent. Returning a non-nil error aborts
// the update and leaves the tree unchanged.
type Updater func(old []byte, existed bool) (newVal []byte, err error)

// Validator inspects a proposed update before it is written and may veto
// it by returning a non-nil error; that error is returned to the caller
// and the tree is left unchanged. A nil Validator always accepts.
type Validator func(old, newVal []byte, existed bool) error

// Update reads key's current value (nil, existed=false if absent), passes
// it to updater, and - if validator accepts the result - writes the
// updater's return value back. It reports whether the write happened.
func (t *Tree) Update(ctx context.Context, key []byte, updater Updater, validator Validator) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	t.lockExclusive()
	defer t.unlockExclusive()

	newCtx, err := t.txns.StartAtomicOperation(ctx)
	if err != nil {
		return false, err
	}

	rootIdx, err := t.rootIndex(newCtx)
	if err != nil {
		return false, t.abort(newCtx, err)
	}

	var path []pathEntry
	idx := rootIdx
	for {
		p, err := t.cache.LoadForRead(newCtx, t.fileID, idx)
		if err != nil {
			return false, t.abort(newCtx, err)
		}
		n := wrapNode(p)
		if n.kind() == kindLeaf {
			t.cache.ReleaseFromRead(p)
			break
		}
		entries := decodeInternalEntries(n)
		pos := 0
		child := n.getPtr(0)
		for i := 1; i < len(entries); i++ {
			if bytes.Compare(entries[i].key, key) > 0 {
				break
			}
			child = n.getPtr(uint16(i))
			pos = i
		}
		t.cache.ReleaseFromRead(p)
		path = append(path, pathEntry{index: idx, pos: pos})
		idx = child
	}

	leaf, err := t.cache.LoadForWrite(newCtx, t.fileID, idx)
	if err != nil {
		return false, t.abort(newCtx, err)
	}
	entries, err := t.decodeLeafEntries(newCtx, wrapNode(leaf))
	if err != nil {
		_ = t.cache.ReleaseFromWrite(leaf)
		return false, t.abort(newCtx, err)
	}

	i := lowerBound(entries, key)
	existed := i < len(entries) && bytes.Equal(entries[i].key, key)
	var old []byte
	if existed {
		old = entries[i].val
	}

	newVal, err := updater(old, existed)
	if err != nil {
		_ = t.cache.ReleaseFromWrite(leaf)
		return false, t.abort(newCtx, err)
	}
	if validator != nil {
		if err := validator(old, newVal, existed); err != nil {
			_ = t.cache.ReleaseFromWrite(leaf)
			return false, t.abort(newCtx, err)
		}
	}

	entries = upsertLeafEntry(entries, key, newVal)
	if err := t.applyLeaf(newCtx, leaf, entries, path); err != nil {
		return false, t.abort(newCtx, err)
	}
	return true, t.txns.EndAtomicOperation(newCtx)
}

// Insert writes key/val only if key is not already present. It is Update
// with a validator that vetoes with errs.ErrDuplicateKey whenever the key
// already exists, giving the tree a unique-insert entry point alongside
// the upsert behavior of Put.
func (t *Tree) Insert(ctx context.Context, key, val []byte) error {
	_, err := t.Update(ctx, key,
		func(old []byte, existed bool) ([]byte, error) { return val, nil },
		func(old, newVal []byte, existed bool) error {
			if existed {
				return errs.ErrDuplicateKey
			}
			return nil
		},
	)
	return err
}
