package prefixtree

import (
	"errors"
	"testing"

	"github.com/nainya/treestore/common/errs"
)

func TestUpdateAppliesUpdaterResult(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("counter"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	applied, err := tr.Update(ctx, []byte("counter"), func(old []byte, existed bool) ([]byte, error) {
		if !existed || string(old) != "1" {
			t.Fatalf("expected existed=true old=1, got existed=%v old=%q", existed, old)
		}
		return []byte("2"), nil
	}, nil)
	if err != nil || !applied {
		t.Fatalf("update: err=%v applied=%v", err, applied)
	}

	val, ok, err := tr.Get(ctx, []byte("counter"))
	if err != nil || !ok || string(val) != "2" {
		t.Fatalf("get after update: val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestUpdateOnAbsentKeySeesNotExisted(t *testing.T) {
	tr, ctx := newTestTree(t)

	applied, err := tr.Update(ctx, []byte("fresh"), func(old []byte, existed bool) ([]byte, error) {
		if existed || old != nil {
			t.Fatalf("expected absent key, got existed=%v old=%q", existed, old)
		}
		return []byte("new"), nil
	}, nil)
	if err != nil || !applied {
		t.Fatalf("update: err=%v applied=%v", err, applied)
	}

	val, ok, err := tr.Get(ctx, []byte("fresh"))
	if err != nil || !ok || string(val) != "new" {
		t.Fatalf("get after update: val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestUpdateVetoedByValidatorLeavesTreeUnchanged(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Put(ctx, []byte("k"), []byte("orig")); err != nil {
		t.Fatalf("put: %v", err)
	}

	applied, err := tr.Update(ctx,
		[]byte("k"),
		func(old []byte, existed bool) ([]byte, error) { return []byte("rejected"), nil },
		func(old, newVal []byte, existed bool) error { return errs.ErrValidation },
	)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected errs.ErrValidation, got %v", err)
	}
	if applied {
		t.Fatal("expected validator veto to report applied=false")
	}

	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok || string(val) != "orig" {
		t.Fatalf("expected unchanged value after veto, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	tr, ctx := newTestTree(t)

	if err := tr.Insert(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := tr.Insert(ctx, []byte("k"), []byte("v2"))
	if !errors.Is(err, errs.ErrDuplicateKey) {
		t.Fatalf("expected errs.ErrDuplicateKey, got %v", err)
	}

	val, ok, err := tr.Get(ctx, []byte("k"))
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("expected original value to survive rejected insert, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestClearEmptiesTree(t *testing.T) {
	tr, ctx := newTestTree(t)

	for _, k := range []string{"a", "b", "c"} {
		if err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	if err := tr.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		_, ok, err := tr.Get(ctx, []byte(k))
		if err != nil {
			t.Fatalf("get %s after clear: %v", k, err)
		}
		if ok {
			t.Fatalf("expected %s to be gone after clear", k)
		}
	}

	if err := tr.Put(ctx, []byte("d"), []byte("d")); err != nil {
		t.Fatalf("put after clear: %v", err)
	}
	val, ok, err := tr.Get(ctx, []byte("d"))
	if err != nil || !ok || string(val) != "d" {
		t.Fatalf("expected tree usable after clear, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestFirstKeyLastKey(t *testing.T) {
	tr, ctx := newTestTree(t)

	if _, ok, err := tr.FirstKey(ctx); err != nil || ok {
		t.Fatalf("expected no first key on empty tree, ok=%v err=%v", ok, err)
	}
	if _, ok, err := tr.LastKey(ctx); err != nil || ok {
		t.Fatalf("expected no last key on empty tree, ok=%v err=%v", ok, err)
	}

	for _, k := range []string{"m", "a", "z", "c"} {
		if err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	first, ok, err := tr.FirstKey(ctx)
	if err != nil || !ok || string(first) != "a" {
		t.Fatalf("expected first key a, got %q ok=%v err=%v", first, ok, err)
	}
	last, ok, err := tr.LastKey(ctx)
	if err != nil || !ok || string(last) != "z" {
		t.Fatalf("expected last key z, got %q ok=%v err=%v", last, ok, err)
	}
}
