// Package txn implements the atomic-operations manager: a re-entrant scope
// around a group of page mutations that either all become durable or are
// all undone, plus the crash-recovery procedure that replays the WAL after
// an unclean shutdown.
package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nainya/treestore/common/errs"
	"github.com/nainya/treestore/pkg/page"
	"github.com/nainya/treestore/pkg/wal"
)

// PageSource is the subset of the page cache's contract the atomic-
// operations manager needs: fetch a page for write to redo/undo a record
// against it, and the file-level operations that back file-created/deleted
// WAL records. Declaring this here (rather than importing pkg/pagecache)
// keeps pkg/txn the dependency root; pagecache's *Cache satisfies it
// structurally.
type PageSource interface {
	FetchForWrite(ctx context.Context, fileID uint32, pageIndex uint64) (*page.Page, error)
	ReleaseWrite(p *page.Page) error
	FileExists(fileID uint32) bool
	EnsureFile(fileID uint32, name string) error
	DeleteFile(fileID uint32) error
}

type pageOpEntry struct {
	fileID    uint32
	pageIndex uint64
	rec       page.Record
}

type opState struct {
	id      uint64
	depth   int
	pageOps []pageOpEntry
}

// Manager tracks in-flight atomic operations and is the single writer of
// begin/commit/rollback/page-operation records to the WAL.
type Manager struct {
	wal   *wal.WAL
	pages PageSource

	mu    sync.Mutex
	opSeq uint64
	ops   map[uint64]*opState
}

// NewManager creates an atomic-operations manager over wal, using pages to
// resolve pages during rollback and crash recovery.
func NewManager(w *wal.WAL, pages PageSource) *Manager {
	return &Manager{
		wal:   w,
		pages: pages,
		ops:   make(map[uint64]*opState),
	}
}

type ctxKey struct{}

// StartAtomicOperation opens a new atomic-operation scope, or joins the one
// already carried by ctx. Re-entrant: a nested call with the same ctx chain
// returns a context for the same operation, and only the outermost
// EndAtomicOperation actually commits.
func (m *Manager) StartAtomicOperation(ctx context.Context) (context.Context, error) {
	if op, ok := ctx.Value(ctxKey{}).(*opState); ok {
		m.mu.Lock()
		op.depth++
		m.mu.Unlock()
		return ctx, nil
	}

	m.mu.Lock()
	id := atomic.AddUint64(&m.opSeq, 1)
	op := &opState{id: id, depth: 1}
	m.ops[id] = op
	m.mu.Unlock()

	if _, err := m.wal.Log(&wal.Record{Kind: wal.KindAtomicBegin, OpID: id}); err != nil {
		return ctx, err
	}

	return context.WithValue(ctx, ctxKey{}, op), nil
}

// EndAtomicOperation closes one level of the current scope. On the
// outermost close it appends an atomic-commit record and flushes the WAL,
// making every page mutation recorded against the operation durable.
func (m *Manager) EndAtomicOperation(ctx context.Context) error {
	op, ok := ctx.Value(ctxKey{}).(*opState)
	if !ok {
		return errs.ErrContract
	}

	m.mu.Lock()
	op.depth--
	outermost := op.depth == 0
	m.mu.Unlock()

	if !outermost {
		return nil
	}

	if _, err := m.wal.Log(&wal.Record{Kind: wal.KindAtomicCommit, OpID: op.id}); err != nil {
		return err
	}
	if err := m.wal.Flush(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.ops, op.id)
	m.mu.Unlock()
	return nil
}

// AbortAtomicOperation undoes every page mutation recorded against the
// current operation, in reverse order, then appends an atomic-rollback
// record. Valid only on the outermost scope; a nested caller that wants to
// fail its unit of work should return an error and let the caller that
// opened the outermost scope decide whether to abort.
func (m *Manager) AbortAtomicOperation(ctx context.Context) error {
	op, ok := ctx.Value(ctxKey{}).(*opState)
	if !ok {
		return errs.ErrContract
	}

	for i := len(op.pageOps) - 1; i >= 0; i-- {
		entry := op.pageOps[i]
		p, err := m.pages.FetchForWrite(ctx, entry.fileID, entry.pageIndex)
		if err != nil {
			return err
		}
		entry.rec.Undo(p)
		p.DrainPending()
		if err := m.pages.ReleaseWrite(p); err != nil {
			return err
		}
	}

	if _, err := m.wal.Log(&wal.Record{Kind: wal.KindAtomicRollback, OpID: op.id}); err != nil {
		return err
	}
	if err := m.wal.Flush(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.ops, op.id)
	m.mu.Unlock()
	return nil
}

// RecordPageOp appends a page-operation WAL record for rec, stamped with
// the current operation's id, and tracks it for undo on rollback or crash
// recovery. Every index structure calls this once per Record drained off a
// mutated page, before releasing it back to the cache.
func (m *Manager) RecordPageOp(ctx context.Context, fileID uint32, pageIndex uint64, rec page.Record) (uint64, error) {
	op, ok := ctx.Value(ctxKey{}).(*opState)
	if !ok {
		return 0, errs.ErrContract
	}

	rec.SetOpID(op.id)
	lsn, err := m.wal.Log(&wal.Record{
		Kind:      wal.KindPageOp,
		OpID:      op.id,
		FileID:    fileID,
		PageIndex: pageIndex,
		Page:      rec,
	})
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	op.pageOps = append(op.pageOps, pageOpEntry{fileID: fileID, pageIndex: pageIndex, rec: rec})
	m.mu.Unlock()

	return lsn, nil
}

// RecordFileCreated appends a file-created record for the current
// operation, so recovery can idempotently recreate the file if the crash
// happened before the data file itself was durable.
func (m *Manager) RecordFileCreated(ctx context.Context, fileID uint32, name string) error {
	op, ok := ctx.Value(ctxKey{}).(*opState)
	if !ok {
		return errs.ErrContract
	}
	_, err := m.wal.Log(&wal.Record{Kind: wal.KindFileCreated, OpID: op.id, FileID: fileID, Name: name})
	return err
}

// RecordFileDeleted appends a file-deleted record for the current
// operation.
func (m *Manager) RecordFileDeleted(ctx context.Context, fileID uint32) error {
	op, ok := ctx.Value(ctxKey{}).(*opState)
	if !ok {
		return errs.ErrContract
	}
	_, err := m.wal.Log(&wal.Record{Kind: wal.KindFileDeleted, OpID: op.id, FileID: fileID})
	return err
}
