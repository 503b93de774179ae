package txn

import (
	"context"
	"fmt"

	"github.com/nainya/treestore/pkg/wal"
)

// Recover replays every WAL segment returned by w.Segments() against pages:
// every page-operation record is redone forward (repeating history, whether
// or not its operation ultimately committed), then every operation that
// never reached a commit record has its page-operations undone in reverse.
// This is the redo-then-undo-uncommitted discipline spec'd for crash
// recovery; it is idempotent, so running it twice on the same WAL is safe.
func Recover(w *wal.WAL, pages PageSource) error {
	segments, err := w.Segments()
	if err != nil {
		return fmt.Errorf("list wal segments: %w", err)
	}
	if len(segments) == 0 {
		return nil
	}

	records, err := wal.ReadAll(segments)
	if err != nil {
		return fmt.Errorf("read wal: %w", err)
	}

	committed := make(map[uint64]bool)
	began := make(map[uint64]bool)
	pageOpsByOp := make(map[uint64][]*wal.Record)
	opOrder := make([]uint64, 0)

	ctx := context.Background()

	for _, rec := range records {
		switch rec.Kind {
		case wal.KindAtomicBegin:
			if !began[rec.OpID] {
				began[rec.OpID] = true
				opOrder = append(opOrder, rec.OpID)
			}

		case wal.KindAtomicCommit:
			committed[rec.OpID] = true

		case wal.KindAtomicRollback:
			// Rolled back before the crash; its forward effects are still
			// redone below and then undone again in the uncommitted pass,
			// which is exactly idempotent with having rolled back already.

		case wal.KindFileCreated:
			if err := pages.EnsureFile(rec.FileID, rec.Name); err != nil {
				return fmt.Errorf("recover file-created(%d): %w", rec.FileID, err)
			}

		case wal.KindFileDeleted:
			if pages.FileExists(rec.FileID) {
				if err := pages.DeleteFile(rec.FileID); err != nil {
					return fmt.Errorf("recover file-deleted(%d): %w", rec.FileID, err)
				}
			}

		case wal.KindPageOp:
			p, err := pages.FetchForWrite(ctx, rec.FileID, rec.PageIndex)
			if err != nil {
				return fmt.Errorf("recover redo fetch(%d,%d): %w", rec.FileID, rec.PageIndex, err)
			}
			rec.Page.Redo(p)
			p.DrainPending()
			if err := pages.ReleaseWrite(p); err != nil {
				return fmt.Errorf("recover redo release(%d,%d): %w", rec.FileID, rec.PageIndex, err)
			}
			pageOpsByOp[rec.OpID] = append(pageOpsByOp[rec.OpID], rec)
		}
	}

	// Undo every operation that began but never committed, most recent
	// first, each operation's own page-ops undone in reverse.
	for i := len(opOrder) - 1; i >= 0; i-- {
		opID := opOrder[i]
		if committed[opID] {
			continue
		}
		ops := pageOpsByOp[opID]
		for j := len(ops) - 1; j >= 0; j-- {
			rec := ops[j]
			p, err := pages.FetchForWrite(ctx, rec.FileID, rec.PageIndex)
			if err != nil {
				return fmt.Errorf("recover undo fetch(%d,%d): %w", rec.FileID, rec.PageIndex, err)
			}
			rec.Page.Undo(p)
			p.DrainPending()
			if err := pages.ReleaseWrite(p); err != nil {
				return fmt.Errorf("recover undo release(%d,%d): %w", rec.FileID, rec.PageIndex, err)
			}
		}
	}

	return nil
}
