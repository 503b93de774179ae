package hashdir

import (
	"fmt"

	"github.com/nainya/treestore/common/errs"
)

var ErrBadSlot = fmt.Errorf("hashdir: bucket slot out of range: %w", errs.ErrContract)

func checkSlot(slot int) error {
	if slot < 0 || slot >= LevelSize {
		return ErrBadSlot
	}
	return nil
}
