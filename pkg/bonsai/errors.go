package bonsai

import (
	"fmt"

	"github.com/nainya/treestore/common/errs"
)

var ErrKeyTooLarge = fmt.Errorf("bonsai: key/value too large for bucket budget: %w", errs.ErrCapacity)
var ErrEmptyKey = fmt.Errorf("bonsai: empty key: %w", errs.ErrContract)

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return nil
}
