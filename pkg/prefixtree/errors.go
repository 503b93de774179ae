package prefixtree

import (
	"errors"
	"fmt"

	"github.com/nainya/treestore/common/errs"
)

// ErrKeyTooLarge is returned when a key/value pair cannot fit in an empty
// page even alone, so no split could ever accommodate it.
var ErrKeyTooLarge = fmt.Errorf("prefixtree: key/value too large for page: %w", errs.ErrCapacity)

// ErrEmptyKey is returned by Get/Put/Update/Remove for a zero-length key; the
// tree relies on keys comparing distinctly from the internal node's
// catch-all left pointer, which a zero-length key would collide with.
var ErrEmptyKey = fmt.Errorf("prefixtree: empty key: %w", errs.ErrContract)

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return nil
}

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool { return errors.Is(err, errs.ErrNotFound) }
