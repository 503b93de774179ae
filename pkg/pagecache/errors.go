package pagecache

import (
	"fmt"

	"github.com/nainya/treestore/common/errs"
)

// ErrNoSuchFile indicates an operation referenced a file id the cache has
// never booked or has since deleted.
var ErrNoSuchFile = fmt.Errorf("pagecache: no such file: %w", errs.ErrNotFound)

// ErrClosed indicates an operation on a closed cache.
var ErrClosed = fmt.Errorf("pagecache: closed: %w", errs.ErrClosed)
