package prefixtree

// fileLock is the tree's shared/exclusive lock: read paths (Get, FirstKey,
// LastKey, Scan) acquire it shared, and structural mutations (Put, Remove,
// Update, Clear) acquire it exclusive for the duration of the call. A Tree
// is bound to exactly one file for its whole lifetime, so one embedded
// sync.RWMutex per Tree plays the same role as pkg/bonsai's fileLockManager
// keyed by file id, without needing the map: there is no second Tree
// instance sharing this file for the lock to multiplex across.
func (t *Tree) lockShared()      { t.fileLock.RLock() }
func (t *Tree) unlockShared()    { t.fileLock.RUnlock() }
func (t *Tree) lockExclusive()   { t.fileLock.Lock() }
func (t *Tree) unlockExclusive() { t.fileLock.Unlock() }
