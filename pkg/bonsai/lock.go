package bonsai

import "sync"

// fileLockManager hands out a shared/exclusive lock per file id. All
// mutating bonsai entry points take the file's lock exclusively; all
// read entry points take it shared, so structural operations on one
// bonsai file never block operations on another.
type fileLockManager struct {
	mu     sync.Mutex
	latches map[uint32]*sync.RWMutex
}

func newFileLockManager() *fileLockManager {
	return &fileLockManager{latches: make(map[uint32]*sync.RWMutex)}
}

func (m *fileLockManager) latch(fileID uint32) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.latches[fileID]
	if !ok {
		l = &sync.RWMutex{}
		m.latches[fileID] = l
	}
	return l
}

func (m *fileLockManager) lockExclusive(fileID uint32)   { m.latch(fileID).Lock() }
func (m *fileLockManager) unlockExclusive(fileID uint32) { m.latch(fileID).Unlock() }
func (m *fileLockManager) lockShared(fileID uint32)      { m.latch(fileID).RLock() }
func (m *fileLockManager) unlockShared(fileID uint32)    { m.latch(fileID).RUnlock() }
