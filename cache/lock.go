package cache

import (
	"context"
	"path/filepath"
	"sync"
)

// keyedMutex serializes writers per key within the process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// withKeyLock runs fn as the only writer of key: in-process through the
// keyed mutex, across processes through a lock file in the staging area.
// Writers share the root lock, which Clear takes exclusively.
func (m *Manager) withKeyLock(ctx context.Context, key string, fn func() error) error {
	unlock := m.keys.lock(key)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return withFileLock(filepath.Join(m.root, rootLockFile), false, func() error {
		return withFileLock(filepath.Join(m.root, stagingDir, key+".lock"), true, fn)
	})
}
