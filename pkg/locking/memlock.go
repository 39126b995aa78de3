package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. It only works within a single process; use FileLock when several
// CLI invocations may share one cache directory.
type MemLock struct {
	sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refLock),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.Lock()
		// Drop idle locks so a long-lived process does not accumulate one
		// mutex per job it ever looked at.
		if lock.refs--; lock.refs == 0 {
			delete(s.locks, key)
		}
		s.Unlock()
	}()
	return fn()
}
