package keycustody

import "sync"

type userLock struct {
	sync.Mutex
	refs int
}

// userLocks hands out one mutex per user id. Entries live only while some
// caller holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

// lock blocks until userID's mutex is held and returns its release.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
