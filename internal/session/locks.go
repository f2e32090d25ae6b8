package session

import "sync"

// keyLocks hands out one mutex per key so registry mutations for the same
// session serialize while different sessions never contend.
type keyLocks struct {
	locks sync.Map // key -> *sync.Mutex
}

func (l *keyLocks) get(key string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Lock acquires the key's mutex, creating it on first use.
func (l *keyLocks) Lock(key string) {
	l.get(key).Lock()
}

// Unlock releases the key's mutex.
func (l *keyLocks) Unlock(key string) {
	l.get(key).Unlock()
}

// Delete drops the key's mutex after the session is gone.
func (l *keyLocks) Delete(key string) {
	l.locks.Delete(key)
}
