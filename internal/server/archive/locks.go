package archive

import "sync"

// lockTable hands out one RWMutex per endpoint. Merges on different
// endpoints never wait on each other.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*sync.RWMutex{}}
}

func (t *lockTable) get(name string) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		t.locks[name] = l
	}
	return l
}

// Lock takes the endpoint exclusively and returns the unlock func.
func (t *lockTable) Lock(name string) func() {
	l := t.get(name)
	l.Lock()
	return l.Unlock
}

func (t *lockTable) RLock(name string) func() {
	l := t.get(name)
	l.RLock()
	return l.RUnlock
}
