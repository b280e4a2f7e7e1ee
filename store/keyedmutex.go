package store

import "sync"

// keyedMutex provides named critical sections: callers contending on the
// same key queue behind each other, callers on different keys never block
// each other. Keys follow the "create:<resource>" / "update:<id>"
// convention and the abstraction never leaks outside this package.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	refs  map[string]int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]chan struct{}),
		refs:  make(map[string]int),
	}
}

// Lock acquires the critical section for key, blocking behind the current
// holder and any earlier waiters.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.refs[key]++
	k.mu.Unlock()

	ch <- struct{}{}
}

// Unlock releases the critical section for key. The per-key channel is
// dropped once the last waiter is gone so idle keys cost nothing.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	ch := k.locks[key]
	k.refs[key]--
	if k.refs[key] == 0 {
		delete(k.locks, key)
		delete(k.refs, key)
	}
	k.mu.Unlock()

	<-ch
}
