package session

import (
	"slices"
	"sync"
)

// Locks hands out one mutex per key. Entries are reference counted and
// removed once nobody holds or waits for them.
type Locks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{m: map[string]*keyLock{}}
}

func (l *Locks) acquire(key string) *keyLock {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return kl
}

func (l *Locks) release(key string, kl *keyLock) {
	kl.mu.Unlock()

	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.m, key)
	}
	l.mu.Unlock()
}

// Do runs fn while holding the lock for key.
func (l *Locks) Do(key string, fn func() error) error {
	kl := l.acquire(key)
	defer l.release(key, kl)
	return fn()
}

// DoAll holds every key's lock while fn runs. Keys are taken in sorted order
// so overlapping callers cannot deadlock.
func (l *Locks) DoAll(keys []string, fn func() error) error {
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))
	held := make([]*keyLock, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(keys[i], held[i])
		}
	}()
	for _, k := range keys {
		held = append(held, l.acquire(k))
	}
	return fn()
}

func (l *Locks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
