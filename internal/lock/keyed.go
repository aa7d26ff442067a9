// Package lock provides a mutex per key, created on demand and released when unused.
package lock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed serializes work per key. The zero value is ready to use.
type Keyed struct {
	mu      sync.Mutex
	entries map[uint]*entry
}

func (k *Keyed) acquire(key uint) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries == nil {
		k.entries = make(map[uint]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key uint, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock blocks until key is free and returns the function that unlocks it.
func (k *Keyed) Lock(key uint) (unlock func()) {
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// TryLock locks key only if it is free.
func (k *Keyed) TryLock(key uint) (unlock func(), ok bool) {
	e := k.acquire(key)
	if !e.mu.TryLock() {
		k.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}, true
}

// Held reports whether key is currently locked or awaited.
func (k *Keyed) Held(key uint) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.entries[key]
	return ok
}
