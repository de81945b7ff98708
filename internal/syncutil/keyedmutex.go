// Package syncutil provides keyed locking primitives shared by services
// that serialize work per entity ID.
package syncutil

import "sync"

// KeyedMutex hands out one mutex per key. It is used to serialize status
// transitions on a single transaction or escrow while letting unrelated
// IDs proceed concurrently. Entries are never evicted; key cardinality is
// bounded by the number of live entities a process touches.
type KeyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
