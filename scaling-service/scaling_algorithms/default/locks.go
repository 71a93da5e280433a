package scaling_algorithms

import "sync"

// keyedMutex is a set of mutexes created on demand, one per key. It
// serializes scaling decisions on the same region and image pair while
// letting different pairs proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the mutex for key is held, and returns the function
// that releases it.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// pairKey is the key of the scaling mutex of a region and image pair.
func pairKey(region, imageID string) string {
	return region + "-" + imageID
}
