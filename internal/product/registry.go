package product

import "sync"

// Registry holds the executors known to this instance. It is fixed at
// construction.
type Registry struct {
	executors []Executor
}

// NewRegistry returns a registry holding executors.
func NewRegistry(executors ...Executor) *Registry {
	return &Registry{executors: executors}
}

// ForScanType returns the executors of t in registration order.
func (r *Registry) ForScanType(t ScanType) []Executor {
	var out []Executor
	for _, e := range r.executors {
		if e.ScanType() == t {
			out = append(out, e)
		}
	}
	return out
}

// keyedMutex serialises work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

// Lock blocks until key is free and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
