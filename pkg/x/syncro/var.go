package syncro

import (
	"sync"
)

// Var stores a single variable and allows synchronized access
type Var[T any] struct {
	value T
	lock  sync.RWMutex
}

// Set sets the value
func (sv *Var[T]) Set(value T) {
	sv.lock.Lock()
	defer sv.lock.Unlock()
	sv.value = value
}

// Get retrieves the value
func (sv *Var[T]) Get() T {
	sv.lock.RLock()
	defer sv.lock.RUnlock()
	return sv.value
}

// WorkWith calls a function to work with the data under lock
func (sv *Var[T]) WorkWith(f func(*T)) {
	sv.lock.Lock()
	defer sv.lock.Unlock()
	f(&sv.value)
}
