package syncro

import (
	"fmt"
	"sync"
)

// Map is a thread-safe generic map type
type Map[K comparable, V any] struct {
	value map[K]V
	lock  sync.RWMutex
}

func (m *Map[K, V]) createIfNil() {
	if m.value == nil {
		m.value = make(map[K]V)
	}
}

// Get a value from the map.  If it exists, returns the value and true; otherwise, returns the zero value and false.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	v, ok := m.value[key]
	return v, ok
}

// Set stores a value into the map
func (m *Map[K, V]) Set(key K, value V) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.createIfNil()
	m.value[key] = value
}

var ErrAlreadyExists = fmt.Errorf("map key already exists")

// Create stores a value into the map, which must not already exist.  Returns ErrAlreadyExists if the key exists.
func (m *Map[K, V]) Create(key K, value V) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.createIfNil()
	_, ok := m.value[key]
	if ok {
		return ErrAlreadyExists
	}
	m.value[key] = value
	return nil
}

// GetAndDelete removes a key and returns the value it held, if any.
func (m *Map[K, V]) GetAndDelete(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.createIfNil()
	v, ok := m.value[key]
	if ok {
		delete(m.value, key)
	}
	return v, ok
}

// Delete a value from the map
func (m *Map[K, V]) Delete(key K) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.createIfNil()
	delete(m.value, key)
}

// Len returns the number of keys in the map.
func (m *Map[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.value)
}

// WorkWith calls a function to work with the map under lock
func (m *Map[K, V]) WorkWith(f func(*map[K]V)) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.createIfNil()
	f(&m.value)
}

// WorkWithReadOnly calls a function to work with the map under lock.  You are on the honor system not to change it.
func (m *Map[K, V]) WorkWithReadOnly(f func(map[K]V)) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	m.createIfNil()
	f(m.value)
}
