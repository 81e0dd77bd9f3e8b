package attr

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadySet is returned when writing a write-once key that holds a value.
var ErrAlreadySet = errors.New("attribute already set")

// Key identifies an attribute of type T. Keys compare by identity, so two keys
// with the same name are still distinct.
type Key[T any] struct {
	name string
	once bool
}

// NewKey returns a key whose value may be replaced freely.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

// NewOnceKey returns a key whose value can be set exactly once.
func NewOnceKey[T any](name string) *Key[T] {
	return &Key[T]{name: name, once: true}
}

func (k *Key[T]) String() string { return k.name }

// WriteOnce reports whether the key rejects a second write.
func (k *Key[T]) WriteOnce() bool { return k.once }

// Store holds the attributes of one connection.
type Store struct {
	mu   sync.Mutex
	vals map[any]any
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{vals: make(map[any]any)}
}

// Get returns the value stored under k.
func Get[T any](s *Store, k *Key[T]) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vals[k]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Set stores v under k. For write-once keys a second Set returns ErrAlreadySet
// and leaves the stored value untouched.
func Set[T any](s *Store, k *Key[T], v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vals[k]; ok && k.once {
		return fmt.Errorf("%s: %w", k.name, ErrAlreadySet)
	}
	s.vals[k] = v
	return nil
}

// SetIfAbsent stores v under k only if k holds no value. It reports whether v
// was stored.
func SetIfAbsent[T any](s *Store, k *Key[T], v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vals[k]; ok {
		return false
	}
	s.vals[k] = v
	return true
}

// CompareAndSet replaces the value under k with next if it currently equals old.
// An absent value matches the zero value of T. Write-once keys only accept the
// transition from absent.
func CompareAndSet[T comparable](s *Store, k *Key[T], old, next T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.vals[k]
	if !ok {
		var zero T
		if old != zero {
			return false
		}
		s.vals[k] = next
		return true
	}
	if k.once || cur.(T) != old {
		return false
	}
	s.vals[k] = next
	return true
}

// Delete removes k. Write-once keys cannot be deleted, so a pairing in use is
// never dropped from under its users; Delete reports whether k was removed.
func Delete[T any](s *Store, k *Key[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vals[k]; !ok || k.once {
		return false
	}
	delete(s.vals, k)
	return true
}
