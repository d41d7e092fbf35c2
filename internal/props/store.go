// Package props implements the synchronized property bag shared between a
// host frame and its guest: an observable map with per-key change tracking
// and watcher fan-out.
package props

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// ErrReservedKey is returned when a property name could pollute object
// prototypes on a script-driven peer.
var ErrReservedKey = errors.New("props: reserved key")

var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Reserved reports whether a key may not be used as a property name.
func Reserved(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// Change records one key's transition. Old is nil when the key is new.
type Change struct {
	New any
	Old any
}

// WatchFunc receives the changed keys of one apply, already filtered to the
// watcher's key set.
type WatchFunc func(changes map[string]Change)

type watcher struct {
	id   int
	keys map[string]struct{} // nil watches every key
	fn   WatchFunc
}

// Store is an observable string-keyed map. Writes report exactly which keys
// actually changed; watchers fire once per apply, synchronously on the
// writer's goroutine, and a panicking watcher never blocks the rest.
type Store struct {
	mu       sync.RWMutex
	values   map[string]any
	watchers []*watcher
	nextID   int
	logger   *zap.Logger
}

// NewStore creates an empty store. A nil logger disables watcher panic logs.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		values: make(map[string]any),
		logger: logger,
	}
}

// Get returns the current value of a key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot copies the current contents.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len reports the number of keys currently set.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Set writes one key and reports whether its value actually changed.
// Writing a deep-equal value is a no-op and fires no watchers.
func (s *Store) Set(key string, value any) (bool, error) {
	changes, err := s.Apply(map[string]any{key: value})
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

// Apply writes a batch of keys atomically and returns the subset that
// actually changed, with old values. Any reserved key rejects the whole
// batch before anything is written.
func (s *Store) Apply(values map[string]any) (map[string]Change, error) {
	for key := range values {
		if Reserved(key) {
			return nil, fmt.Errorf("%w: %q", ErrReservedKey, key)
		}
	}

	s.mu.Lock()
	changes := make(map[string]Change)
	for key, value := range values {
		old, had := s.values[key]
		if had && reflect.DeepEqual(old, value) {
			continue
		}
		s.values[key] = value
		changes[key] = Change{New: value, Old: old}
	}
	watchers := make([]*watcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	if len(changes) == 0 {
		return changes, nil
	}
	for _, w := range watchers {
		s.notify(w, changes)
	}
	return changes, nil
}

// Watch subscribes to every key. The returned cancel removes the watcher.
func (s *Store) Watch(fn WatchFunc) func() {
	return s.register(nil, fn)
}

// WatchKeys subscribes to a fixed key set; changes outside it never fire
// the handler.
func (s *Store) WatchKeys(fn WatchFunc, keys ...string) func() {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return s.register(set, fn)
}

func (s *Store) register(keys map[string]struct{}, fn WatchFunc) func() {
	s.mu.Lock()
	s.nextID++
	w := &watcher{id: s.nextID, keys: keys, fn: fn}
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.watchers {
			if cur.id == w.id {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

// notify delivers one watcher's filtered view of an apply, isolating
// panics so one bad handler cannot starve the others.
func (s *Store) notify(w *watcher, changes map[string]Change) {
	filtered := changes
	if w.keys != nil {
		filtered = make(map[string]Change)
		for key, change := range changes {
			if _, ok := w.keys[key]; ok {
				filtered[key] = change
			}
		}
		if len(filtered) == 0 {
			return
		}
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("props watcher panicked", zap.Any("panic", r))
		}
	}()
	w.fn(filtered)
}
