// Package varstore provides a thread-safe variable store with blocking
// lookups and deadlock detection, used to resolve "var.*" references across
// concurrently rendered templates.
package varstore

import (
	"fmt"
	"sync"
)

// UnresolvedError is returned by Lookup when a variable can never resolve:
// either because global cancellation was triggered while this call was
// waiting, or because the variable is defined with neither a value nor a
// default.
type UnresolvedError struct {
	Name string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("var.%s cannot be resolved", e.Name)
}

// variable is the per-name record described in the data model: whether a
// template has declared it, and the (at most once each) default and value.
type variable struct {
	defined    bool
	hasDefault bool
	def        any
	hasValue   bool
	value      any
}

// waiter is one renderer's outstanding blocking lookup on a single name.
// The channel is closed exactly once, either by Define (a real resolution)
// or by cancellation (a spurious wake that the waiter must re-check).
type waiter struct {
	ch       chan struct{}
	workerID string
}

// Store is the shared variable store. One mutex guards all fields; it is
// never held while a goroutine is parked on a waiter channel.
type Store struct {
	mu sync.Mutex

	vars    map[string]*variable
	waiters map[string][]*waiter

	// liveWorkers maps a registered worker to the set of variable names it
	// is currently blocked on. An empty set means the worker is free.
	liveWorkers map[string]map[string]struct{}

	// lastUnresolved records, per worker, the last variable name that
	// failed to resolve, so a caller whose templating engine swallowed the
	// specific name can still report it precisely.
	lastUnresolved map[string]string

	cancelled bool
}

// New creates an empty Variable Store.
func New() *Store {
	return &Store{
		vars:           make(map[string]*variable),
		waiters:        make(map[string][]*waiter),
		liveWorkers:    make(map[string]map[string]struct{}),
		lastUnresolved: make(map[string]string),
	}
}

func (s *Store) ensureLocked(name string) *variable {
	v, ok := s.vars[name]
	if !ok {
		v = &variable{}
		s.vars[name] = v
	}
	return v
}

// Register adds a worker to the live set so it can be considered free or
// blocked by the deadlock detector. Must be called before the worker's
// first Lookup.
func (s *Store) Register(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveWorkers[workerID] = make(map[string]struct{})
}

// SetValue records a variable-file-supplied value. It does not mark the
// variable as defined and never wakes waiters: a value alone is not enough
// to resolve a lookup, only a matching Define is.
func (s *Store) SetValue(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.ensureLocked(name)
	if !v.hasValue {
		v.value = value
		v.hasValue = true
	}
}

// Define marks a variable as declared, optionally attaching a default, and
// broadcasts to every waiter blocked on it. Broadcasting unconditionally
// (even when hasDefault is false) lets a waiter wake, observe "defined but
// no value", and fail with a precise message instead of hanging until
// deadlock detection eventually cancels it.
func (s *Store) Define(name string, def any, hasDefault bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ensureLocked(name)
	if !v.defined {
		v.defined = true
	}
	if hasDefault && !v.hasDefault {
		v.def = def
		v.hasDefault = true
	}

	s.wakeLocked(name)
	s.checkDeadlockLocked()
}

// wakeLocked signals and clears every waiter registered for name.
func (s *Store) wakeLocked(name string) {
	for _, w := range s.waiters[name] {
		close(w.ch)
		if waits, ok := s.liveWorkers[w.workerID]; ok {
			delete(waits, name)
		}
	}
	delete(s.waiters, name)
}

// resolveLocked reports whether name is defined and, if so, the value a
// lookup should return. defined=false means the caller must still wait
// (or fail, if cancellation already happened). defined=true with ok=false
// means the variable was declared with neither a value nor a default.
func (s *Store) resolveLocked(name string) (value any, ok bool, defined bool) {
	v, exists := s.vars[name]
	if !exists || !v.defined {
		return nil, false, false
	}
	if v.hasValue {
		return v.value, true, true
	}
	if v.hasDefault {
		return v.def, true, true
	}
	return nil, false, true
}

// Lookup blocks the calling worker until name becomes defined or global
// cancellation is declared, then resolves it: the variable-file value if
// set, else the default if set, else an UnresolvedError.
func (s *Store) Lookup(workerID, name string) (any, error) {
	s.mu.Lock()

	if value, ok, defined := s.resolveLocked(name); defined {
		s.mu.Unlock()
		if !ok {
			return nil, s.recordUnresolved(workerID, name)
		}
		return value, nil
	}

	if s.cancelled {
		s.mu.Unlock()
		return nil, s.recordUnresolved(workerID, name)
	}

	ch := make(chan struct{})
	s.waiters[name] = append(s.waiters[name], &waiter{ch: ch, workerID: workerID})
	if waits, ok := s.liveWorkers[workerID]; ok {
		waits[name] = struct{}{}
	}
	s.checkDeadlockLocked()
	s.mu.Unlock()

	<-ch

	s.mu.Lock()
	if waits, ok := s.liveWorkers[workerID]; ok {
		delete(waits, name)
	}
	value, ok, defined := s.resolveLocked(name)
	s.mu.Unlock()

	if !defined || !ok {
		return nil, s.recordUnresolved(workerID, name)
	}
	return value, nil
}

func (s *Store) recordUnresolved(workerID, name string) error {
	s.mu.Lock()
	s.lastUnresolved[workerID] = name
	s.mu.Unlock()
	return &UnresolvedError{Name: name}
}

// LastUnresolved returns the last variable name that failed to resolve for
// workerID, for callers whose templating engine does not surface the name
// through the error it raises.
func (s *Store) LastUnresolved(workerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.lastUnresolved[workerID]
	return name, ok
}

// Done removes a worker from the live registry and re-runs the deadlock
// check, since its departure may leave the remaining workers all blocked.
func (s *Store) Done(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.liveWorkers, workerID)
	s.checkDeadlockLocked()
}

// checkDeadlockLocked cancels every outstanding wait once no live worker is
// free. A free worker might still go on to define the variables others are
// waiting for; once none remain, no further progress is possible.
func (s *Store) checkDeadlockLocked() {
	if s.cancelled || len(s.liveWorkers) == 0 {
		return
	}
	for _, waits := range s.liveWorkers {
		if len(waits) == 0 {
			return
		}
	}
	s.cancelAllLocked()
}

func (s *Store) cancelAllLocked() {
	s.cancelled = true
	for name, ws := range s.waiters {
		for _, w := range ws {
			close(w.ch)
		}
		delete(s.waiters, name)
	}
	for id := range s.liveWorkers {
		s.liveWorkers[id] = make(map[string]struct{})
	}
}
