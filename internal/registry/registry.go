// Package registry provides a scoped key-value mutation recorder: every
// Set/Delete made through a Scope remembers the prior value (or its
// absence) so Restore can undo every change, in the reverse order they
// were first touched. Restore runs by itself only when the process
// receives SIGINT or SIGTERM; on any other exit the caller has to call it,
// and a process that dies without doing so leaves the changes in place.
//
// The original subject was the Windows registry, used to toggle legacy
// plugin configuration for the duration of a single recording pass
// (out of scope here per its OS-specific contract); this package keeps
// the same scoped-mutation shape against any key-value Backend so the
// Recorder can apply and always revert plugin configuration regardless
// of host OS.
package registry

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Backend is the minimal key-value store a Scope mutates and restores.
// A real implementation might be backed by the Windows registry, an INI
// file, or an in-memory map for tests.
type Backend interface {
	Get(key string) (value string, exists bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// MapBackend is an in-memory Backend, useful for tests and for platforms
// with no native registry-like store to configure.
type MapBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMapBackend() *MapBackend {
	return &MapBackend{values: make(map[string]string)}
}

func (b *MapBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *MapBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *MapBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

// priorState is a key's value before a Scope first touched it: existed
// reports whether the key had any value at all.
type priorState struct {
	value   string
	existed bool
}

// Scope records every mutation made through it so Restore can revert the
// backend to exactly the state it found. Only the first touch of a given
// key is remembered, mirroring the original "first value wins" behavior.
type Scope struct {
	backend Backend

	mu       sync.Mutex
	original map[string]priorState
	order    []string

	signalCh chan os.Signal
	done     chan struct{}
}

// Open begins a new scope over backend and installs a SIGINT/SIGTERM
// handler that calls Restore when either signal arrives. The handler does
// not re-raise the signal or exit the process.
func Open(backend Backend) *Scope {
	s := &Scope{
		backend:  backend,
		original: make(map[string]priorState),
		signalCh: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}

	signal.Notify(s.signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-s.signalCh:
			s.Restore()
		case <-s.done:
		}
	}()

	return s
}

func (s *Scope) remember(key string) {
	if _, ok := s.original[key]; ok {
		return
	}
	value, exists, err := s.backend.Get(key)
	if err != nil {
		value, exists = "", false
	}
	s.original[key] = priorState{value: value, existed: exists}
	s.order = append(s.order, key)
}

// Set writes value to key, remembering the key's prior value (or absence)
// the first time this scope touches it.
func (s *Scope) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remember(key)
	return s.backend.Set(key, value)
}

// Delete removes key, remembering its prior value the first time this
// scope touches it. Reports whether the key existed.
func (s *Scope) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists, err := s.backend.Get(key)
	if err != nil {
		return false, err
	}
	s.remember(key)
	return exists, s.backend.Delete(key)
}

// Restore undoes every mutation made through this scope, in the reverse
// order keys were first touched, and forgets them. Safe to call more
// than once; the second call is a no-op.
func (s *Scope) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		key := s.order[i]
		prior := s.original[key]
		if prior.existed {
			_ = s.backend.Set(key, prior.value)
		} else {
			_ = s.backend.Delete(key)
		}
	}
	s.original = make(map[string]priorState)
	s.order = nil
}

// Close stops this scope's signal handler without restoring; callers that
// want restoration on normal exit must call Restore explicitly.
func (s *Scope) Close() {
	close(s.done)
	signal.Stop(s.signalCh)
}
