// Package cache holds lazily reloaded, dirty-tracked copies of store documents.
//
// An Entity keeps the last snapshot read from the store together with the
// store version it carried. Readers get the snapshot without locking until the
// entity is marked dirty; the next reader then reloads it once. Writers never
// touch the snapshot: the first write clones it into a pending buffer which is
// flushed by the owning session and then discarded by MarkSaved.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrInvalidCall = errors.New("cache: nothing pending to save")

// Loader reads the current value and its store version.
type Loader[T any] func(ctx context.Context) (T, int64, error)

type snapshot[T any] struct {
	value   T
	version int64
	gen     uint64
}

type Entity[T any] struct {
	load  Loader[T]
	clone func(T) T

	dirty atomic.Uint64
	snap  atomic.Pointer[snapshot[T]]
	mu    sync.Mutex

	pendingMu      sync.Mutex
	pending        *T
	pendingVersion int64
}

// New returns an entity that loads on first read. clone may be nil for
// values without shared references.
func New[T any](load Loader[T], clone func(T) T) *Entity[T] {
	e := &Entity[T]{load: load, clone: clone}
	e.dirty.Store(1)
	return e
}

func (e *Entity[T]) fresh() (*snapshot[T], bool) {
	s := e.snap.Load()
	if s == nil {
		return nil, false
	}
	return s, e.dirty.Load() <= s.gen
}

// ReadForUpdate returns a copy of the latest snapshot, reloading it if the
// entity was marked dirty after the snapshot was taken. Concurrent stale
// readers share one reload.
func (e *Entity[T]) ReadForUpdate(ctx context.Context) (T, error) {
	s, err := e.current(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return e.copyOf(s.value), nil
}

func (e *Entity[T]) current(ctx context.Context) (*snapshot[T], error) {
	if s, ok := e.fresh(); ok {
		return s, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.fresh(); ok {
		return s, nil
	}

	gen := e.dirty.Load()
	v, version, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	s := &snapshot[T]{value: v, version: version, gen: gen}
	e.snap.Store(s)
	return s, nil
}

// Read returns the pending value when one exists, else the snapshot.
func (e *Entity[T]) Read(ctx context.Context) (T, error) {
	e.pendingMu.Lock()
	if e.pending != nil {
		v := e.copyOf(*e.pending)
		e.pendingMu.Unlock()
		return v, nil
	}
	e.pendingMu.Unlock()
	return e.ReadForUpdate(ctx)
}

// ForWriting returns the pending buffer, cloning it from the current snapshot
// on first use.
func (e *Entity[T]) ForWriting(ctx context.Context) (*T, error) {
	e.pendingMu.Lock()
	if e.pending != nil {
		p := e.pending
		e.pendingMu.Unlock()
		return p, nil
	}
	e.pendingMu.Unlock()

	s, err := e.current(ctx)
	if err != nil {
		return nil, err
	}

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pending == nil {
		c := e.copyOf(s.value)
		e.pending = &c
		e.pendingVersion = s.version
	}
	return e.pending, nil
}

// SetForSaving replaces the pending buffer.
func (e *Entity[T]) SetForSaving(v T) {
	version := e.Version()
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pending == nil {
		e.pendingVersion = version
	}
	e.pending = &v
}

func (e *Entity[T]) NeedsSaving() bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return e.pending != nil
}

// ForSaving returns the pending value and the store version it was derived
// from.
func (e *Entity[T]) ForSaving() (T, int64, error) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pending == nil {
		var zero T
		return zero, 0, ErrInvalidCall
	}
	return e.copyOf(*e.pending), e.pendingVersion, nil
}

// MarkSaved drops the pending buffer and forces the next read to reload.
func (e *Entity[T]) MarkSaved() {
	e.pendingMu.Lock()
	e.pending = nil
	e.pendingVersion = 0
	e.pendingMu.Unlock()
	e.MarkDirty()
}

// Discard drops the pending buffer without touching the snapshot.
func (e *Entity[T]) Discard() {
	e.pendingMu.Lock()
	e.pending = nil
	e.pendingVersion = 0
	e.pendingMu.Unlock()
}

func (e *Entity[T]) MarkDirty() {
	e.dirty.Add(1)
}

func (e *Entity[T]) Dirty() bool {
	_, ok := e.fresh()
	return !ok
}

// Version reports the store version of the current snapshot, 0 before the
// first load.
func (e *Entity[T]) Version() int64 {
	if s := e.snap.Load(); s != nil {
		return s.version
	}
	return 0
}

func (e *Entity[T]) copyOf(v T) T {
	if e.clone == nil {
		return v
	}
	return e.clone(v)
}
