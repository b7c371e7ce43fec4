package squirrelstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/backup"
	"github.com/Keksclan/squirrelstore/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handle is the cache and save unit for one entity in one namespace.
// Obtain it with [Open]; there is at most one Handle per identity and Store.
//
// Values are treated as snapshots: Get returns the cached value itself, so
// callers that hold reference types (maps, slices, pointers) must not modify
// them in place. Use Set or Update to change the value.
//
// All methods are safe for concurrent use.
type Handle[T any] struct {
	store *Store
	id    identity
	loc   location
	log   logrus.FieldLogger

	// loadMu serialises first fetches.
	loadMu sync.Mutex

	mu       sync.Mutex
	value    T
	loaded   bool
	dirty    bool
	saving   bool
	saveDone chan struct{} // closed when the in-flight save finishes
	gen      uint64        // bumped on every mutation
	loader   uint64        // goroutine running the first fetch, 0 if none
	guard    guard

	backupValue    T
	hasBackupValue bool
	policy         *backup.Policy

	hooks   hooks[T]
	onClose func(entityID string, v T)
}

func newHandle[T any](s *Store, id identity) *Handle[T] {
	loc := s.locate(id)
	h := &Handle[T]{
		store:  s,
		id:     id,
		loc:    loc,
		log:    s.log.WithFields(logging.HandleFields(id.namespace, id.entityID, loc.key)),
		policy: backup.New(0),
	}
	h.guard = newGuard(&h.mu)
	return h
}

// GetOption tweaks a single Get call.
type GetOption func(*getOptions)

type getOptions struct {
	noFetch bool
}

// DontAttemptGet makes a Get on a handle that is not loaded yet return the
// default without contacting the backend. The handle stays unloaded.
func DontAttemptGet() GetOption {
	return func(o *getOptions) { o.noFetch = true }
}

// Get returns the cached value. The first successful call loads it from the
// backend (def when nothing is stored); every later call returns the cache
// and ignores its arguments.
//
// A failed load returns a *ReadError and the handle stays unloaded. Once the
// number of consecutive failures reaches the backup threshold the handle
// switches to backup mode and Get returns the backup value (or def) instead.
func (h *Handle[T]) Get(ctx context.Context, def T, opts ...GetOption) (T, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	if v, ok, err := h.cached(); ok || err != nil {
		return v, err
	}
	if o.noFetch {
		return def, nil
	}

	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	if v, ok, err := h.cached(); ok || err != nil {
		return v, err
	}

	h.mu.Lock()
	h.loader = goroutineID()
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.loader = 0
		h.mu.Unlock()
	}()
	return h.load(ctx, def)
}

// cached returns the value if the handle is loaded. A Get issued by the
// BeforeInitialGet hook of the load in progress is rejected, since it would
// wait for itself.
func (h *Handle[T]) cached() (T, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return h.value, true, nil
	}
	var zero T
	if h.loader != 0 && h.loader == goroutineID() {
		return zero, false, ErrReentrant
	}
	return zero, false, nil
}

// load performs the first fetch. Must be called with loadMu held.
func (h *Handle[T]) load(ctx context.Context, def T) (T, error) {
	s := h.store
	payload, found, err := s.read(ctx, h.loc)

	var v T
	switch {
	case err != nil:
	case !found:
		v = def
		s.cfg.metrics.ReadMiss(h.id.namespace)
	default:
		v, err = h.decode(payload)
		if err == nil {
			s.cfg.metrics.ReadHit(h.id.namespace)
		}
	}
	if err != nil {
		return h.readFailed(ctx, def, err)
	}

	h.policy.OnSuccess()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		// Set won the race while the read was in flight.
		return h.value, nil
	}
	h.value = v
	h.loaded = true
	return v, nil
}

// decode turns a stored payload into T, through the BeforeInitialGet hook
// when one is registered.
func (h *Handle[T]) decode(payload []byte) (T, error) {
	var zero T

	h.mu.Lock()
	fn := h.hooks.beforeInitialGet
	h.mu.Unlock()

	if fn == nil {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return zero, backend.Permanent(fmt.Errorf("decode: %w", err))
		}
		return v, nil
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return zero, backend.Permanent(fmt.Errorf("decode: %w", err))
	}
	v, err := transform(h, func() (T, error) { return fn(raw) })
	if err != nil {
		return zero, backend.Permanent(fmt.Errorf("before initial get: %w", err))
	}
	return v, nil
}

// readFailed counts a failed load and switches to backup mode at the
// threshold.
func (h *Handle[T]) readFailed(ctx context.Context, def T, cause error) (T, error) {
	var zero T
	s := h.store
	s.cfg.metrics.ReadError(h.id.namespace)
	rerr := &ReadError{Key: h.loc.key, Err: cause}

	// The caller giving up is not a store failure.
	if ctx.Err() != nil {
		return zero, rerr
	}

	if !h.policy.OnFailure() {
		h.log.WithError(cause).WithField("failures", h.policy.Failures()).Debug("squirrelstore: load failed")
		return zero, rerr
	}

	h.mu.Lock()
	discarded := h.loaded && h.dirty
	if !h.loaded {
		h.value = def
		if h.hasBackupValue {
			h.value = h.backupValue
		}
		h.loaded = true
		h.dirty = false
	}
	v := h.value
	h.mu.Unlock()

	if discarded {
		// A Set landed while the failing read was in flight. Backup mode
		// never saves, so that change is gone.
		h.log.WithField("data_loss", true).
			Error("squirrelstore: entering backup mode with unsaved changes, they will not be saved")
		s.cfg.metrics.DataLoss(h.id.namespace)
	}

	h.log.WithError(cause).WithField("failures", h.policy.Failures()).
		Warn("squirrelstore: read failures reached threshold, entering backup mode")
	s.cfg.metrics.BackupEntered(h.id.namespace)
	return v, nil
}

// Set overwrites the cached value and marks the handle loaded and dirty.
// It performs no I/O and fires no hook. It waits for a running Update or
// OnUpdate of another goroutine and fails with [ErrReentrant] inside a hook.
func (h *Handle[T]) Set(v T) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.guard.acquire(); err != nil {
		return err
	}
	h.value = v
	h.loaded = true
	h.markDirty()
	return nil
}

// Update replaces the cached value with fn(value), marks the handle dirty
// and fires OnUpdate with the new value. The handle must be loaded.
// Mutations from other goroutines wait until fn and OnUpdate have returned;
// fn and OnUpdate themselves cannot mutate the handle ([ErrReentrant]).
func (h *Handle[T]) Update(fn func(v T) T) error {
	h.mu.Lock()
	if err := h.guard.acquire(); err != nil {
		h.mu.Unlock()
		return err
	}
	if !h.loaded {
		h.mu.Unlock()
		return fmt.Errorf("%w: update %s", ErrNotLoaded, h.loc.key)
	}
	cur := h.value
	id := h.guard.enter(true)
	h.mu.Unlock()
	defer h.release(id)

	next := fn(cur)

	h.mu.Lock()
	h.value = next
	h.markDirty()
	onUpdate := h.hooks.onUpdate
	h.mu.Unlock()

	if onUpdate != nil {
		onUpdate(next)
	}
	return nil
}

// release ends an exclusive section started under h.mu with enter.
func (h *Handle[T]) release(id uint64) {
	h.mu.Lock()
	h.guard.leave(id, true)
	h.mu.Unlock()
}

// Increment adds delta to the cached value, marks the handle dirty and fires
// OnUpdate. A handle that is not loaded starts from def and becomes loaded.
// T must be an integer or floating point type.
func (h *Handle[T]) Increment(delta, def T) error {
	if !isNumeric(reflect.TypeFor[T]()) {
		return fmt.Errorf("%w: increment on %s", ErrTypeMismatch, reflect.TypeFor[T]())
	}

	h.mu.Lock()
	if err := h.guard.acquire(); err != nil {
		h.mu.Unlock()
		return err
	}
	if !h.loaded {
		h.value = def
		h.loaded = true
	}
	h.value = addNumeric(h.value, delta)
	h.markDirty()
	next, onUpdate := h.value, h.hooks.onUpdate
	if onUpdate == nil {
		h.mu.Unlock()
		return nil
	}
	id := h.guard.enter(true)
	h.mu.Unlock()
	defer h.release(id)

	onUpdate(next)
	return nil
}

// markDirty must be called with h.mu held.
func (h *Handle[T]) markDirty() {
	h.dirty = true
	h.gen++
}

// Save writes the cached value to the backend. It returns immediately when
// the handle is in backup mode, has nothing to save, or is already saving.
//
// On success the handle is clean unless it was mutated while the write was
// in flight, and AfterSave fires with the value that was saved. On failure
// the handle stays dirty and a *WriteError is returned.
func (h *Handle[T]) Save(ctx context.Context) error {
	return h.saveAttempt(ctx, 1)
}

// SaveAsync runs Save in the background. The returned channel receives its
// result and is then closed.
func (h *Handle[T]) SaveAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- h.Save(ctx)
	}()
	return ch
}

func (h *Handle[T]) saveAttempt(ctx context.Context, attempt int) error {
	h.mu.Lock()
	if h.policy.Active() || !h.dirty || h.saving {
		h.mu.Unlock()
		return nil
	}
	h.saving = true
	h.saveDone = make(chan struct{})
	v, gen, beforeSave := h.value, h.gen, h.hooks.beforeSave
	h.mu.Unlock()

	err := h.write(ctx, v, beforeSave, attempt)

	h.mu.Lock()
	h.saving = false
	close(h.saveDone)
	if err == nil && h.gen == gen {
		h.dirty = false
	}
	afterSave := h.hooks.afterSave
	h.mu.Unlock()

	if err != nil {
		return err
	}
	h.notify(afterSave, v)
	return nil
}

func (h *Handle[T]) write(ctx context.Context, v T, beforeSave func(T) (any, error), attempt int) error {
	s := h.store
	log := h.log.WithFields(logging.SaveFields(uuid.NewString(), attempt))

	var out any = v
	if beforeSave != nil {
		t, err := transform(h, func() (any, error) { return beforeSave(v) })
		if err != nil {
			return &WriteError{Key: h.loc.key, Err: backend.Permanent(fmt.Errorf("before save: %w", err))}
		}
		out = t
	}
	payload, err := encodeValue(out)
	if err != nil {
		return &WriteError{Key: h.loc.key, Err: err}
	}

	start := time.Now()
	err = s.write(ctx, h.loc, payload)
	s.cfg.metrics.Write(h.id.namespace, time.Since(start).Seconds(), err)
	if err != nil {
		log.WithError(err).Debug("squirrelstore: save failed")
		return &WriteError{Key: h.loc.key, Err: err}
	}
	log.WithField("bytes", len(payload)).Debug("squirrelstore: saved")
	return nil
}

// flush saves until the handle is clean. Unlike Save it waits for an
// in-flight save instead of returning.
func (h *Handle[T]) flush(ctx context.Context, attempt int) error {
	for {
		h.mu.Lock()
		if h.policy.Active() || !h.dirty {
			h.mu.Unlock()
			return nil
		}
		if h.saving {
			done := h.saveDone
			h.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		h.mu.Unlock()

		if err := h.saveAttempt(ctx, attempt); err != nil {
			return err
		}
	}
}

// SetBackup sets the number of consecutive failed loads after which the
// handle switches to backup mode, serving the Get default. A value <= 0
// disables backup mode. It takes effect on the next failed load and clears
// any backup value.
func (h *Handle[T]) SetBackup(retries int) {
	h.mu.Lock()
	var zero T
	h.backupValue, h.hasBackupValue = zero, false
	h.mu.Unlock()
	h.policy.SetThreshold(retries)
}

// SetBackupValue is SetBackup with a fallback value served in backup mode
// instead of the Get default.
func (h *Handle[T]) SetBackupValue(retries int, v T) {
	h.mu.Lock()
	h.backupValue, h.hasBackupValue = v, true
	h.mu.Unlock()
	h.policy.SetThreshold(retries)
}

// ClearBackup leaves backup mode and forgets the cached value, any unsaved
// change and the backup value, so the next Get performs a real fetch.
func (h *Handle[T]) ClearBackup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	var zero T
	h.policy.Clear()
	h.backupValue, h.hasBackupValue = zero, false
	h.value = zero
	h.loaded = false
	h.dirty = false
	h.gen++
}

// IsBackup reports whether the handle is in backup mode.
func (h *Handle[T]) IsBackup() bool { return h.policy.Active() }

// IsLoaded reports whether the cached value has been established.
func (h *Handle[T]) IsLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// IsDirty reports whether there are unsaved changes.
func (h *Handle[T]) IsDirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

// IsSaving reports whether a save is in flight.
func (h *Handle[T]) IsSaving() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saving
}

// Namespace returns the logical key the handle was opened with.
func (h *Handle[T]) Namespace() string { return h.id.namespace }

// EntityID returns the entity the handle belongs to.
func (h *Handle[T]) EntityID() string { return h.id.entityID }

// Key returns the physical backend key. For a combined namespace it is the
// main key's.
func (h *Handle[T]) Key() string { return h.loc.key }

// runClose fires the BindToClose callback with the current value.
func (h *Handle[T]) runClose() {
	h.mu.Lock()
	fn, v := h.onClose, h.value
	h.mu.Unlock()
	if fn != nil {
		fn(h.id.entityID, v)
	}
}

func (h *Handle[T]) identity() identity { return h.id }

func (h *Handle[T]) valueType() reflect.Type { return reflect.TypeFor[T]() }

// entry is the type-erased view the Store keeps of a Handle.
type entry interface {
	identity() identity
	valueType() reflect.Type
	Key() string
	Save(ctx context.Context) error
	flush(ctx context.Context, attempt int) error
	runClose()
}

func isNumeric(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// addNumeric returns a+b for a numeric T. Integer overflow wraps.
func addNumeric[T any](a, b T) T {
	va := reflect.ValueOf(&a).Elem()
	vb := reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		va.SetInt(va.Int() + vb.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		va.SetUint(va.Uint() + vb.Uint())
	case reflect.Float32, reflect.Float64:
		va.SetFloat(va.Float() + vb.Float())
	}
	return a
}
