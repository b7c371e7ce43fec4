package squirrelstore

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// hooks holds at most one callback per pipeline point.
type hooks[T any] struct {
	beforeInitialGet func(raw any) (T, error)
	beforeSave       func(v T) (any, error)
	afterSave        func(v T)
	onUpdate         func(v T)
}

// BeforeInitialGet registers the transform applied to a value found in the
// store on the first Get, typically to deserialize or upgrade it. raw is the
// stored JSON decoded into generic Go values; see [DecodeRaw].
// Registering again replaces the previous transform; nil removes it.
func (h *Handle[T]) BeforeInitialGet(fn func(raw any) (T, error)) {
	h.mu.Lock()
	h.hooks.beforeInitialGet = fn
	h.mu.Unlock()
}

// BeforeSave registers the transform applied to the cached value before it
// is written. The result is JSON encoded. The cached value itself is not
// changed.
func (h *Handle[T]) BeforeSave(fn func(v T) (any, error)) {
	h.mu.Lock()
	h.hooks.beforeSave = fn
	h.mu.Unlock()
}

// AfterSave registers a notification fired after every successful save with
// the cached value that was saved (before any BeforeSave transform). It is
// never fired in backup mode.
func (h *Handle[T]) AfterSave(fn func(v T)) {
	h.mu.Lock()
	h.hooks.afterSave = fn
	h.mu.Unlock()
}

// OnUpdate registers a notification fired with the new value after Update
// and Increment.
func (h *Handle[T]) OnUpdate(fn func(v T)) {
	h.mu.Lock()
	h.hooks.onUpdate = fn
	h.mu.Unlock()
}

// BindToClose registers the callback run when the entity's session ends,
// before the final save, with the entity ID and the current cached value.
func (h *Handle[T]) BindToClose(fn func(entityID string, v T)) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

// guard tracks the goroutines currently running a hook of one handle.
// A goroutine inside a hook may not mutate the handle. Other goroutines are
// only held back by exclusive hooks (update functions and OnUpdate), which
// must see their own result as the latest value.
type guard struct {
	running   map[uint64]int
	exclusive int
	idle      *sync.Cond
}

func newGuard(mu *sync.Mutex) guard {
	return guard{running: make(map[uint64]int), idle: sync.NewCond(mu)}
}

// enter registers the calling goroutine as running a hook and returns its
// ID for leave. Must be called with the handle's mu held.
func (g *guard) enter(exclusive bool) uint64 {
	id := goroutineID()
	g.running[id]++
	if exclusive {
		g.exclusive++
	}
	return id
}

// leave ends a hook call started with enter. Must be called with the
// handle's mu held.
func (g *guard) leave(id uint64, exclusive bool) {
	if g.running[id]--; g.running[id] <= 0 {
		delete(g.running, id)
	}
	if exclusive {
		g.exclusive--
	}
	g.idle.Broadcast()
}

// acquire returns ErrReentrant when called from inside a hook and otherwise
// waits until no exclusive hook runs. Must be called with the handle's mu
// held; it may release and reacquire it while waiting.
func (g *guard) acquire() error {
	if len(g.running) == 0 {
		return nil
	}
	id := goroutineID()
	for {
		if g.running[id] > 0 {
			return ErrReentrant
		}
		if g.exclusive == 0 {
			return nil
		}
		g.idle.Wait()
	}
}

// goroutineID parses the current goroutine's ID from its stack header,
// "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// runHook calls fn as a hook of h. h.mu must not be held.
func (h *Handle[T]) runHook(exclusive bool, fn func()) {
	h.mu.Lock()
	id := h.guard.enter(exclusive)
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.guard.leave(id, exclusive)
		h.mu.Unlock()
	}()
	fn()
}

// notify runs a save notification. It does not hold back other goroutines.
func (h *Handle[T]) notify(fn func(T), v T) {
	if fn == nil {
		return
	}
	h.runHook(false, func() { fn(v) })
}

// transform runs a transform hook on a snapshot. It does not hold back other
// goroutines.
func transform[T, R any](h *Handle[T], fn func() (R, error)) (out R, err error) {
	h.runHook(false, func() { out, err = fn() })
	return out, err
}
