package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/Keksclan/squirrelstore/backend"
)

// Tiered is a backend.Backend that serves reads from an L1 cache before
// falling back to the wrapped (remote) Backend. Writes go to the remote
// store first and refresh L1 only on success; a failed write evicts the key
// because the remote state is then unknown.
//
// Concurrent misses for the same key are collapsed into one remote read. A
// remote read that overlaps a Write of its key does not fill L1, so the
// written payload is never replaced by an older one.
type Tiered struct {
	l1   *L1
	next backend.Backend
	ttl  time.Duration

	mu    sync.Mutex
	loads map[string]*call
}

// call deduplicates concurrent remote reads for the same key.
type call struct {
	wg    sync.WaitGroup
	val   []byte
	found bool
	err   error
	stale bool // a Write of the key finished while the read was in flight
}

// Compile-time check that Tiered implements backend.Backend.
var _ backend.Backend = (*Tiered)(nil)

// NewTiered puts l1 in front of next. Entries live for ttl (zero: until
// evicted by ristretto).
func NewTiered(l1 *L1, next backend.Backend, ttl time.Duration) *Tiered {
	return &Tiered{
		l1:    l1,
		next:  next,
		ttl:   ttl,
		loads: make(map[string]*call),
	}
}

// Middleware returns a backend.Middleware that applies NewTiered.
func Middleware(l1 *L1, ttl time.Duration) backend.Middleware {
	return func(next backend.Backend) backend.Backend {
		return NewTiered(l1, next, ttl)
	}
}

// Read follows the L1 → remote pattern. Only found payloads are cached;
// a miss is always re-read from the remote store.
func (t *Tiered) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := t.l1.Get(key); ok {
		return v, true, nil
	}

	t.mu.Lock()
	if c, ok := t.loads[key]; ok {
		t.mu.Unlock()
		c.wg.Wait()
		if c.err != nil {
			return nil, false, c.err
		}
		return bytes.Clone(c.val), c.found, nil
	}

	c := &call{}
	c.wg.Add(1)
	t.loads[key] = c
	t.mu.Unlock()

	c.val, c.found, c.err = t.next.Read(ctx, key)

	t.mu.Lock()
	if c.err == nil && c.found && !c.stale {
		t.l1.Set(key, c.val, t.ttl)
	}
	delete(t.loads, key)
	t.mu.Unlock()
	c.wg.Done()

	if c.err != nil {
		return nil, false, c.err
	}
	return bytes.Clone(c.val), c.found, nil
}

// Write stores value remotely, then refreshes L1.
func (t *Tiered) Write(ctx context.Context, key string, value []byte) error {
	err := t.next.Write(ctx, key, value)

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.loads[key]; ok {
		c.stale = true
	}
	if err != nil {
		t.l1.Delete(key)
		return err
	}
	t.l1.Set(key, value, t.ttl)
	return nil
}
