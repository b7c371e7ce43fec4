// Package squirrelstore is a caching and durable-persistence layer in front
// of a remote, rate-limited, eventually-consistent key-value store.
//
// Each entity's data for one namespace lives in a [Handle]: the first Get
// loads it, mutations only touch the in-memory copy and mark it dirty, and
// the value reaches the store on an explicit Save, on the periodic autosave
// driven by [Store.Run], and when the entity's session ends:
//
//	store := squirrelstore.New(backend)
//	coins, err := squirrelstore.Open[int](store, "coins", playerID)
//	n, err := coins.Get(ctx, 0)
//	err = coins.Increment(5, 0)
//	...
//	err = store.EndSession(ctx, playerID)
//
// Namespaces can be combined under a main key with [Store.Combine] so that
// several of them share one physical key, for stores that limit the number
// of keys per entity.
package squirrelstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/sirupsen/logrus"
)

// Store owns the live handles, the key combination table and the backend.
type Store struct {
	backend  backend.Backend
	cfg      config
	log      logrus.FieldLogger
	combiner *combiner

	mu        sync.Mutex
	handles   map[identity]entry
	finishing map[entry]struct{} // claimed by EndSession or Close
	closed    bool

	locksMu  sync.Mutex
	keyLocks map[string]*keyLock
}

// identity names one handle.
type identity struct {
	namespace string
	entityID  string
}

// location is where a handle lives in the backend. member is set when the
// namespace is combined into the table stored under key.
type location struct {
	key    string
	member string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Store in front of b. Middleware given with [WithMiddleware]
// is applied to b.
func New(b backend.Backend, opts ...Option) *Store {
	cfg := newConfig(opts)
	return &Store{
		backend:  backend.Wrap(b, cfg.middlewares...),
		cfg:      cfg,
		log:      cfg.logger,
		combiner: newCombiner(),
		handles:   make(map[identity]entry),
		finishing: make(map[entry]struct{}),
		keyLocks: make(map[string]*keyLock),
	}
}

// Key returns the physical key of an entity in a namespace.
func Key(namespace, entityID string) string {
	return namespace + "/" + entityID
}

// Combine stores the given namespaces as members of one table under
// mainKey. It must be called before the first Open.
func (s *Store) Combine(mainKey string, keys ...string) error {
	return s.combiner.combine(mainKey, keys)
}

// Open returns the handle for entityID in namespace, creating it on first
// use. Later calls return the same handle; opening an identity that is
// already open with a different T fails with [ErrTypeMismatch].
func Open[T any](s *Store, namespace, entityID string) (*Handle[T], error) {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("squirrelstore: open: namespace and entity ID are required")
	}
	s.combiner.freeze()

	id := identity{namespace: namespace, entityID: entityID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if e, ok := s.handles[id]; ok {
		h, ok := e.(*Handle[T])
		if !ok {
			return nil, fmt.Errorf("%w: %s is open as %s", ErrTypeMismatch, e.Key(), e.valueType())
		}
		return h, nil
	}
	h := newHandle[T](s, id)
	s.handles[id] = h
	s.cfg.metrics.SetLiveHandles(len(s.handles))
	return h, nil
}

// Release drops a handle from the live set without saving it. A later Open
// creates a fresh handle.
func (s *Store) Release(namespace, entityID string) {
	id := identity{namespace: namespace, entityID: entityID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; ok {
		delete(s.handles, id)
		s.cfg.metrics.SetLiveHandles(len(s.handles))
	}
}

// ClearCache drops every live handle without saving.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.handles)
	s.cfg.metrics.SetLiveHandles(0)
}

// Len returns the number of live handles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// SaveAll saves every live handle of entityID and joins their errors.
func (s *Store) SaveAll(ctx context.Context, entityID string) error {
	var errs []error
	for _, e := range s.entity(entityID) {
		if err := e.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// entity returns the live handles of one entity.
func (s *Store) entity(entityID string) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entry
	for id, e := range s.handles {
		if id.entityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// claim marks the live handles selected by match as finishing and returns
// them. Handles another caller is already finishing are skipped.
func (s *Store) claim(match func(identity) bool) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entry
	for id, e := range s.handles {
		if _, busy := s.finishing[e]; busy || !match(id) {
			continue
		}
		s.finishing[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (s *Store) live() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry, 0, len(s.handles))
	for _, e := range s.handles {
		out = append(out, e)
	}
	return out
}

// release drops e if it is still the live handle for its identity and
// ends its claim.
func (s *Store) release(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.finishing, e)
	if cur, ok := s.handles[e.identity()]; ok && cur == e {
		delete(s.handles, e.identity())
		s.cfg.metrics.SetLiveHandles(len(s.handles))
	}
}

func (s *Store) locate(id identity) location {
	if main, ok := s.combiner.resolve(id.namespace); ok {
		return location{key: Key(main, id.entityID), member: id.namespace}
	}
	return location{key: Key(id.namespace, id.entityID)}
}

// read loads the payload at loc, extracting the member of a combined table.
func (s *Store) read(ctx context.Context, loc location) ([]byte, bool, error) {
	payload, found, err := s.cfg.saving.Load(ctx, s.backend, loc.key)
	if err != nil || !found || loc.member == "" {
		return payload, found, err
	}
	return extractMember(payload, loc.member)
}

// write saves payload at loc. A combined member is merged into its table
// with a read-modify-write serialised per physical key, so sibling members
// saved concurrently are not lost.
func (s *Store) write(ctx context.Context, loc location, payload []byte) error {
	if loc.member == "" {
		return s.cfg.saving.Store(ctx, s.backend, loc.key, payload)
	}

	unlock := s.lockKey(loc.key)
	defer unlock()

	table, found, err := s.cfg.saving.Load(ctx, s.backend, loc.key)
	if err != nil {
		return err
	}
	if !found {
		table = nil
	}
	merged, err := setMember(table, loc.member, payload)
	if err != nil {
		return err
	}
	return s.cfg.saving.Store(ctx, s.backend, loc.key, merged)
}

// lockKey locks the physical key and returns the unlock function. Lock
// entries are reference counted and removed when unused.
func (s *Store) lockKey(key string) func() {
	s.locksMu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &keyLock{}
		s.keyLocks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.locksMu.Unlock()
	}
}
