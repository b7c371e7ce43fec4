// Package cache provides an in-process L1 read cache backed by ristretto and
// a write-through Backend wrapper that puts it in front of a slow remote
// store.
package cache

import (
	"bytes"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// L1 is an in-process cache of store payloads backed by ristretto.
type L1 struct {
	rc *ristretto.Cache[string, []byte]
}

// NewL1 creates a new L1 cache. maxCost controls the maximum cost the cache
// can hold (each entry has a cost of 1).
func NewL1(maxCost int64) (*L1, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &L1{rc: rc}, nil
}

// Get retrieves a copy of the payload cached under key.
func (l *L1) Get(key string) ([]byte, bool) {
	v, ok := l.rc.Get(key)
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// Set caches a copy of val under key with the given TTL. A zero TTL means the
// entry has no automatic expiration. Set waits until the entry is visible to
// Get.
func (l *L1) Set(key string, val []byte, ttl time.Duration) {
	l.rc.SetWithTTL(key, bytes.Clone(val), 1, ttl)
	l.rc.Wait()
}

// Delete drops key from the cache.
func (l *L1) Delete(key string) {
	l.rc.Del(key)
}

// Clear drops every entry.
func (l *L1) Clear() {
	l.rc.Clear()
}

// Close stops ristretto's background goroutines.
func (l *L1) Close() {
	l.rc.Close()
}
