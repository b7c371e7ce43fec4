package squirrelstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Keksclan/squirrelstore/backend"
)

// SavingMethod decides how one physical key is laid out in the backend.
type SavingMethod interface {
	// Load returns the latest payload saved under key.
	Load(ctx context.Context, b backend.Backend, key string) ([]byte, bool, error)
	// Store saves payload as the latest value of key.
	Store(ctx context.Context, b backend.Backend, key string, payload []byte) error
}

// Standard returns the SavingMethod that keeps one payload per key and
// overwrites it on every save.
func Standard() SavingMethod { return standard{} }

type standard struct{}

func (standard) Load(ctx context.Context, b backend.Backend, key string) ([]byte, bool, error) {
	return b.Read(ctx, key)
}

func (standard) Store(ctx context.Context, b backend.Backend, key string, payload []byte) error {
	return b.Write(ctx, key, payload)
}

// Versioned returns the SavingMethod that writes every save under a new
// version key ("key@<version>") and only then moves the "key@latest"
// pointer to it. A save that fails half way leaves the previous version as
// the one that is read back; older versions stay in the store for manual
// recovery.
func Versioned() SavingMethod {
	return &versioned{nowFunc: time.Now}
}

type versioned struct {
	mu      sync.Mutex
	last    int64
	nowFunc func() time.Time
}

// LatestKey is the key of the pointer a Versioned saving method keeps for key.
func LatestKey(key string) string { return key + "@latest" }

// VersionKey is the key under which a Versioned saving method stores one
// version of key.
func VersionKey(key string, version int64) string {
	return key + "@" + strconv.FormatInt(version, 10)
}

func (v *versioned) Load(ctx context.Context, b backend.Backend, key string) ([]byte, bool, error) {
	ptr, found, err := b.Read(ctx, LatestKey(key))
	if err != nil || !found {
		return nil, false, err
	}
	version, err := strconv.ParseInt(string(ptr), 10, 64)
	if err != nil {
		return nil, false, backend.Permanent(fmt.Errorf("corrupt version pointer %q: %w", ptr, err))
	}
	payload, found, err := b.Read(ctx, VersionKey(key, version))
	if err != nil {
		return nil, false, err
	}
	if !found {
		// The pointer is only written after its version; a missing version
		// means the store has not caught up yet.
		return nil, false, fmt.Errorf("version %d of %s not visible yet", version, key)
	}
	return payload, true, nil
}

func (v *versioned) Store(ctx context.Context, b backend.Backend, key string, payload []byte) error {
	version := v.next()
	if err := b.Write(ctx, VersionKey(key, version), payload); err != nil {
		return err
	}
	return b.Write(ctx, LatestKey(key), []byte(strconv.FormatInt(version, 10)))
}

// next returns a strictly increasing version number based on wall time.
func (v *versioned) next() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.nowFunc().UnixNano()
	if n <= v.last {
		n = v.last + 1
	}
	v.last = n
	return n
}
