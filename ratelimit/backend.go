package ratelimit

import (
	"context"
	"fmt"

	"github.com/Keksclan/squirrelstore/backend"
)

// Throttled is a Backend that waits for a token before every call to the
// wrapped Backend. Reads and writes are budgeted separately, the way most
// hosted key-value stores meter them.
type Throttled struct {
	next   backend.Backend
	reads  *Limiter
	writes *Limiter
}

// Compile-time check that Throttled implements backend.Backend.
var _ backend.Backend = (*Throttled)(nil)

// NewThrottled wraps next. A nil limiter leaves that direction unthrottled.
func NewThrottled(next backend.Backend, reads, writes *Limiter) *Throttled {
	return &Throttled{next: next, reads: reads, writes: writes}
}

// Middleware returns a backend.Middleware that applies NewThrottled.
func Middleware(reads, writes *Limiter) backend.Middleware {
	return func(next backend.Backend) backend.Backend {
		return NewThrottled(next, reads, writes)
	}
}

// Read waits for a read token, then reads from the wrapped Backend.
func (t *Throttled) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if t.reads != nil {
		if err := t.reads.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("ratelimit: read %s: %w", key, err)
		}
	}
	return t.next.Read(ctx, key)
}

// Write waits for a write token, then writes to the wrapped Backend.
func (t *Throttled) Write(ctx context.Context, key string, value []byte) error {
	if t.writes != nil {
		if err := t.writes.Wait(ctx); err != nil {
			return fmt.Errorf("ratelimit: write %s: %w", key, err)
		}
	}
	return t.next.Write(ctx, key, value)
}
