// Package backend defines the contract between squirrelstore and the remote
// key-value store it fronts, plus an in-memory implementation with failure
// injection for tests and demos.
//
// A Backend only needs two operations. Any error it returns is treated as
// transient unless it has been marked with [Permanent].
package backend

import "context"

// Backend is the backing-store collaborator.
type Backend interface {
	// Read returns the payload stored under key. The boolean reports whether
	// the key exists.
	Read(ctx context.Context, key string) ([]byte, bool, error)

	// Write stores value under key, replacing any previous payload.
	Write(ctx context.Context, key string, value []byte) error
}

// Middleware decorates a Backend with additional behaviour (caching,
// throttling, tracing).
type Middleware func(Backend) Backend

// Chain composes middlewares from left to right, i.e. Chain(A, B)(b) => A(B(b)).
// The first middleware is the outermost one and sees every call first.
func Chain(mw ...Middleware) Middleware {
	return func(next Backend) Backend {
		for i := len(mw) - 1; i >= 0; i-- {
			if mw[i] != nil {
				next = mw[i](next)
			}
		}
		return next
	}
}

// Wrap applies the middleware chain to b and returns the decorated Backend.
func Wrap(b Backend, mw ...Middleware) Backend {
	if len(mw) == 0 {
		return b
	}
	return Chain(mw...)(b)
}

// Func adapts a pair of plain functions to the Backend interface.
type Func struct {
	ReadFunc  func(ctx context.Context, key string) ([]byte, bool, error)
	WriteFunc func(ctx context.Context, key string, value []byte) error
}

// Read calls f.ReadFunc.
func (f Func) Read(ctx context.Context, key string) ([]byte, bool, error) {
	return f.ReadFunc(ctx, key)
}

// Write calls f.WriteFunc.
func (f Func) Write(ctx context.Context, key string, value []byte) error {
	return f.WriteFunc(ctx, key, value)
}
