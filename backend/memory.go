package backend

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Compile-time check that Memory implements Backend.
var _ Backend = (*Memory)(nil)

// Memory is an in-process Backend. Besides storing payloads it lets tests
// inject read and write failures, add latency and count calls.
// All methods are safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte

	readFails  int   // remaining reads that fail; < 0 fails forever
	writeFails int   // remaining writes that fail; < 0 fails forever
	failErr    error // error returned by injected failures

	readDelay  time.Duration
	writeDelay time.Duration

	reads  int
	writes int
}

// NewMemory creates an empty in-memory Backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Read returns a copy of the payload stored under key.
func (m *Memory) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.wait(ctx, m.delay(true)); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.readFails != 0 {
		if m.readFails > 0 {
			m.readFails--
		}
		return nil, false, m.failure()
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Write stores a copy of value under key.
func (m *Memory) Write(ctx context.Context, key string, value []byte) error {
	if err := m.wait(ctx, m.delay(false)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.writeFails != 0 {
		if m.writeFails > 0 {
			m.writeFails--
		}
		return m.failure()
	}
	m.data[key] = bytes.Clone(value)
	return nil
}

// FailReads makes the next n reads fail. A negative n fails every read until
// reset with FailReads(0).
func (m *Memory) FailReads(n int) {
	m.mu.Lock()
	m.readFails = n
	m.mu.Unlock()
}

// FailWrites makes the next n writes fail. A negative n fails every write
// until reset with FailWrites(0).
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	m.writeFails = n
	m.mu.Unlock()
}

// FailWith sets the error returned by injected failures. A nil err restores
// [ErrUnavailable].
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// SetLatency delays every read and write by the given durations.
func (m *Memory) SetLatency(read, write time.Duration) {
	m.mu.Lock()
	m.readDelay, m.writeDelay = read, write
	m.mu.Unlock()
}

// Reads returns the number of Read calls seen so far.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Writes returns the number of Write calls seen so far, failed ones included.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Raw returns a copy of the payload under key, bypassing failure injection
// and call counting.
func (m *Memory) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return bytes.Clone(v), ok
}

// Put stores value under key, bypassing failure injection and call counting.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()
	m.data[key] = bytes.Clone(value)
	m.mu.Unlock()
}

// Keys returns every stored key in no particular order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func (m *Memory) failure() error {
	if m.failErr != nil {
		return m.failErr
	}
	return ErrUnavailable
}

func (m *Memory) delay(read bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if read {
		return m.readDelay
	}
	return m.writeDelay
}

func (m *Memory) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
