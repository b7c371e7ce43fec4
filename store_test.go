package squirrelstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// newTestStore returns a Store over a fresh in-memory backend with a
// silent logger whose entries can be inspected through the hook.
func newTestStore(t *testing.T, opts ...Option) (*Store, *backend.Memory, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m := backend.NewMemory()
	opts = append([]Option{
		WithLogger(logger),
		WithShutdownRetry(retryFast(3)),
	}, opts...)
	return New(m, opts...), m, hook
}

func mustOpen[T any](t *testing.T, s *Store, namespace, entityID string) *Handle[T] {
	t.Helper()
	h, err := Open[T](s, namespace, entityID)
	if err != nil {
		t.Fatalf("Open(%q, %q): %v", namespace, entityID, err)
	}
	return h
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpen_ReturnsSingletonPerIdentity(t *testing.T) {
	s, _, _ := newTestStore(t)

	a := mustOpen[int](t, s, "coins", "p1")
	b := mustOpen[int](t, s, "coins", "p1")
	if a != b {
		t.Fatal("second Open returned a different handle")
	}
	if c := mustOpen[int](t, s, "coins", "p2"); c == a {
		t.Fatal("different entities share a handle")
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
}

func TestOpen_TypeMismatch(t *testing.T) {
	s, _, _ := newTestStore(t)
	mustOpen[int](t, s, "coins", "p1")

	if _, err := Open[string](s, "coins", "p1"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestOpen_RequiresIdentity(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := Open[int](s, "", "p1"); err == nil {
		t.Fatal("expected error for empty namespace")
	}
	if _, err := Open[int](s, "coins", " "); err == nil {
		t.Fatal("expected error for blank entity ID")
	}
}

func TestKey(t *testing.T) {
	if got := Key("coins", "p1"); got != "coins/p1" {
		t.Fatalf("Key = %q, want %q", got, "coins/p1")
	}
	s, _, _ := newTestStore(t)
	if got := mustOpen[int](t, s, "coins", "p1").Key(); got != "coins/p1" {
		t.Fatalf("handle Key = %q", got)
	}
}

func TestRelease_DropsWithoutSaving(t *testing.T) {
	s, m, _ := newTestStore(t)
	h := mustOpen[int](t, s, "coins", "p1")
	if err := h.Set(5); err != nil {
		t.Fatal(err)
	}

	s.Release("coins", "p1")
	if m.Writes() != 0 {
		t.Fatal("Release must not save")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Release", s.Len())
	}
	if fresh := mustOpen[int](t, s, "coins", "p1"); fresh == h {
		t.Fatal("Open after Release returned the released handle")
	}
}

func TestClearCache(t *testing.T) {
	s, m, _ := newTestStore(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		if err := mustOpen[int](t, s, "coins", id).Set(1); err != nil {
			t.Fatal(err)
		}
	}
	s.ClearCache()
	if s.Len() != 0 || m.Writes() != 0 {
		t.Fatalf("ClearCache: Len %d, writes %d", s.Len(), m.Writes())
	}
}

func TestSaveAll_SavesEveryHandleOfEntity(t *testing.T) {
	s, m, _ := newTestStore(t)
	coins := mustOpen[int](t, s, "coins", "p1")
	name := mustOpen[string](t, s, "name", "p1")
	other := mustOpen[int](t, s, "coins", "p2")

	for _, err := range []error{coins.Set(3), name.Set("ann"), other.Set(9)} {
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveAll(t.Context(), "p1"); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	if raw, _ := m.Raw("coins/p1"); string(raw) != "3" {
		t.Fatalf("coins/p1 = %q", raw)
	}
	if raw, _ := m.Raw("name/p1"); string(raw) != `"ann"` {
		t.Fatalf("name/p1 = %q", raw)
	}
	if _, ok := m.Raw("coins/p2"); ok {
		t.Fatal("SaveAll saved another entity")
	}
}

func TestSaveAll_JoinsErrors(t *testing.T) {
	s, m, _ := newTestStore(t)
	a := mustOpen[int](t, s, "a", "p1")
	b := mustOpen[int](t, s, "b", "p1")
	_ = a.Set(1)
	_ = b.Set(2)

	m.FailWrites(-1)
	err := s.SaveAll(t.Context(), "p1")
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	if !a.IsDirty() || !b.IsDirty() {
		t.Fatal("failed saves must leave handles dirty")
	}
}

func TestRun_AutosavesDirtyHandles(t *testing.T) {
	s, m, _ := newTestStore(t, WithAutoSaveInterval(5*time.Millisecond))
	h := mustOpen[int](t, s, "coins", "p1")
	if err := h.Set(3); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "autosave", func() bool { return !h.IsDirty() })
	if raw, _ := m.Raw("coins/p1"); string(raw) != "3" {
		t.Fatalf("stored %q, want 3", raw)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRun_FailedAutosaveRetriesNextTick(t *testing.T) {
	s, m, hook := newTestStore(t, WithAutoSaveInterval(5*time.Millisecond))
	h := mustOpen[int](t, s, "coins", "p1")
	_ = h.Set(4)
	m.FailWrites(2)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, "autosave after failures", func() bool { return !h.IsDirty() })
	if m.Writes() != 3 {
		t.Fatalf("writes = %d, want 3", m.Writes())
	}
	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "squirrelstore: autosave failed" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("failed autosave was not logged")
	}
}

func TestRun_DisabledWaitsForContext(t *testing.T) {
	s, _, _ := newTestStore(t, WithAutoSaveInterval(0))
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
}
