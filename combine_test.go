package squirrelstore

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCombine_SharedTable(t *testing.T) {
	s, m, _ := newTestStore(t)
	if err := s.Combine("main", "coins", "gems"); err != nil {
		t.Fatalf("Combine: %v", err)
	}

	coins := mustOpen[int](t, s, "coins", "p1")
	gems := mustOpen[int](t, s, "gems", "p1")
	if coins.Key() != "main/p1" || gems.Key() != "main/p1" {
		t.Fatalf("keys = %q, %q", coins.Key(), gems.Key())
	}

	_ = coins.Set(50)
	if err := coins.Save(t.Context()); err != nil {
		t.Fatal(err)
	}
	_ = gems.Set(10)
	if err := gems.Save(t.Context()); err != nil {
		t.Fatal(err)
	}

	raw, ok := m.Raw("main/p1")
	if !ok {
		t.Fatal("main key not written")
	}
	var table map[string]int
	if err := json.Unmarshal(raw, &table); err != nil {
		t.Fatalf("main key is not a table: %s", raw)
	}
	if len(table) != 2 || table["coins"] != 50 || table["gems"] != 10 {
		t.Fatalf("table = %v, want {coins:50 gems:10}", table)
	}
}

func TestCombine_ReadsMemberAndTreatsAbsentAsMissing(t *testing.T) {
	s, m, _ := newTestStore(t)
	if err := s.Combine("main", "coins", "gems"); err != nil {
		t.Fatal(err)
	}
	m.Put("main/p1", []byte(`{"coins":12,"gems":null}`))

	coins := mustOpen[int](t, s, "coins", "p1")
	gems := mustOpen[int](t, s, "gems", "p1")
	if v, err := coins.Get(t.Context(), 0); err != nil || v != 12 {
		t.Fatalf("coins = (%d, %v)", v, err)
	}
	if v, err := gems.Get(t.Context(), 3); err != nil || v != 3 {
		t.Fatalf("gems = (%d, %v), want default 3", v, err)
	}
}

func TestCombine_SaveKeepsSiblingBytes(t *testing.T) {
	s, m, _ := newTestStore(t)
	if err := s.Combine("main", "coins"); err != nil {
		t.Fatal(err)
	}
	m.Put("main/p1", []byte(`{"legacy": {"a": [1, 2]},"coins":1}`))

	coins := mustOpen[int](t, s, "coins", "p1")
	_ = coins.Set(2)
	if err := coins.Save(t.Context()); err != nil {
		t.Fatal(err)
	}
	raw, _ := m.Raw("main/p1")
	if string(raw) != `{"legacy": {"a": [1, 2]},"coins":2}` {
		t.Fatalf("table = %s", raw)
	}
}

func TestCombine_ConcurrentSiblingSavesKeepBoth(t *testing.T) {
	s, m, _ := newTestStore(t)
	keys := []string{"a", "b", "c", "d", "e", "f"}
	if err := s.Combine("main", keys...); err != nil {
		t.Fatal(err)
	}
	m.SetLatency(2*time.Millisecond, 2*time.Millisecond)

	handles := make([]*Handle[int], len(keys))
	for i, k := range keys {
		handles[i] = mustOpen[int](t, s, k, "p1")
		_ = handles[i].Set(i + 1)
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Save(t.Context()); err != nil {
				t.Errorf("Save %s: %v", h.Namespace(), err)
			}
		}()
	}
	wg.Wait()

	raw, _ := m.Raw("main/p1")
	var table map[string]int
	if err := json.Unmarshal(raw, &table); err != nil {
		t.Fatalf("bad table %s: %v", raw, err)
	}
	for i, k := range keys {
		if table[k] != i+1 {
			t.Fatalf("lost update for %q: table = %v", k, table)
		}
	}
	if n := len(s.keyLocks); n != 0 {
		t.Fatalf("%d key locks leaked", n)
	}
}

func TestCombine_Errors(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.Combine("main", "coins", "gems"); err != nil {
		t.Fatal(err)
	}

	if err := s.Combine("main", "coins"); err != nil {
		t.Fatalf("re-registering the same pair: %v", err)
	}
	if err := s.Combine("other", "gems"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if err := s.Combine("x", "x"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("self combine: %v", err)
	}
	if err := s.Combine("coins", "stars"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("subkey as main key: %v", err)
	}
	if err := s.Combine("side", "main"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("main key as subkey: %v", err)
	}
	if err := s.Combine("", "a"); err == nil {
		t.Fatal("expected error for empty main key")
	}
}

func TestCombine_AllOrNothing(t *testing.T) {
	c := newCombiner()
	if err := c.combine("main", []string{"coins"}); err != nil {
		t.Fatal(err)
	}
	if err := c.combine("other", []string{"gems", "coins"}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, ok := c.resolve("gems"); ok {
		t.Fatal("failed Combine registered part of its keys")
	}
}

func TestCombine_FrozenAfterOpen(t *testing.T) {
	s, _, _ := newTestStore(t)
	mustOpen[int](t, s, "coins", "p1")
	if err := s.Combine("main", "gems"); !errors.Is(err, ErrCombinerFrozen) {
		t.Fatalf("expected ErrCombinerFrozen, got %v", err)
	}
}
