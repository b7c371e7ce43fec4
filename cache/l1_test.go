package cache

import (
	"testing"
	"time"
)

func mustNewL1(t *testing.T) *L1 {
	t.Helper()
	c, err := NewL1(1000)
	if err != nil {
		t.Fatalf("NewL1: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestL1_GetSet(t *testing.T) {
	c := mustNewL1(t)

	// Miss returns false.
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expected miss")
	}

	c.Set("k1", []byte("v1"), 0)
	val, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(val) != "v1" {
		t.Fatalf("got %q, want %q", val, "v1")
	}
}

func TestL1_ReturnsCopies(t *testing.T) {
	c := mustNewL1(t)
	src := []byte("abc")
	c.Set("k", src, 0)
	src[0] = 'X'

	v, _ := c.Get("k")
	if string(v) != "abc" {
		t.Fatalf("cache shares memory with the caller: %q", v)
	}
	v[1] = 'Y'
	if again, _ := c.Get("k"); string(again) != "abc" {
		t.Fatalf("cache shares memory with Get results: %q", again)
	}
}

func TestL1_Delete(t *testing.T) {
	c := mustNewL1(t)
	c.Set("k", []byte("v"), 0)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestL1_TTLExpires(t *testing.T) {
	c := mustNewL1(t)

	c.Set("ttl", []byte("temp"), 50*time.Millisecond)

	// Should be present immediately.
	if _, ok := c.Get("ttl"); !ok {
		t.Fatal("expected hit before TTL")
	}

	// Wait for expiration. Ristretto cleanup may need a bit of extra time.
	time.Sleep(200 * time.Millisecond)

	if _, ok := c.Get("ttl"); ok {
		t.Fatal("expected miss after TTL")
	}
}
