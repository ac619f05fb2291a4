package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestCacheSetGetDelete(t *testing.T) {
	c, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "asset:abc", []byte("https://cdn/a.png"), time.Hour); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	val, found, err := c.Get(ctx, "asset:abc")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "https://cdn/a.png" {
		t.Fatalf("expected cached URL, got %q (found=%v)", val, found)
	}

	if err := c.Delete(ctx, "asset:abc"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := c.Get(ctx, "asset:abc"); found {
		t.Fatal("expected miss after Delete")
	}
}

func TestCacheStats(t *testing.T) {
	c, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	c.Wait()
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "missing")

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", s)
	}
}
