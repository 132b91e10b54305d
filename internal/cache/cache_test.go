package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := s.SetEx(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("SetEx: %v", err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v" {
		t.Errorf("Get = %q, want %q", v, "v")
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.SetEx(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("SetEx: %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestMemoryStoreCopiesValue(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	buf := []byte("original")
	if err := s.SetEx(ctx, "k", buf, 0); err != nil {
		t.Fatalf("SetEx: %v", err)
	}
	buf[0] = 'X'

	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "original" {
		t.Errorf("stored value mutated: %q", v)
	}
}

func TestNewClientInvalidURL(t *testing.T) {
	if _, err := NewClient("not-a-url", time.Second); err == nil {
		t.Fatal("expected error for invalid URL")
	}
	if _, err := NewClient("redis://localhost:6379/0", time.Second); err != nil {
		t.Fatalf("valid URL rejected: %v", err)
	}
}
