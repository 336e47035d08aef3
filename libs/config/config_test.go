package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("FLUSH_EVERY", "45")
	if got := Duration("FLUSH_EVERY", time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
	t.Setenv("FLUSH_EVERY", "2m")
	if got := Duration("FLUSH_EVERY", time.Second); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	t.Setenv("FLUSH_EVERY", "nonsense")
	if got := Duration("FLUSH_EVERY", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestBoolAndList(t *testing.T) {
	t.Setenv("MASKING", "yes")
	if !Bool("MASKING", false) {
		t.Fatal("expected true")
	}
	t.Setenv("MASKING", "off")
	if Bool("MASKING", true) {
		t.Fatal("expected false")
	}
	t.Setenv("BROKERS", " a:9092, ,b:9092 ")
	got := List("BROKERS", "")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestPort(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Port("PORT", "8080"); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
