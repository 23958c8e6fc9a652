package dedupe

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryMarkerCache_SeenFalseWhenAbsent(t *testing.T) {
	c := NewInMemoryMarkerCache()
	seen, err := c.Seen(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Error("Seen() = true for unmarked key, want false")
	}
}

func TestInMemoryMarkerCache_MarkThenSeen(t *testing.T) {
	c := NewInMemoryMarkerCache()
	if err := c.Mark(context.Background(), "k1", time.Minute); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	seen, err := c.Seen(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if !seen {
		t.Error("Seen() = false after Mark, want true")
	}
}

func TestInMemoryMarkerCache_ExpiresAfterTTL(t *testing.T) {
	c := NewInMemoryMarkerCache()
	if err := c.Mark(context.Background(), "k1", -time.Second); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	seen, err := c.Seen(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Error("Seen() = true for expired marker, want false")
	}
}
