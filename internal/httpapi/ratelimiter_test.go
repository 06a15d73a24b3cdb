package httpapi

import (
	"testing"
	"time"
)

func TestWindowLimiter(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if ok, _ := limiter.Reserve(); !ok {
		t.Fatal("expected first reservation")
	}
	now = now.Add(10 * time.Second)
	if ok, _ := limiter.Reserve(); !ok {
		t.Fatal("expected second reservation")
	}
	ok, wait := limiter.Reserve()
	if ok {
		t.Fatal("expected third reservation to be denied")
	}
	if wait != 50*time.Second {
		t.Fatalf("expected 50s wait, got %v", wait)
	}

	now = now.Add(51 * time.Second)
	if ok, _ := limiter.Reserve(); !ok {
		t.Fatal("expected reservation once the first grant left the window")
	}
	if ok, _ := limiter.Reserve(); ok {
		t.Fatal("expected the window to be saturated again")
	}
}

func TestWindowLimiterDisabled(t *testing.T) {
	limiter := NewWindowLimiter(0, 0, nil)
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Reserve(); !ok {
			t.Fatal("disabled limiter must admit everything")
		}
	}
	var nilLimiter *WindowLimiter
	if ok, _ := nilLimiter.Reserve(); !ok {
		t.Fatal("nil limiter must admit everything")
	}
}
