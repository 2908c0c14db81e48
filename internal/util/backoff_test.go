package util

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	min := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 0; attempt < 20; attempt++ {
		got := BackoffWithJitter(attempt, 2, min, max, rng)
		if got < min || got > max {
			t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, got, min, max)
		}
	}
}

func TestBackoffWithJitterWithoutWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	got := BackoffWithJitter(3, 2, time.Second, time.Second, rng)
	if got != time.Second {
		t.Fatalf("expected capped backoff of 1s, got %s", got)
	}
}
