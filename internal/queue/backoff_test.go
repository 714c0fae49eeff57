package queue

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextBackoff_GrowsExponentially(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	d0 := nextBackoff(1, 3600, 0, 0, rnd)
	d1 := nextBackoff(1, 3600, 0, 1, rnd)
	d2 := nextBackoff(1, 3600, 0, 2, rnd)
	if d0 != time.Second || d1 != 2*time.Second || d2 != 4*time.Second {
		t.Errorf("expected 1s/2s/4s with no jitter, got %v/%v/%v", d0, d1, d2)
	}
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	d := nextBackoff(1, 10, 0, 10, rnd)
	if d != 10*time.Second {
		t.Errorf("expected the delay capped at 10s, got %v", d)
	}
}

func TestNextBackoff_JitterStaysWithinRange(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := nextBackoff(10, 3600, 0.2, 0, rnd)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %v outside expected [8s,12s] range", d)
		}
	}
}

func TestNextBackoff_NeverNegative(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		if d := nextBackoff(1, 60, 5, 0, rnd); d < 0 {
			t.Fatalf("expected non-negative delay, got %v", d)
		}
	}
}
