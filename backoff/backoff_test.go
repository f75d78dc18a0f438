package backoff_test

import (
	"testing"
	"time"

	"github.com/qizha/senlin/backoff"
)

func TestConstant(t *testing.T) {
	bo := backoff.NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := bo.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestLinear(t *testing.T) {
	bo := backoff.NewLinear(time.Second, 4*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 4 * time.Second},
		{10, 4 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := bo.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential(t *testing.T) {
	bo := backoff.NewExponential(time.Second, 10*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := bo.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	bo := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		ceiling := time.Duration(1<<uint(attempt-1)) * time.Second
		if ceiling > 8*time.Second {
			ceiling = 8 * time.Second
		}
		for range 50 {
			d := bo.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("Delay(%d) = %v, want in [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	bo := backoff.DefaultStrategy()
	if d := bo.Delay(1); d > 500*time.Millisecond {
		t.Errorf("Delay(1) = %v, want <= 500ms", d)
	}
	if d := bo.Delay(20); d > 30*time.Second {
		t.Errorf("Delay(20) = %v, want <= 30s", d)
	}
}
