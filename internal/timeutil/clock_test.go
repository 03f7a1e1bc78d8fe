package timeutil

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) {
		t.Errorf("Now() = %v, before %v", now, before)
	}
	if c.Since(before) < 0 {
		t.Error("Since() returned a negative duration")
	}

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	c.Advance(5 * time.Second)
	if got := c.Since(start); got != 5*time.Second {
		t.Errorf("Since() = %v, want 5s", got)
	}

	later := start.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", c.Now(), later)
	}
}

func TestMockTicker(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire at interval")
	}

	ticker.Stop()
	c.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestUnixMillis(t *testing.T) {
	got := UnixMillis(1_700_000_000_123)
	want := time.Date(2023, 11, 14, 22, 13, 20, 123_000_000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("UnixMillis() = %v, want %v", got, want)
	}
}
