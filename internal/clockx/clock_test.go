package clockx

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	t.Parallel()

	before := time.Now()
	got := New().Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Fatalf("real clock out of range: %v not in [%v, %v]", got, before, after)
	}
}

func TestFakeClock_SetAndAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("fake clock: got %v want %v", c.Now(), start)
	}

	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("after Advance: got %v want %v", c.Now(), start.Add(time.Hour))
	}

	other := start.AddDate(0, 1, 0)
	c.Set(other)
	if !c.Now().Equal(other) {
		t.Fatalf("after Set: got %v want %v", c.Now(), other)
	}
}
