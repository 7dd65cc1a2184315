package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("got %v, want %v", c.Now(), start)
	}

	c.Advance(30 * time.Second)
	if want := start.Add(30 * time.Second); !c.Now().Equal(want) {
		t.Errorf("got %v, want %v", c.Now(), want)
	}
}

func TestReal_IsUTC(t *testing.T) {
	if loc := Real().Now().Location(); loc != time.UTC {
		t.Errorf("expected UTC, got %v", loc)
	}
}
