package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clk := NewFake(start)

	if !clk.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", clk.Now(), start)
	}
	clk.Advance(90 * time.Second)
	if got := clk.Since(start); got != 90*time.Second {
		t.Errorf("Since = %v, want 90s", got)
	}
	if got := clk.NowMS(); got != start.Add(90*time.Second).UnixMilli() {
		t.Errorf("NowMS = %d", got)
	}
}

func TestRealTracksWallTime(t *testing.T) {
	clk := NewReal()
	before := time.Now()
	if now := clk.Now(); now.Before(before) {
		t.Errorf("Now = %v is before %v", now, before)
	}
	if clk.Since(before) < 0 {
		t.Error("Since went backwards")
	}
}

var (
	_ Clock = (*Real)(nil)
	_ Clock = (*Fake)(nil)
)
