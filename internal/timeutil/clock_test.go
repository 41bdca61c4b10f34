package timeutil

import (
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresTimer(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	timer := clock.NewTimer(2 * time.Second)

	clock.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeClockStoppedTimerDoesNotFire(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Stop on an active timer should report true")
	}
	clock.Advance(2 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Error("Stop on an already stopped timer should report false")
	}
}

func TestFakeClockTicker(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeClockSince(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewFakeClock(start)
	clock.Advance(1500 * time.Millisecond)
	if got := clock.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since = %v, want 1.5s", got)
	}
}

func TestRealClockBasics(t *testing.T) {
	var clock Clock = RealClock{}
	before := clock.Now()
	timer := clock.NewTimer(time.Millisecond)
	<-timer.C()
	if clock.Since(before) <= 0 {
		t.Error("Since should be positive after the timer fired")
	}
}
