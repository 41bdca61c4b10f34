package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/power.bench/internal/timeutil"
)

// waitEvent reads events until one of the wanted kind arrives or the timeout
// elapses, returning the matching event.
func waitEvent(t *testing.T, ch chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

// expectNoEvent asserts that no event of the given kind is queued.
func expectNoEvent(t *testing.T, ch chan Event, kind EventKind) {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected %v event: %q", kind, ev.Payload)
			}
		default:
			return
		}
	}
}

// advanceUntil repeatedly advances the fake clock in small steps, yielding the
// scheduler between steps, until cond holds or total has been advanced.
func advanceUntil(clock *timeutil.FakeClock, total, step time.Duration, cond func() bool) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		if cond != nil && cond() {
			return
		}
		clock.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestChannel(t *testing.T) (*Channel, *TestPort, chan Event) {
	t.Helper()
	port := NewTestPort()
	ch := NewChannel(NewTestOpener(port), timeutil.NewFakeClock(time.Unix(0, 0)))
	_, events := ch.Subscribe()
	t.Cleanup(func() { ch.Close() })
	return ch, port, events
}

func TestConnectEmitsConnectedAndReadsLines(t *testing.T) {
	ch, port, events := newTestChannel(t)

	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, EventConnected)
	if !ch.Connected() {
		t.Error("Connected should report true after Connect")
	}

	port.FeedLine("3.141")
	ev := waitEvent(t, events, EventLine)
	if ev.Payload != "3.141" {
		t.Errorf("line payload = %q, want %q", ev.Payload, "3.141")
	}
}

func TestLineFramingPartialReads(t *testing.T) {
	ch, port, events := newTestChannel(t)
	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Split a line across reads; trailing bytes must persist until the
	// terminator arrives.
	port.FeedData([]byte("12."))
	port.FeedData([]byte("500\r\n  0.042"))
	port.FeedData([]byte("\n\n  \n"))

	first := waitEvent(t, events, EventLine)
	if first.Payload != "12.500" {
		t.Errorf("first line = %q, want %q", first.Payload, "12.500")
	}
	second := waitEvent(t, events, EventLine)
	if second.Payload != "0.042" {
		t.Errorf("second line = %q, want %q", second.Payload, "0.042")
	}
	// Blank lines must not be emitted.
	expectNoEvent(t, events, EventLine)
}

func TestConnectFailureLeavesNoSession(t *testing.T) {
	port := NewTestPort()
	opener := NewTestOpener(port)
	opener.Err = errors.New("no such device")
	ch := NewChannel(opener, timeutil.NewFakeClock(time.Unix(0, 0)))
	_, events := ch.Subscribe()
	defer ch.Close()

	if err := ch.Connect("bad"); err == nil {
		t.Fatal("Connect should propagate the open failure")
	}
	waitEvent(t, events, EventError)
	if ch.Connected() {
		t.Error("no session should be open after a failed connect")
	}
}

func TestSendAppendsTerminator(t *testing.T) {
	ch, port, _ := newTestChannel(t)
	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := ch.Send("*IDN?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := port.Written(); got != "*IDN?\n" {
		t.Errorf("written = %q, want %q", got, "*IDN?\n")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ch, _, events := newTestChannel(t)

	err := ch.Send("OUTPut CH1,ON")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
	waitEvent(t, events, EventError)
}

func TestSendShortWrite(t *testing.T) {
	ch, port, events := newTestChannel(t)
	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	port.SetShortWrite(true)

	if err := ch.Send("*IDN?"); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Send error = %v, want ErrWriteFailed", err)
	}
	waitEvent(t, events, EventError)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ch, _, events := newTestChannel(t)
	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, EventConnected)

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	waitEvent(t, events, EventDisconnected)
	if ch.Connected() {
		t.Error("Connected should report false after Disconnect")
	}

	// A second disconnect must not error and still signals disconnected.
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	waitEvent(t, events, EventDisconnected)
}

func TestTransientReadFailureStaysOpen(t *testing.T) {
	port := NewTestPort()
	clock := timeutil.NewFakeClock(time.Unix(0, 0))
	ch := NewChannel(NewTestOpener(port), clock)
	_, events := ch.Subscribe()
	defer ch.Close()

	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, EventConnected)

	// Fail reads for well under the grace window, then recover.
	port.SetReadError(errors.New("device hiccup"))
	advanceUntil(clock, 2*time.Second, RetryInterval, nil)
	port.ClearReadError()
	port.FeedLine("1.000")
	// Release the retry sleep so the loop picks the data up.
	advanceUntil(clock, time.Second, RetryInterval, nil)

	ev := waitEvent(t, events, EventLine)
	if ev.Payload != "1.000" {
		t.Errorf("line = %q, want %q", ev.Payload, "1.000")
	}
	if !ch.Connected() {
		t.Error("session should survive a transient read failure")
	}
	expectNoEvent(t, events, EventError)
	expectNoEvent(t, events, EventDisconnected)
}

func TestSuccessfulReadResetsGraceWindow(t *testing.T) {
	port := NewTestPort()
	clock := timeutil.NewFakeClock(time.Unix(0, 0))
	ch := NewChannel(NewTestOpener(port), clock)
	_, events := ch.Subscribe()
	defer ch.Close()

	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, EventConnected)

	// 3s of failures, then a successful read resets the window.
	port.SetReadError(errors.New("hiccup"))
	advanceUntil(clock, 3*time.Second, RetryInterval, nil)
	port.ClearReadError()
	port.FeedLine("ok")
	advanceUntil(clock, time.Second, RetryInterval, nil)
	waitEvent(t, events, EventLine)

	// Another 3s of failures: 6s since the first failure, but only 3s into
	// the fresh window, so the session must still be open.
	port.SetReadError(errors.New("hiccup again"))
	advanceUntil(clock, 3*time.Second, RetryInterval, nil)
	if !ch.Connected() {
		t.Fatal("grace window should have been reset by the successful read")
	}
	expectNoEvent(t, events, EventError)

	// Exhaust the fresh window.
	advanceUntil(clock, 4*time.Second, RetryInterval, func() bool { return !ch.Connected() })
	waitEvent(t, events, EventError)
	waitEvent(t, events, EventDisconnected)
}

func TestPersistentReadFailureDisconnects(t *testing.T) {
	port := NewTestPort()
	clock := timeutil.NewFakeClock(time.Unix(0, 0))
	ch := NewChannel(NewTestOpener(port), clock)
	_, events := ch.Subscribe()
	defer ch.Close()

	if err := ch.Connect("dev0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, EventConnected)

	port.SetReadError(errors.New("gone"))
	advanceUntil(clock, 2*GraceWindow, RetryInterval, func() bool { return !ch.Connected() })

	waitEvent(t, events, EventError)
	waitEvent(t, events, EventDisconnected)
	if ch.Connected() {
		t.Error("session should be closed after the grace window elapses")
	}

	// Exactly one error event: nothing further queued.
	expectNoEvent(t, events, EventError)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	ch := NewChannel(NewTestOpener(NewTestPort()), timeutil.NewFakeClock(time.Unix(0, 0)))
	id1, ev1 := ch.Subscribe()
	id2, ev2 := ch.Subscribe()
	if id1 == id2 {
		t.Error("subscriber IDs should be unique")
	}

	ch.Emit(EventLog, "fanout")
	for _, c := range []chan Event{ev1, ev2} {
		select {
		case ev := <-c:
			if ev.Payload != "fanout" {
				t.Errorf("payload = %q", ev.Payload)
			}
		default:
			t.Error("subscriber did not receive the event")
		}
	}

	ch.Unsubscribe(id1)
	if _, ok := <-ev1; ok {
		t.Error("unsubscribed channel should be closed")
	}
}
