// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNowAndSince(t *testing.T) {
	clock := Fake(epoch)
	clock.Advance(5 * time.Second)
	if got := clock.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("Now() = %v", got)
	}
	if got := Since(clock, epoch); got != 5*time.Second {
		t.Fatalf("Since = %v, want 5s", got)
	}
}

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(3 * time.Second)) {
			t.Errorf("fired at %v", fired)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if clock.PendingTimers() != 0 {
		t.Errorf("PendingTimers = %d after firing", clock.PendingTimers())
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	clock := Fake(epoch)
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

// TestFakeClockWaitForTimers verifies WaitForTimers returns once a
// goroutine has registered its timer.
func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-clock.After(time.Minute)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine did not observe the advanced clock")
	}
}
