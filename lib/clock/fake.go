// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time stands still until
// Advance is called.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.timersChanged = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock. It is safe for concurrent use.
type FakeClock struct {
	mu            sync.Mutex
	current       time.Time
	timers        []*fakeTimer
	timersChanged *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	channel  chan time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has been
// advanced by at least d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.timers = append(c.timers, &fakeTimer{deadline: c.current.Add(d), channel: channel})
	c.timersChanged.Broadcast()
	return channel
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due, pending []*fakeTimer
	for _, timer := range c.timers {
		if timer.deadline.After(now) {
			pending = append(pending, timer)
		} else {
			due = append(due, timer)
		}
	}
	c.timers = pending
	c.timersChanged.Broadcast()
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, timer := range due {
		timer.channel <- now
	}
}

// PendingTimers returns the number of timers that have not fired.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.timersChanged.Wait()
	}
}
