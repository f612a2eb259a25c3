// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations devbridge needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Since returns the time elapsed since t according to c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
