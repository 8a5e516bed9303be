// Package humanize makes page interaction look like a person at a
// keyboard: scroll distances, pacing, and pauses are all randomized
// within realistic bounds.
package humanize

import (
	"context"
	"time"
)

// Sleep waits for d or until the context is done. Returns false when
// the context ended the wait early.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
