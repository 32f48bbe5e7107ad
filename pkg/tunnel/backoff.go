package tunnel

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter grows exponentially from initial toward max, then picks
// a random point in the upper half of the window to spread out retries.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// waitUntil polls cond with jittered backoff until it returns true or the
// context expires. Used to verify a spawned forward actually came up
// listening before the session is recorded.
func waitUntil(ctx context.Context, cond func() bool) bool {
	const (
		initial = 100 * time.Millisecond
		maxWait = time.Second
	)
	for attempt := 0; ; attempt++ {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoffWithJitter(initial, maxWait, attempt)):
		}
	}
}
