package fleet

import (
	"context"
	"math/rand"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// backoffDelay returns the delay before retry number attempt (0-based):
// exponential from backoffBase, capped at backoffMax, with up to 25% jitter
// so sibling slots retrying after a shared quota failure spread out.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffMax; i++ {
		d *= 2
	}
	if d > backoffMax {
		d = backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
