package omx

import (
	"context"
	"errors"
	"time"
)

var errWaitTimeout = errors.New("omx: wait timed out")

// waitFor blocks until cond holds. c.mu must be held; it is released while
// waiting and held again when waitFor returns. cond runs under c.mu after
// every state change. A zero timeout waits on ctx alone.
func (c *Codec) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for !cond() {
		ch := c.changed
		c.mu.Unlock()
		var err error
		select {
		case <-ch:
		case <-ctx.Done():
			err = ctx.Err()
		case <-deadline:
			err = errWaitTimeout
		}
		c.mu.Lock()
		if err != nil {
			return err
		}
	}
	return nil
}

// waitState waits until the codec reaches one of the given states or Error.
func (c *Codec) waitState(ctx context.Context, timeout time.Duration, states ...State) error {
	return c.waitFor(ctx, timeout, func() bool {
		if c.state == StateError {
			return true
		}
		for _, s := range states {
			if c.state == s {
				return true
			}
		}
		return false
	})
}
