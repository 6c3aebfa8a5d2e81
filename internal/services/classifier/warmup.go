package classifier

import (
	"context"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const warmupInput = "Warmup."

// StartWarmup launches the warmup and keep-alive loop. The goroutine is
// detached from request handling and never blocks shutdown; cancelling the
// context stops it. Failures are warn-logged, never fatal.
func (c *Client) StartWarmup(ctx context.Context) {
	if !c.cfg.Warmup {
		return
	}

	go func() {
		select {
		case <-time.After(c.cfg.WarmupDelay):
		case <-ctx.Done():
			return
		}

		c.warmupOnce(ctx)

		if c.cfg.KeepAlive <= 0 {
			return
		}
		ticker := time.NewTicker(c.cfg.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.warmupOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// warmupOnce issues a synthetic classification to paint cold model weights,
// with the timeout raised so a cold start can finish.
func (c *Client) warmupOnce(ctx context.Context) {
	timeout := maxDuration(c.cfg.Timeout, minWarmupTime)
	decision, err := c.classifyInput(ctx, warmupInput, "warmup", timeout)
	if err != nil {
		fiberlog.Warnf("[warmup] classifier warmup failed: %v", err)
		return
	}
	fiberlog.Debugf("[warmup] classifier warm, decision %d", decision)
}
