// Package pacing serializes and throttles outbound sends process-wide.
// Every worker funnels through one Controller; the controller decides how
// long to sleep before the next send may go out.
package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "feedcast/pkg/logx"
)

// MaxWait bounds any single pacing delay. Whatever the intervals say, a
// send never waits longer than this.
const MaxWait = 30 * time.Second

// Config holds the three minimum intervals the controller enforces.
type Config struct {
	// GlobalInterval is the floor between any two sends, process-wide.
	GlobalInterval time.Duration
	// RecipientInterval is the floor between two sends to the same recipient.
	RecipientInterval time.Duration
	// SwitchInterval is the floor when the send targets a different
	// recipient than the previous one.
	SwitchInterval time.Duration
}

// Controller is the global ordering gate. Acquire admits exactly one send
// at a time and sleeps out the largest applicable interval before
// returning. Safe for concurrent use.
type Controller struct {
	cfg     Config
	log     logx.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	limiter *rate.Limiter

	mu            sync.Mutex
	lastSent      map[string]time.Time
	lastRecipient string
	lastSendAt    time.Time
}

// New builds a controller. Zero or negative intervals disable that
// particular floor.
func New(cfg Config, log logx.Logger) *Controller {
	c := &Controller{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "pacing")),
		now:      time.Now,
		sleep:    sleepCtx,
		lastSent: make(map[string]time.Time),
	}
	if cfg.GlobalInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.GlobalInterval), 1)
	}
	return c
}

// Acquire blocks until the caller may send to the given recipient, then
// records the send as issued. Callers must hold the returned admission by
// actually sending promptly; there is no release step.
func (c *Controller) Acquire(ctx context.Context, recipient string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	wait := c.waitFor(recipient, now)

	var res *rate.Reservation
	if c.limiter != nil {
		res = c.limiter.Reserve()
		if d := res.Delay(); d > wait {
			wait = d
		}
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	if wait > 0 {
		c.log.Debug("pacing wait",
			logx.String("recipient", recipient),
			logx.Duration("wait", wait))
		if err := c.sleep(ctx, wait); err != nil {
			if res != nil {
				res.Cancel()
			}
			return err
		}
		now = c.now()
	}

	c.lastSent[recipient] = now
	c.lastRecipient = recipient
	c.lastSendAt = now
	return nil
}

// waitFor computes the recipient-dependent delay before sending to
// recipient at time now. The global floor is enforced separately by the
// rate limiter. Caller holds mu.
func (c *Controller) waitFor(recipient string, now time.Time) time.Duration {
	var wait time.Duration

	if d := remaining(c.lastSent[recipient], c.cfg.RecipientInterval, now); d > wait {
		wait = d
	}
	if c.lastRecipient != "" && c.lastRecipient != recipient {
		if d := remaining(c.lastSendAt, c.cfg.SwitchInterval, now); d > wait {
			wait = d
		}
	}
	return wait
}

// remaining returns how much of interval is left since last, or zero when
// the timestamp is unknown or ahead of the clock (skew guard).
func remaining(last time.Time, interval time.Duration, now time.Time) time.Duration {
	if interval <= 0 || last.IsZero() || last.After(now) {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

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
