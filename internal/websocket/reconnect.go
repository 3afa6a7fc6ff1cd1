package websocket

import (
	"context"
	"math/rand/v2"
	"time"

	"chat-client/pkg/logger"
)

// reconnect redials with exponential backoff until it succeeds, the session is signed
// out or ctx is cancelled. Registered subscriptions are replayed on the new connection.
// gen is the generation of the session that dropped.
func (c *Client) reconnect(ctx context.Context, gen uint64) {
	delay := c.opts.ReconnectMin
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.opts.ReconnectMax
	if maxDelay < delay {
		maxDelay = delay
	}

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.tokens.Token() == "" {
			logger.Warn("Giving up reconnect: no session")
			c.abandonReconnect(gen)
			return
		}

		cn, err := c.dial(ctx)
		if err != nil {
			logger.Warn("Reconnect attempt %d failed: %v", attempt, err)
			delay = min(delay*2, maxDelay)
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil || c.closed || c.generation != gen {
			c.mu.Unlock()
			cn.close()
			return
		}
		c.conn = cn
		c.state = stateConnected
		c.cancelReconnect = nil
		for _, sub := range c.subs {
			if err := cn.enqueue(subscribeFrame(sub.id, sub.destination)); err != nil {
				logger.Error("Replaying subscription %s failed: %v", sub.destination, err)
			}
		}
		onReconnect := c.onReconnect
		c.mu.Unlock()

		go c.watch(cn)
		logger.Info("STOMP session re-established after %d attempt(s)", attempt)
		if onReconnect != nil {
			onReconnect()
		}
		return
	}
}

func (c *Client) abandonReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil && c.generation == gen {
		c.state = stateDisconnected
		c.cancelReconnect = nil
	}
}

// jitter spreads d over [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half))
}
