package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reap removes rooms that have no members and have been idle for at
// least ttl. Their mapping tables stay in the map cache.
func (c *Coordinator) Reap(ttl time.Duration) []string {
	removed := c.registry.reap(c.clock.Now().Add(-ttl))
	for _, key := range removed {
		c.log.Info("cleaned up idle room", zap.String("room", key))
	}
	return removed
}

// RunReaper calls Reap every interval until ctx is done.
func (c *Coordinator) RunReaper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.Reap(ttl)
		}
	}
}
