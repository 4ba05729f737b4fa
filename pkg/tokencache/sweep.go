package tokencache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start runs the idle sweep every SweepInterval until ctx is done or
// [Cache.Stop] is called. Calling Start on a running cache is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	c.sweepStop, c.sweepDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
	c.logger.Debug("idle sweep started", zap.Duration("interval", c.cfg.SweepInterval))
}

// Stop halts the idle sweep and waits for a pass in progress to finish.
// It is safe to call more than once.
func (c *Cache) Stop() {
	c.sweepMu.Lock()
	stop, done := c.sweepStop, c.sweepDone
	c.sweepStop, c.sweepDone = nil, nil
	c.sweepMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops the sweep and terminates every session, zeroing all keys.
func (c *Cache) Close() {
	c.Stop()
	for _, id := range c.sessionIDs() {
		c.TerminateSession(id)
	}
}

// Sweep runs one idle-sweep pass. Sessions unused for longer than
// IdleTimeout lose their key and entries; in the remaining sessions,
// expired entries are dropped. Only one session is locked at a time.
func (c *Cache) Sweep() {
	var idle, expired int
	for _, id := range c.sessionIDs() {
		s := c.lookup(id)
		if s == nil {
			continue
		}
		now := c.now()

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			continue
		}
		if now.Sub(s.lastUsed) > c.cfg.IdleTimeout {
			n := s.destroy()
			s.mu.Unlock()
			c.total.Add(-int64(n))
			c.stats.evict(reasonIdle, n)
			c.forget(id, s)
			idle++
			continue
		}
		n := 0
		for aud, e := range s.entries {
			if !now.Before(e.cacheExpiry) {
				c.drop(s, aud)
				n++
			}
		}
		s.mu.Unlock()
		c.stats.evict(reasonExpired, n)
		expired += n
	}
	if idle > 0 || expired > 0 {
		c.logger.Debug("idle sweep", zap.Int("sessions_evicted", idle), zap.Int("entries_expired", expired))
	}
}

// forget removes s from the session map unless the id was reactivated with
// a new record in the meantime.
func (c *Cache) forget(id string, s *session) {
	c.mu.Lock()
	if c.sessions[id] == s {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
}
