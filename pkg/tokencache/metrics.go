package tokencache

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/StricklySoft/stricklysoft-delegation/pkg/tokencache"

// Miss and eviction reasons, reported as the "reason" metric attribute.
const (
	reasonNoSession = "no_session"
	reasonAbsent    = "absent"
	reasonExpired   = "expired"
	reasonMismatch  = "mismatch"
	reasonCorrupt   = "corrupt"
	reasonCapacity  = "capacity"
	reasonIdle      = "idle"
	reasonTerminate = "terminate"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Sessions   int    `json:"sessions"`
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Rejections uint64 `json:"rejections"`
}

type counters struct {
	hits, misses, evictions, rejections atomic.Uint64

	hitCounter       metric.Int64Counter
	missCounter      metric.Int64Counter
	evictionCounter  metric.Int64Counter
	rejectionCounter metric.Int64Counter
}

func newCounters(provider metric.MeterProvider) (*counters, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	c := &counters{}
	var err error
	if c.hitCounter, err = meter.Int64Counter("tokencache.hits",
		metric.WithDescription("Delegation cache lookups served from the cache.")); err != nil {
		return nil, err
	}
	if c.missCounter, err = meter.Int64Counter("tokencache.misses",
		metric.WithDescription("Delegation cache lookups that fell through to token exchange.")); err != nil {
		return nil, err
	}
	if c.evictionCounter, err = meter.Int64Counter("tokencache.evictions",
		metric.WithDescription("Delegation cache entries removed before being read again.")); err != nil {
		return nil, err
	}
	if c.rejectionCounter, err = meter.Int64Counter("tokencache.rejections",
		metric.WithDescription("Delegation cache writes refused by capacity or state.")); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *counters) hit() {
	c.hits.Add(1)
	c.hitCounter.Add(context.Background(), 1)
}

func (c *counters) miss(reason string) {
	c.misses.Add(1)
	c.missCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (c *counters) evict(reason string, n int) {
	if n <= 0 {
		return
	}
	c.evictions.Add(uint64(n))
	c.evictionCounter.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (c *counters) reject(reason string) {
	c.rejections.Add(1)
	c.rejectionCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
