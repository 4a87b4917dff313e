// Package dedup guards against committing the same environmental reading
// twice when more than one source region relays the same node's packet.
package dedup

import (
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

// Lifetime is how long a seen reading key is remembered. A window this
// wide comfortably spans the handful of seconds it takes the same packet
// to arrive over two regional brokers.
const Lifetime = time.Hour

// Window is a cross-source TTL set keyed on (node id, reading type, sensor
// timestamp). Safe for concurrent use, though the correlation engine only
// ever calls it from its single consumer goroutine.
type Window struct {
	cache *ttlcache.Cache[string, struct{}]
}

// New builds a Window with the standard Lifetime.
func New() *Window {
	return NewWithTTL(Lifetime)
}

// NewWithTTL builds a Window with a caller-supplied TTL, so tests can use a
// short lifetime instead of waiting out the production Lifetime.
func NewWithTTL(ttl time.Duration) *Window {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		// A repeat sighting must not extend the entry: it expires ttl after
		// its first insertion.
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()
	return &Window{cache: cache}
}

// Stop releases the background eviction goroutine.
func (w *Window) Stop() {
	w.cache.Stop()
}

// Seen reports whether (nodeID, readingType, sensorTimestamp) was first
// observed within the last Lifetime, marking it seen as a side effect. The
// first call for a given key always returns false.
func (w *Window) Seen(nodeID string, readingType model.ReadingType, sensorTimestamp int64) bool {
	key := dedupKey(nodeID, readingType, sensorTimestamp)
	if w.cache.Get(key) != nil {
		return true
	}
	w.cache.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

// Len reports the number of keys currently tracked, for statistics
// reporting.
func (w *Window) Len() int {
	return w.cache.Len()
}

func dedupKey(nodeID string, readingType model.ReadingType, sensorTimestamp int64) string {
	return fmt.Sprintf("%s|%s|%d", nodeID, readingType, sensorTimestamp)
}
